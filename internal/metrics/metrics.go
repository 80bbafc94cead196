// Package metrics tracks the registry counters from spec §4.4
// (profiles_registered, profiles_updated, onchain_refreshes,
// discovery_queries) using prometheus/client_golang, the metrics library
// Generativebots-ocx-backend-go-svc and certenIO-certen-validator both
// import directly in the retrieved example pack.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Registry wraps the counters backing GET /marketplace/metrics.
type Registry struct {
	prom *prometheus.Registry

	ProfilesRegistered prometheus.Counter
	ProfilesUpdated    prometheus.Counter
	OnchainRefreshes   prometheus.Counter
	DiscoveryQueries   prometheus.Counter
}

func New() *Registry {
	r := &Registry{
		prom: prometheus.NewRegistry(),
		ProfilesRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketplace_profiles_registered_total",
			Help: "Agent profiles registered or upserted.",
		}),
		ProfilesUpdated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketplace_profiles_updated_total",
			Help: "Agent profile patch updates applied.",
		}),
		OnchainRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketplace_onchain_refreshes_total",
			Help: "On-chain identity reconciliations performed.",
		}),
		DiscoveryQueries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketplace_discovery_queries_total",
			Help: "Discovery queries served.",
		}),
	}
	r.prom.MustRegister(
		r.ProfilesRegistered,
		r.ProfilesUpdated,
		r.OnchainRefreshes,
		r.DiscoveryQueries,
	)
	return r
}

// Prometheus exposes the underlying registry, e.g. for a /metrics scrape
// endpoint alongside the JSON snapshot served at GET /marketplace/metrics.
func (r *Registry) Prometheus() *prometheus.Registry { return r.prom }

// Snapshot is the JSON body returned by GET /marketplace/metrics.
type Snapshot struct {
	ProfilesRegistered float64 `json:"profiles_registered"`
	ProfilesUpdated    float64 `json:"profiles_updated"`
	OnchainRefreshes   float64 `json:"onchain_refreshes"`
	DiscoveryQueries   float64 `json:"discovery_queries"`
}

func (r *Registry) Snapshot() Snapshot {
	return Snapshot{
		ProfilesRegistered: readCounter(r.ProfilesRegistered),
		ProfilesUpdated:    readCounter(r.ProfilesUpdated),
		OnchainRefreshes:   readCounter(r.OnchainRefreshes),
		DiscoveryQueries:   readCounter(r.DiscoveryQueries),
	}
}

func readCounter(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}
