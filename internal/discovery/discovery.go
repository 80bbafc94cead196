// Package discovery implements the ranked discovery operation from spec
// §4.5: score, sort, and paginate the set of active agent profiles.
package discovery

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/agentic-marketplace/core/internal/metrics"
	"github.com/agentic-marketplace/core/internal/model"
	"github.com/agentic-marketplace/core/internal/registry"
)

// RankingVersion is returned on every ranked profile (spec §4.5).
const RankingVersion = "v1"

const freshnessWindowDays = 30

// Query is the filter/scoring input from GET /marketplace/discover.
type Query struct {
	AgentType    string
	Capability   string
	VerifiedOnly bool
	Limit        int
	Offset       int
}

// Ranked wraps a profile with its computed discovery score.
type Ranked struct {
	Profile        model.AgentProfile `json:"profile"`
	DiscoveryScore float64             `json:"discovery_score"`
	RankingVersion string              `json:"ranking_version"`
}

// Service runs the candidate list against the registry and scores it.
type Service struct {
	reg     *registry.Registry
	metrics *metrics.Registry
	now     func() time.Time
}

func New(reg *registry.Registry, m *metrics.Registry) *Service {
	return &Service{reg: reg, metrics: m, now: time.Now}
}

// Discover implements spec §4.5. Candidate set is every active profile,
// additionally filtered by agent_type/verified_only when requested;
// capability only ever affects scoring, never exclusion. Paused and
// retired profiles are always excluded.
func (s *Service) Discover(ctx context.Context, q Query) ([]Ranked, error) {
	candidates, err := s.reg.List(ctx, registry.Filters{
		AgentType:    q.AgentType,
		VerifiedOnly: q.VerifiedOnly,
		Status:       string(model.ProfileStatusActive),
	})
	if err != nil {
		return nil, err
	}
	s.metrics.DiscoveryQueries.Inc()

	now := s.now()
	ranked := make([]Ranked, 0, len(candidates))
	for _, p := range candidates {
		ranked = append(ranked, Ranked{
			Profile:        p,
			DiscoveryScore: score(p, q.Capability, now),
			RankingVersion: RankingVersion,
		})
	}

	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.DiscoveryScore != b.DiscoveryScore {
			return a.DiscoveryScore > b.DiscoveryScore
		}
		if a.Profile.TrustScore != b.Profile.TrustScore {
			return a.Profile.TrustScore > b.Profile.TrustScore
		}
		return a.Profile.AgentID < b.Profile.AgentID
	})

	offset := q.Offset
	if offset < 0 || offset > len(ranked) {
		offset = len(ranked)
	}
	ranked = ranked[offset:]
	if q.Limit > 0 && q.Limit < len(ranked) {
		ranked = ranked[:q.Limit]
	}
	return ranked, nil
}

// score computes spec §4.5's weighted discovery_score:
//
//	0.45*trust_score/100 + 0.20*verified + 0.20*capability_match + 0.15*freshness_decay
func score(p model.AgentProfile, capability string, now time.Time) float64 {
	trustComponent := 0.45 * float64(p.TrustScore) / 100
	verifiedComponent := 0.0
	if p.Verified {
		verifiedComponent = 0.20
	}
	capabilityComponent := 0.0
	if capability != "" && p.HasCapability(strings.ToLower(capability)) {
		capabilityComponent = 0.20
	}
	return trustComponent + verifiedComponent + capabilityComponent + 0.15*freshnessDecay(p.LastIndexedAt, now)
}

// freshnessDecay implements max(0, 1 - age_days/30).
func freshnessDecay(lastIndexedAt, now time.Time) float64 {
	if lastIndexedAt.IsZero() {
		return 0
	}
	ageDays := now.Sub(lastIndexedAt).Hours() / 24
	decay := 1 - ageDays/freshnessWindowDays
	if decay < 0 {
		return 0
	}
	return decay
}
