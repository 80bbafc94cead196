// Package telemetry emits the structured funnel events from spec §4.11 and
// generates the per-request trace id propagated via x-agentic-trace-id.
package telemetry

import (
	"encoding/hex"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event names from spec §4.11.
const (
	EventDiscoverLoaded    = "marketplace.funnel.discover_loaded"
	EventHireCreated       = "marketplace.funnel.hire_created"
	EventRunRequested      = "marketplace.funnel.run_requested"
	EventRunPendingPayment = "marketplace.funnel.run_pending_payment"
	EventRunExecuting      = "marketplace.funnel.run_executing"
	EventRunCompleted      = "marketplace.funnel.run_completed"
	EventRunFailed         = "marketplace.funnel.run_failed"
)

// NewTraceID builds "<route-tag>-<rand>" per spec §4.11.
func NewTraceID(routeTag string) string {
	id := uuid.New()
	return routeTag + "-" + hex.EncodeToString(id[:6])
}

// Funnel emits structured JSON-line events carrying event, trace_id and
// actor fields plus one meta_<key> field per metadata entry; level and
// timestamp come from the logger's encoder.
type Funnel struct {
	log *zap.Logger
}

func NewFunnel(log *zap.Logger) *Funnel {
	return &Funnel{log: log}
}

// Emit writes one funnel event at info level.
func (f *Funnel) Emit(event, traceID, actor string, metadata map[string]any) {
	fields := make([]zap.Field, 0, 3+len(metadata))
	fields = append(fields,
		zap.String("event", event),
		zap.String("trace_id", traceID),
		zap.String("actor", actor),
	)
	for k, v := range metadata {
		fields = append(fields, zap.Any("meta_"+k, v))
	}
	f.log.Info(event, fields...)
}
