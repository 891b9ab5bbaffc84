// Package audit emits one record per state-changing operation. Delivery is
// best-effort: a sink failure is logged locally and never blocks or rolls
// back the operation that produced it.
package audit

import (
	"context"
	"log/slog"
	"time"
)

// Event is one audit record.
type Event struct {
	Actor        string            `json:"actor"`
	Action       string            `json:"action"`
	ResourceType string            `json:"resource_type"`
	ResourceID   string            `json:"resource_id"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}

// Sink receives audit events.
type Sink interface {
	Record(ctx context.Context, ev Event) error
}

// LogSink writes audit events to the structured log. The default sink when
// no external audit service is configured.
type LogSink struct{}

// Record implements Sink.
func (LogSink) Record(_ context.Context, ev Event) error {
	slog.Info("audit",
		"actor", ev.Actor,
		"action", ev.Action,
		"resource_type", ev.ResourceType,
		"resource_id", ev.ResourceID,
		"metadata", ev.Metadata,
	)
	return nil
}

// Emit sends an event to the sink, logging (not propagating) failures.
func Emit(ctx context.Context, sink Sink, ev Event) {
	if sink == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if err := sink.Record(ctx, ev); err != nil {
		slog.Warn("audit delivery failed",
			"action", ev.Action,
			"resource_id", ev.ResourceID,
			"err", err,
		)
	}
}
