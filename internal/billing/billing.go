// Package billing emits optional, non-authoritative usage records for
// reconciliation and analytics. A billing sink never gates a request: a
// sink write failure is logged and swallowed (spec §7's "facilitator
// settlement failures after verify are logged but do not fail the
// request" pattern, generalized here to billing).
package billing

import (
	"context"
	"log/slog"
	"time"
)

// Event is a fire-and-forget usage record emitted after a /proxy or /ws
// resolution.
type Event struct {
	IdempotencyKey    string
	Resource          string
	CostAtomicUnits   int64
	Paid              bool
	Cached            bool
	ProcessingTimeMs  int64
	At                time.Time
}

// Sink accepts billing events. Implementations must not block the request
// path for longer than a best-effort send allows.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
}

// NopSink discards every event; used when no billing sink is configured.
type NopSink struct{}

// Emit implements Sink.
func (NopSink) Emit(context.Context, Event) error { return nil }

// EmitAsync runs sink.Emit in a goroutine with its own bounded timeout and
// logs (never propagates) any failure, so a slow or down analytics backend
// can never add latency to the request it's describing.
func EmitAsync(sink Sink, ev Event) {
	if sink == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sink.Emit(ctx, ev); err != nil {
			slog.Warn("billing event emit failed", "resource", ev.Resource, "idempotency_key", ev.IdempotencyKey, "err", err)
		}
	}()
}
