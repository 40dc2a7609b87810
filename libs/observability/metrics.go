package observability

import (
	"context"
	"time"
)

// RecordCollectorTransition emits a metric event for a collector state
// change (spec §4.6/§4.7 transition table).
func RecordCollectorTransition(ctx context.Context, market, from, to string) {
	LogEvent(ctx, "info", "metric", map[string]any{
		"name":   "collector_transition",
		"market": market,
		"from":   from,
		"to":     to,
	})
}

// RecordPersistenceFlush emits a metric event for a batch flush to the
// time-series store.
func RecordPersistenceFlush(ctx context.Context, entity string, rows int, duration time.Duration, err error) {
	fields := map[string]any{
		"name":       "persistence_flush",
		"entity":     entity,
		"rows":       rows,
		"latency_ms": duration.Milliseconds(),
		"success":    err == nil,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	LogEvent(ctx, "info", "metric", fields)
}

// RecordBufferFlush emits a metric event for a minute-buffer slot flush.
func RecordBufferFlush(ctx context.Context, stream string, minute int64, coalesced int) {
	LogEvent(ctx, "info", "metric", map[string]any{
		"name":      "buffer_flush",
		"stream":    stream,
		"minute":    minute,
		"coalesced": coalesced,
	})
}

// RecordNotificationDrop emits a metric event for a live frame dropped from
// a subscriber's outbound queue (spec §4.9 at-most-once delivery).
func RecordNotificationDrop(ctx context.Context, marketID int64) {
	LogEvent(ctx, "info", "metric", map[string]any{
		"name":      "notification_drop",
		"market_id": marketID,
	})
}

// RecordSessionClosed emits a metric event when a subscription session
// terminates, tagged with the reason (normal close, slow_consumer, heartbeat
// timeout).
func RecordSessionClosed(ctx context.Context, reason string) {
	LogEvent(ctx, "info", "metric", map[string]any{
		"name":   "session_closed",
		"reason": reason,
	})
}
