package observability

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"time"
)

var logger = log.New(os.Stdout, "", 0)

func LogEvent(ctx context.Context, level string, event string, fields map[string]any) {
	payload := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339),
		"level": level,
		"event": event,
	}

	info := RunInfoFromContext(ctx)
	if info.RunID != "" {
		payload["run_id"] = info.RunID
	}
	if info.CollectorID != "" {
		payload["collector_id"] = info.CollectorID
	}
	if info.Market != "" {
		payload["market"] = info.Market
	}
	if info.SessionID != "" {
		payload["session_id"] = info.SessionID
	}

	for key, value := range normalizeFields(fields) {
		payload[key] = value
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		logger.Printf("{\"level\":\"error\",\"event\":\"log_marshal_failed\",\"error\":%q}", err.Error())
		return
	}
	logger.Print(string(raw))
}

// LogCollectorTransition records a collector state machine transition
// (spec §4.6/§4.7 state table).
func LogCollectorTransition(ctx context.Context, from, to string, reason error) {
	fields := map[string]any{
		"from": from,
		"to":   to,
	}
	if reason != nil {
		fields["reason"] = reason.Error()
	}
	LogEvent(ctx, "info", "collector_transition", fields)
}

// LogPersistenceFlush records a batch flush to the time-series store.
func LogPersistenceFlush(ctx context.Context, entity string, rows int, duration time.Duration, err error) {
	fields := map[string]any{
		"entity":     entity,
		"rows":       rows,
		"latency_ms": duration.Milliseconds(),
		"success":    err == nil,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	LogEvent(ctx, "info", "persistence_flush", fields)
}

// LogBufferDrop records a minute-buffer out-of-order drop (spec §4.5 rule 5).
func LogBufferDrop(ctx context.Context, stream string, minute, observedMinute int64) {
	LogEvent(ctx, "warn", "buffer_out_of_order_drop", map[string]any{
		"stream":          stream,
		"current_minute":  minute,
		"observed_minute": observedMinute,
	})
}

func normalizeFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for key, value := range fields {
		switch key {
		case "input", "payload":
			out[key] = RedactValue(value)
			continue
		}
		if err, ok := value.(error); ok {
			out[key] = err.Error()
			continue
		}
		out[key] = value
	}
	return out
}
