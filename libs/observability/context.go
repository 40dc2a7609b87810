package observability

import "context"

type contextKey string

const (
	runIDKey     contextKey = "run_id"
	collectorKey contextKey = "collector_id"
	marketKey    contextKey = "market"
	sessionKey   contextKey = "session_id"
)

// RunInfo carries trace identifiers through a request context. RunID is
// per-supervisor-start run. CollectorID identifies the per-market state
// machine instance that produced a log line. Market is a display name for
// the market a line concerns. SessionID identifies a live subscription
// session.
type RunInfo struct {
	RunID       string
	CollectorID string
	Market      string
	SessionID   string
}

func WithRunInfo(ctx context.Context, info RunInfo) context.Context {
	if info.RunID != "" {
		ctx = context.WithValue(ctx, runIDKey, info.RunID)
	}
	if info.CollectorID != "" {
		ctx = context.WithValue(ctx, collectorKey, info.CollectorID)
	}
	if info.Market != "" {
		ctx = context.WithValue(ctx, marketKey, info.Market)
	}
	if info.SessionID != "" {
		ctx = context.WithValue(ctx, sessionKey, info.SessionID)
	}
	return ctx
}

func RunInfoFromContext(ctx context.Context) RunInfo {
	info := RunInfo{}
	if value := ctx.Value(runIDKey); value != nil {
		if runID, ok := value.(string); ok {
			info.RunID = runID
		}
	}
	if value := ctx.Value(collectorKey); value != nil {
		if id, ok := value.(string); ok {
			info.CollectorID = id
		}
	}
	if value := ctx.Value(marketKey); value != nil {
		if market, ok := value.(string); ok {
			info.Market = market
		}
	}
	if value := ctx.Value(sessionKey); value != nil {
		if id, ok := value.(string); ok {
			info.SessionID = id
		}
	}
	return info
}

// WithSessionID attaches a session_id to the context for the lifetime of a
// single subscription session's request handling.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	if sessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionKey, sessionID)
}

// SessionIDFromContext retrieves the session_id set by WithSessionID.
func SessionIDFromContext(ctx context.Context) string {
	if v := ctx.Value(sessionKey); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}
