// tracing.go — run_id propagation middleware for the HTTP surface.
// A run_id traces one server process lifetime through every log line and
// metric it produces, letting a log search scope to a single restart.
//
// Usage:
//
//	handler = middleware.RunID(runID, existingHandler)
package middleware

import (
	"net/http"

	"kirby/libs/observability"
)

const runIDHeader = "X-Run-ID"

// RunID is an HTTP middleware that injects the server's run_id into every
// request's context and echoes it back in the response, so a client can
// correlate its own logs with the server's.
func RunID(runID string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := observability.WithRunInfo(r.Context(), observability.RunInfo{RunID: runID})
		w.Header().Set(runIDHeader, runID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
