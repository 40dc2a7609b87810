// Package kirbyerr defines the error taxonomy shared across the ingest and
// broadcast core. Each sentinel corresponds to one of the abstract error
// names in the specification; callers use errors.Is/errors.As against these
// rather than matching strings.
package kirbyerr

import "errors"

var (
	// ErrMalformedPayload is returned by the normalizer when a vendor
	// payload cannot be decoded into a canonical record. Recoverable: the
	// caller logs and skips the message without tearing down the stream.
	ErrMalformedPayload = errors.New("kirby: malformed payload")

	// ErrStreamError indicates a transport or subscription failure on an
	// exchange stream. Recoverable: the collector transitions to Backoff.
	ErrStreamError = errors.New("kirby: stream error")

	// ErrStorageUnavailable indicates the persistence layer exhausted its
	// retry budget. Fatal to the writing collector task; the supervisor
	// restarts it with fresh backoff.
	ErrStorageUnavailable = errors.New("kirby: storage unavailable")

	// ErrInvalidRequest indicates a malformed client frame on the live
	// push wire.
	ErrInvalidRequest = errors.New("kirby: invalid request")

	// ErrInvalidMarket indicates a client referenced an unknown or
	// inactive market id.
	ErrInvalidMarket = errors.New("kirby: invalid market")

	// ErrSlowConsumer indicates a session's outbound queue overflowed a
	// non-droppable frame; the session is closed.
	ErrSlowConsumer = errors.New("kirby: slow consumer")

	// ErrShutdownRequested is propagated internally to unwind collectors,
	// the supervisor and sessions uniformly on cooperative cancellation.
	// It is not reported to clients as an error.
	ErrShutdownRequested = errors.New("kirby: shutdown requested")
)

// WireCode maps an internal error to the §6.1 wire error code. Unknown
// errors map to "internal_error" so no internal detail leaks to clients.
func WireCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_json"
	case errors.Is(err, ErrInvalidMarket):
		return "invalid_starlisting"
	case errors.Is(err, ErrSlowConsumer):
		return "slow_consumer"
	case err == nil:
		return ""
	default:
		return "internal_error"
	}
}
