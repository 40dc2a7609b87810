package observability

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewRunID generates a unique identifier for a supervisor run.
func NewRunID() string {
	return newID("run")
}

// NewCollectorID generates a unique identifier for a collector state
// machine instance.
func NewCollectorID() string {
	return newID("collector")
}

// NewSessionID generates a unique identifier for a live subscription
// session, following the same uuid idiom the rest of the codebase uses for
// handle identity.
func NewSessionID() string {
	return uuid.New().String()
}

func newID(prefix string) string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s_%d_%s", prefix, time.Now().UnixNano(), hex.EncodeToString(buf))
}
