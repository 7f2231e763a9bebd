package realtime

import (
	"time"

	"parla/cmd/internal/ids"
)

// NewConnID returns a ULID used as websocket connection (session) id.
func NewConnID() string {
	return ids.MustNewULID(time.Now().UTC())
}

// NewEnvelopeID returns a ULID used as envelope id.
// ULID is preferable to random hex for tracing and ordering in logs.
func NewEnvelopeID(now time.Time) string {
	return ids.MustNewULID(now)
}
