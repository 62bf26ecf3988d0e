package realtime

import (
	"time"

	"huddle/cmd/internal/ids"
)

// NewConnectionID returns a ULID used as websocket connection id.
func NewConnectionID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewEnvelopeID returns a ULID used as envelope id.
// ULID is preferable to random hex for tracing and ordering in logs.
func NewEnvelopeID(now time.Time) string {
	id, err := ids.NewULID(now)
	if err != nil {
		return NewRandomHex(13)
	}
	return id
}
