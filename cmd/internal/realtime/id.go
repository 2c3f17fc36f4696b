package realtime

import (
	"time"

	"relay/cmd/identity/ids"
)

// NewConnectionID returns the ULID identifying one WebSocket connection.
func NewConnectionID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewEnvelopeID returns the ULID of an outbound envelope.
func NewEnvelopeID(now time.Time) (string, error) {
	return ids.NewULID(now)
}
