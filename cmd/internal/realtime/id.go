package realtime

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"wave/cmd/identity/ids"
)

// NewConnID returns a ULID used as the opaque connection handle.
// ULID is preferable to random hex for tracing and ordering in logs.
func NewConnID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewEnvelopeID returns a ULID used as envelope id.
func NewEnvelopeID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// newRandomHex returns a cryptographically secure random hex string of length
// 2*nBytes. Fallback for the rare case ULID generation fails.
func newRandomHex(nBytes int) string {
	if nBytes <= 0 {
		nBytes = 16
	}

	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	return hex.EncodeToString(b)
}
