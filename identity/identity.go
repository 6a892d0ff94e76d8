// Package identity generates the correlation IDs and client names used to
// address bus participants and pair requests with replies.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewCorrelationID returns a canonical 36-character UUID string, suitable
// for the correlation-id metadata key.
func NewCorrelationID() string {
	return uuid.New().String()
}

// NewClientName returns "prefix-suffix" where suffix is 8 hex digits drawn
// from a system entropy source. Uniqueness is best-effort among the live
// clients of a single broker.
func NewClientName(prefix string) string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing is exceptional; fall back to a
		// time-derived suffix rather than returning an error from a
		// function whose whole point is "give me a name".
		return newTimestampClientName(prefix)
	}
	return fmt.Sprintf("%s-%s", prefix, hex.EncodeToString(b[:]))
}

// NewTimestampClientName returns "prefix-suffix" where suffix is the
// current time in milliseconds since epoch. Kept distinct from
// NewClientName because some broker CLIs want deterministic, sortable
// names rather than random ones.
func NewTimestampClientName(prefix string) string {
	return newTimestampClientName(prefix)
}

func newTimestampClientName(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixMilli())
}
