// Package ids centralises identifier allocation and clock access so that
// every other package depends on a single, test-friendly abstraction rather
// than calling time.Now or uuid.NewString directly.
package ids

import (
	"time"

	"github.com/google/uuid"
)

// Clock returns the current wall-clock time. Production code uses
// SystemClock; tests inject a deterministic function.
type Clock func() time.Time

// SystemClock is the default Clock backed by time.Now.
func SystemClock() time.Time { return time.Now() }

// NowMillis returns milliseconds since the Unix epoch for the supplied clock.
func NowMillis(clock Clock) int64 {
	if clock == nil {
		clock = SystemClock
	}
	return clock().UnixMilli()
}

// NewSessionID allocates an opaque, unique session identifier.
func NewSessionID() string {
	return "session-" + uuid.NewString()
}

// NewPlayerID allocates an opaque, unique player identifier. The fan-out
// layer mints each connection id with it, and that id doubles as the
// player id for every request the connection makes.
func NewPlayerID() string {
	return "player-" + uuid.NewString()
}
