package util

import (
	"github.com/benbjohnson/clock"
)

// Clock is the engine's time port. Production code uses NewClock; tests inject
// clock.NewMock so risk ticks and funding intervals are deterministic.
// Callers must treat values from Now as monotonic and never reason on
// wall-clock time.
type Clock = clock.Clock

// NewClock returns the real clock.
func NewClock() Clock { return clock.New() }

// NowMillis returns c's current time as unix milliseconds.
func NowMillis(c Clock) int64 { return c.Now().UnixMilli() }

// NowUnix returns c's current time as unix seconds.
func NowUnix(c Clock) int64 { return c.Now().Unix() }
