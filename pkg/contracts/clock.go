package contracts

import "time"

// Clock provides time to the engine. Components take a Clock so tests can
// drive escalation windows deterministically.
type Clock interface {
	Now() time.Time
}

// WallClock is the default Clock backed by time.Now.
type WallClock struct{}

func (WallClock) Now() time.Time { return time.Now().UTC() }

// FixedClock is a settable clock for tests.
type FixedClock struct {
	T time.Time
}

func (c *FixedClock) Now() time.Time { return c.T }

// Advance moves the fixed clock forward.
func (c *FixedClock) Advance(d time.Duration) { c.T = c.T.Add(d) }
