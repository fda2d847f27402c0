package util

import "time"

type Clock interface {
	Now() time.Time
}

type DefaultClock struct{}

func (c *DefaultClock) Now() time.Time { return time.Now() }

// DummyClock is a fixed clock for tests. Advance it by assigning T.
type DummyClock struct {
	T time.Time
}

func (c *DummyClock) Now() time.Time { return c.T }

func (c *DummyClock) Advance(d time.Duration) { c.T = c.T.Add(d) }
