package main

import "time"

// wallClock implements capability.Clock using the process's monotonic
// wall-clock reading, the concrete counterpart to the fakeClock used
// across the core module's tests.
type wallClock struct{ start time.Time }

func newWallClock() *wallClock { return &wallClock{start: time.Now()} }

func (c *wallClock) NowMillis() uint64 {
	return uint64(time.Since(c.start).Milliseconds())
}
