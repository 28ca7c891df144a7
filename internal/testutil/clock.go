package testutil

import (
	"sync"
	"time"
)

// Epoch is the wall-clock start used by deterministic tests.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// WallClock is a stepping wall clock for tests.
//
// Each call to Now returns the current instant and then advances by step,
// so timestamps recorded by a scenario are identical on every run.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type WallClock struct {
	mu    sync.Mutex
	start time.Time
	now   time.Time
	step  time.Duration
}

// NewWallClock creates a clock that starts at start and advances by step.
// A zero step freezes the clock.
func NewWallClock(start time.Time, step time.Duration) *WallClock {
	return &WallClock{start: start, now: start, step: step}
}

// Now returns the current instant and advances the clock.
func (c *WallClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// Peek returns the instant the next Now will return.
func (c *WallClock) Peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Reset rewinds the clock to its start.
func (c *WallClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.start
}
