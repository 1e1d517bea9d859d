// Package testutil provides deterministic test doubles shared across
// packages. Scenario runs and golden traces need stable record IDs and
// stable server version stamps, so the doubles here trade realism for
// repeatability.
package testutil

import (
	"sync"
	"time"
)

// TickingClock is a deterministic wall-clock source for tests.
//
// Each call to Now returns the current instant and advances the clock by
// a fixed step, so values derived from it (server version stamps,
// timestamps in traces) come out identical on every run.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type TickingClock struct {
	mu   sync.Mutex
	next time.Time
	step time.Duration
}

// NewTickingClock creates a clock whose first Now call returns start,
// the second start+step, and so on.
func NewTickingClock(start time.Time, step time.Duration) *TickingClock {
	return &TickingClock{next: start, step: step}
}

// Now returns the clock's current instant and advances it by one step.
//
// Thread-safe: uses mutex to protect the instant.
// Monotonic for any positive step: successive calls never go backward.
func (c *TickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.next
	c.next = c.next.Add(c.step)
	return now
}

// Peek returns the instant the next Now call will produce, without
// advancing the clock.
func (c *TickingClock) Peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}

// Reset rewinds the clock so the next Now call returns start again.
//
// Used for test reuse. The step is unchanged.
func (c *TickingClock) Reset(start time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next = start
}
