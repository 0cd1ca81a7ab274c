package table

import (
	"sync"
	"time"
)

// Clock hands out write timestamps in milliseconds. Timestamps never go
// backwards, never repeat, and move past every timestamp observed from peers.
type Clock struct {
	mu   sync.Mutex
	last uint64
	now  func() time.Time
}

// NewClock creates a clock reading wall time.
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// Now returns a fresh timestamp.
func (c *Clock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	wall := uint64(c.now().UnixMilli())
	if wall <= c.last {
		wall = c.last + 1
	}
	c.last = wall
	return wall
}

// Observe moves the clock past ts.
func (c *Clock) Observe(ts uint64) {
	c.mu.Lock()
	if ts > c.last {
		c.last = ts
	}
	c.mu.Unlock()
}
