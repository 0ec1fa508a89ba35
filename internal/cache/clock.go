package cache

import (
	"sync"
	"time"
)

// logicalBits is the width of the logical counter in a timestamp
const logicalBits = 16

// Clock is a hybrid logical clock. Timestamps are wall-clock milliseconds
// shifted left by logicalBits, plus a counter that orders events within the
// same millisecond. Timestamps never go backwards, even if the wall clock does.
type Clock struct {
	mu   sync.Mutex
	last uint64
	now  func() time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// Now returns a timestamp greater than every timestamp returned or observed before
func (c *Clock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	physical := uint64(c.now().UnixMilli()) << logicalBits
	if physical > c.last {
		c.last = physical
	} else {
		c.last++
	}
	return c.last
}

// Observe advances the clock past a timestamp seen on another member
func (c *Clock) Observe(ts uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts > c.last {
		c.last = ts
	}
}
