// Package clock provides the second-granularity time source used to stamp
// observations and evaluate expectations. The system clock is wrapped with
// a monotonic floor so stamped timestamps never step backward even if the
// wall clock does.
package clock

import (
	"sync"
	"time"
)

// Clock returns the current time as Unix epoch seconds.
type Clock interface {
	Now() int64
}

// System returns a wall clock with a monotonic floor.
func System() Clock {
	return &systemClock{}
}

type systemClock struct {
	mu   sync.Mutex
	last int64
}

func (c *systemClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().Unix()
	if now < c.last {
		return c.last
	}
	c.last = now
	return now
}

// Manual is a settable clock for tests.
type Manual struct {
	mu  sync.Mutex
	now int64
}

// NewManual creates a manual clock starting at the given epoch second.
func NewManual(start int64) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set moves the clock to the given epoch second. Moving backward is ignored.
func (m *Manual) Set(t int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t > m.now {
		m.now = t
	}
}

// Advance moves the clock forward by d seconds.
func (m *Manual) Advance(d int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.now += d
	}
}
