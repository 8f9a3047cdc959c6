package testutil

import (
	"context"
	"sync"
	"time"
)

// FakeClock is a manually advanced wall clock.
//
// Thread-safety: all methods are safe for concurrent use.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock creates a clock frozen at start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// RecordingSleeper returns immediately from Sleep and remembers every
// requested duration. When Clock is set, each sleep advances it.
type RecordingSleeper struct {
	mu     sync.Mutex
	slept  []time.Duration
	Clock  *FakeClock
	OnCall func(n int) // called with the 1-based call count, after recording
}

// Sleep records d and returns ctx.Err() if the context is already done.
func (s *RecordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.slept = append(s.slept, d)
	n := len(s.slept)
	hook := s.OnCall
	s.mu.Unlock()

	if s.Clock != nil {
		s.Clock.Advance(d)
	}
	if hook != nil {
		hook(n)
	}
	return ctx.Err()
}

// Slept returns a copy of the recorded durations.
func (s *RecordingSleeper) Slept() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.slept...)
}
