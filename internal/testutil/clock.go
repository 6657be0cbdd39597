package testutil

import (
	"sync"
	"time"
)

// Epoch is the first instant a StepClock reports.
var Epoch = time.Date(2025, 12, 27, 7, 0, 0, 0, time.UTC)

// StepClock is a thread-safe deterministic wall clock for tests.
//
// Every call to Now advances by Step, so created_at columns are stable and
// strictly increasing across a test. Reset rewinds to Epoch so the same
// scenario can be replayed with identical timestamps.
type StepClock struct {
	mu   sync.Mutex
	now  time.Time
	Step time.Duration
}

// NewStepClock creates a clock whose first Now returns Epoch.
func NewStepClock() *StepClock {
	return &StepClock{now: Epoch, Step: time.Second}
}

// Now returns the current instant and advances the clock.
func (c *StepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.Step)
	return t
}

// Peek returns the instant the next Now will report.
func (c *StepClock) Peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Reset rewinds the clock to Epoch.
func (c *StepClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = Epoch
}
