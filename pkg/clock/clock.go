// Package clock provides wall and monotonic time plus random-safe request IDs.
// Passing a Clock instead of calling time.Now keeps state transitions testable.
package clock

import (
	"time"

	"github.com/google/uuid"
)

// Clock abstracts time for components that record timestamps or sleep.
type Clock interface {
	// Now returns the current wall time in UTC.
	Now() time.Time
	// Since returns the elapsed time since t using the monotonic reading.
	Since(t time.Time) time.Duration
}

// System is the real clock.
type System struct{}

// Now implements Clock.
func (System) Now() time.Time { return time.Now().UTC() }

// Since implements Clock.
func (System) Since(t time.Time) time.Duration { return time.Since(t) }

// NewRequestID returns a new random request identifier.
func NewRequestID() string {
	return uuid.NewString()
}

// Fake is a manually advanced clock for tests.
type Fake struct {
	Current time.Time
}

// NewFake returns a Fake starting at a fixed instant.
func NewFake(start time.Time) *Fake {
	return &Fake{Current: start.UTC()}
}

// Now implements Clock.
func (f *Fake) Now() time.Time { return f.Current }

// Since implements Clock.
func (f *Fake) Since(t time.Time) time.Duration { return f.Current.Sub(t) }

// Advance moves the fake clock forward.
func (f *Fake) Advance(d time.Duration) { f.Current = f.Current.Add(d) }
