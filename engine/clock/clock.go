// Package clock provides the time source used by every scheduling component.
// All due-time comparisons, lease expiries and checkback fire times read from
// a Clock rather than calling time.Now directly, so tests can drive time
// deterministically with a Fake.
package clock

import (
	"sync"
	"time"
)

type (
	// Clock exposes the wall clock. Implementations must return UTC instants
	// so stored timestamps compare consistently across processes.
	Clock interface {
		// Now returns the current instant in UTC.
		Now() time.Time
		// Since returns the elapsed duration between t and Now.
		Since(t time.Time) time.Duration
	}

	wallClock struct{}

	// Fake is a manually driven Clock for tests. It starts at a fixed instant
	// and only moves when Advance or Set is called. Fake is safe for
	// concurrent use.
	Fake struct {
		mu  sync.Mutex
		now time.Time
	}
)

// New returns a Clock backed by the system wall clock.
func New() Clock {
	return wallClock{}
}

func (wallClock) Now() time.Time { return time.Now().UTC() }

func (wallClock) Since(t time.Time) time.Duration { return time.Since(t) }

// NewFake returns a Fake clock pinned at start. A zero start defaults to
// 2025-01-01T00:00:00Z so tests get stable, readable timestamps.
func NewFake(start time.Time) *Fake {
	if start.IsZero() {
		start = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return &Fake{now: start.UTC()}
}

// Now returns the fake's current instant.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Since returns the elapsed duration between t and the fake's current instant.
func (f *Fake) Since(t time.Time) time.Duration {
	return f.Now().Sub(t)
}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Set pins the fake clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t.UTC()
}
