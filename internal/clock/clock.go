// Package clock abstracts wall time for the retry and confirmation loops.
//
// Production code uses System. Tests substitute testutil.ManualClock so that
// retry delays and confirmation polling complete instantly and deterministically.
package clock

import (
	"context"
	"time"
)

// Clock provides the current time and timers.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// System is the real wall clock.
type System struct{}

// Now returns time.Now().
func (System) Now() time.Time { return time.Now() }

// After returns time.After(d).
func (System) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Sleep blocks for d on c, or until ctx is done.
// Returns ctx.Err() if the context ends first.
func Sleep(ctx context.Context, c Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.After(d):
		return nil
	}
}
