// Package clock abstracts wall time for the polling loops so they can be
// driven by virtual time in tests.
package clock

import (
	"context"
	"sync"
	"time"

	bclock "github.com/benbjohnson/clock"
)

// Clock is the time source used by readiness, watchdog and destroy retries.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, whichever comes first.
	Sleep(ctx context.Context, d time.Duration) error
}

var wall = bclock.New()

// Real is the wall clock.
type Real struct{}

func (Real) Now() time.Time { return wall.Now() }

func (Real) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := wall.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Fake is a virtual clock backed by a mock. Sleep returns as soon as it has
// moved the mock forward by d, then calls OnTick with the new time on the
// sleeping goroutine.
type Fake struct {
	mu     sync.Mutex
	mock   *bclock.Mock
	slept  time.Duration
	OnTick func(now time.Time)
}

// NewFake returns a Fake clock starting at start.
func NewFake(start time.Time) *Fake {
	m := bclock.NewMock()
	m.Set(start)
	return &Fake{mock: m}
}

func (f *Fake) Now() time.Time { return f.mock.Now() }

func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	if d > 0 {
		f.mock.Add(d)
		f.slept += d
	}
	tick := f.OnTick
	f.mu.Unlock()
	if tick != nil {
		tick(f.mock.Now())
	}
	return ctx.Err()
}

// Advance moves the clock forward without counting it as sleep.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.mock.Add(d)
	f.mu.Unlock()
}

// Slept reports the total virtual time spent in Sleep.
func (f *Fake) Slept() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.slept
}
