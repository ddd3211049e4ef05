// Package clock provides the time source shared by every time-dependent
// computation: ref expiry, GC grace periods, lease timestamps and retries.
package clock

import (
	"time"

	bclock "github.com/benbjohnson/clock"
)

// Clock is an injectable source of time.
type Clock interface {
	// UtcNow returns the current time in UTC.
	UtcNow() time.Time
	// After waits for the duration to elapse and then sends the current time.
	After(d time.Duration) <-chan time.Time
	// Ticker returns a ticker that fires every d.
	Ticker(d time.Duration) *bclock.Ticker
}

type realClock struct {
	c bclock.Clock
}

// New returns a clock backed by the system time.
func New() Clock {
	return &realClock{c: bclock.New()}
}

func (r *realClock) UtcNow() time.Time { return r.c.Now().UTC() }
func (r *realClock) After(d time.Duration) <-chan time.Time { return r.c.After(d) }
func (r *realClock) Ticker(d time.Duration) *bclock.Ticker { return r.c.Ticker(d) }

// Fake is a manually advanced clock for tests.
type Fake struct {
	mock *bclock.Mock
}

// NewFake returns a fake clock positioned at start.
func NewFake(start time.Time) *Fake {
	m := bclock.NewMock()
	m.Set(start)
	return &Fake{mock: m}
}

func (f *Fake) UtcNow() time.Time { return f.mock.Now().UTC() }
func (f *Fake) After(d time.Duration) <-chan time.Time { return f.mock.After(d) }
func (f *Fake) Ticker(d time.Duration) *bclock.Ticker { return f.mock.Ticker(d) }

// Advance moves the clock forward, firing any timers and tickers that
// become due. Waiters observe the new time on their next check.
func (f *Fake) Advance(d time.Duration) {
	f.mock.Add(d)
}

// Set moves the clock to an absolute time.
func (f *Fake) Set(t time.Time) {
	f.mock.Set(t)
}
