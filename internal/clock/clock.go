// Package clock provides an injectable time source so ledger monotonicity
// and cache TTL expiry can be tested without real sleeps.
package clock

import "time"

// Clock is the minimal time source every component depends on instead of
// calling time.Now directly.
type Clock interface {
	Now() time.Time
}

// Real is the production Clock backed by the system clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

// Frozen is a test Clock that only advances when told to.
type Frozen struct {
	t time.Time
}

// NewFrozen returns a Frozen clock starting at t.
func NewFrozen(t time.Time) *Frozen { return &Frozen{t: t} }

func (f *Frozen) Now() time.Time { return f.t }

// Advance moves the frozen clock forward by d.
func (f *Frozen) Advance(d time.Duration) { f.t = f.t.Add(d) }

// Set pins the frozen clock to t.
func (f *Frozen) Set(t time.Time) { f.t = t }
