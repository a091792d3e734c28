// Package clock abstracts time for components that must be testable
// around TTLs and timestamps.
package clock

import "time"

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// System implements Clock using time.Now.
type System struct{}

// NewSystem creates a real clock.
func NewSystem() *System {
	return &System{}
}

// Now returns the current UTC time.
func (System) Now() time.Time {
	return time.Now().UTC()
}

// Fake is a manually advanced clock for tests.
type Fake struct {
	Current time.Time
}

// NewFake starts a fake clock at the given instant.
func NewFake(at time.Time) *Fake {
	return &Fake{Current: at}
}

// Now returns the fake instant.
func (f *Fake) Now() time.Time {
	return f.Current
}

// Advance moves the fake clock forward.
func (f *Fake) Advance(d time.Duration) {
	f.Current = f.Current.Add(d)
}
