// Package system supplies the engine's production time source. Results and
// progress events are stamped from it; tests swap in a fixed clock.
package system

import "time"

// Clock reads the host wall clock. The zero value is ready to use.
type Clock struct{}

// New returns a Clock for engine.WithClock.
func New() *Clock {
	return &Clock{}
}

// Now reports the wall time normalized to UTC, so FetchedAt values from
// different hosts compare without zone conversion.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
