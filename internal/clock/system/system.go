// Package system supplies the wall clock that stamps jobs, ledger entries and
// progress events outside tests.
package system

import "time"

// Clock reports UTC wall time.
type Clock struct{}

// New returns the wall clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
