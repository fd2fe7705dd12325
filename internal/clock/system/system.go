// Package system supplies the wall clock used outside of tests.
package system

import "time"

// Clock reads the wall clock. Times are always UTC so persisted timestamps
// compare cleanly across hosts.
type Clock struct{}

// New returns a Clock.
func New() *Clock { return &Clock{} }

// Now implements monitor.Clock.
func (Clock) Now() time.Time { return time.Now().UTC() }
