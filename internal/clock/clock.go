// Package clock is the single source of "now" for every component that
// needs to compare timestamps, so tests can pin time without sleeping.
package clock

import "time"

var override func() time.Time

// Now returns the current time, or the pinned test time if Set has been
// called.
func Now() time.Time {
	if override != nil {
		return override()
	}
	return time.Now()
}

// Set pins Now to always return t. Intended for tests; call Reset when done.
func Set(t time.Time) {
	override = func() time.Time { return t }
}

// Advance pins Now to the given delta from the currently pinned time. Panics
// if Set has not been called first.
func Advance(d time.Duration) {
	if override == nil {
		panic("clock: Advance called before Set")
	}
	current := override()
	override = func() time.Time { return current.Add(d) }
}

// Reset restores Now to the real wall clock.
func Reset() {
	override = nil
}
