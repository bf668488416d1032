// Package retryutils provides jitter functions and a retry state machine
// shared by the reconciler, the engine's synchronous retry path, and the
// background loops.
package retryutils

import (
	"math/rand/v2"
	"time"
)

// Jitter transforms a duration, pulling it toward a random point below the
// nominal value so that independent workers do not synchronize.
type Jitter func(time.Duration) time.Duration

// FullJitter returns a duration in the range [0, d). Used for the first
// pass of a retry loop where full decorrelation is wanted.
func FullJitter(d time.Duration) time.Duration {
	if d <= 1 {
		return d
	}
	return time.Duration(rand.Int64N(int64(d)))
}

// HalfJitter returns a duration in the range [d/2, d). A good default for
// periodic operations that should stay roughly periodic.
func HalfJitter(d time.Duration) time.Duration {
	if d <= 1 {
		return d
	}
	frac := d / 2
	return d - frac + time.Duration(rand.Int64N(int64(frac)))
}

// SeventhJitter returns a duration in the range [6d/7, d). Used for
// interval ticks that must not drift far from their nominal cadence.
func SeventhJitter(d time.Duration) time.Duration {
	if d <= 7 {
		return d
	}
	frac := d / 7
	return d - frac + time.Duration(rand.Int64N(int64(frac)))
}

// DefaultJitter is the jitter applied when a Config leaves the choice open.
var DefaultJitter Jitter = SeventhJitter
