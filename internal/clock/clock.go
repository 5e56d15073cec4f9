package clock

import "time"

// Clock abstracts wall time so grant cadence and abuse windows can be
// tested deterministically.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the system clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// NewSystemClock is the production Clock constructor. Tests build their
// services directly with fake clocks instead of overriding this.
func NewSystemClock() Clock {
	return SystemClock{}
}
