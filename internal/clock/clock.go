// Package clock abstracts the passage of time so services that schedule
// work (retention sweeps, retry backoff, health checks) can be driven
// deterministically in tests instead of sleeping through real durations.
package clock

import "time"

// Clock is the time source services depend on. The process wires in
// RealClock; tests substitute a controllable implementation.
type Clock interface {
	// AfterFunc runs f in its own goroutine once d has elapsed. The
	// returned Timer cancels the callback if it has not fired yet.
	AfterFunc(d time.Duration, f func()) Timer
	// Now reports the current time.
	Now() time.Time
}

// Timer is a scheduled AfterFunc callback that may still be cancelled.
type Timer interface {
	// Stop cancels the callback. It reports false when the callback
	// already ran or was stopped earlier.
	Stop() bool
}

// RealClock delegates to the time package.
type RealClock struct{}

func NewRealClock() *RealClock {
	return &RealClock{}
}

func (c *RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return &realTimer{timer: time.AfterFunc(d, f)}
}

func (c *RealClock) Now() time.Time {
	return time.Now()
}

type realTimer struct {
	timer *time.Timer
}

func (t *realTimer) Stop() bool {
	return t.timer.Stop()
}
