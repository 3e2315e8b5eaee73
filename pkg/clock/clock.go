// Package clock abstracts time so token expiry, connection timers and the
// liveness ticker can be driven deterministically in tests.
package clock

import "time"

// Clock is the time source used across the service. Production code uses
// Real(); tests use Fake().
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc calls f once d has elapsed. The returned Timer can cancel
	// the pending call. If d <= 0 the call happens immediately.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker delivers ticks on C every d. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Timer is a handle to a pending AfterFunc call.
type Timer struct {
	stop func() bool
}

// Stop cancels the pending call. It reports whether the call was cancelled
// before it ran.
func (t *Timer) Stop() bool {
	if t == nil || t.stop == nil {
		return false
	}
	return t.stop()
}

// Ticker delivers periodic ticks on C. C has a buffer of one, so slow
// readers drop ticks rather than queueing them.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns the ticker off. No more ticks are delivered after Stop returns.
func (t *Ticker) Stop() { t.stop() }
