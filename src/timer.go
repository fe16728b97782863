package patty

/*------------------------------------------------------------------
 *
 * Purpose:	Monotonic millisecond countdown timer used for T1/T2/T3.
 *		Ticked once per event-loop iteration with the measured
 *		elapsed wall time; expiry is level-triggered (Expired
 *		stays true until Clear or Start is called).
 *
 *---------------------------------------------------------------*/

import "time"

type Timer struct {
	running bool
	remain  time.Duration
}

// Start arms the timer for the given duration.
func (t *Timer) Start(d time.Duration) {
	t.remain = d
	t.running = true
}

// Stop halts the countdown without clearing the remaining duration.
func (t *Timer) Stop() {
	t.running = false
}

// Clear disarms the timer and resets its remaining duration to zero.
func (t *Timer) Clear() {
	t.running = false
	t.remain = 0
}

// Running reports whether the timer is currently counting down.
func (t *Timer) Running() bool {
	return t.running
}

// Expired reports whether a running timer has counted down to zero or
// below. A stopped or cleared timer is never expired.
func (t *Timer) Expired() bool {
	return t.running && t.remain <= 0
}

// Tick advances the timer by elapsed. No-op when not running.
func (t *Timer) Tick(elapsed time.Duration) {
	if !t.running {
		return
	}

	t.remain -= elapsed
}

// Remaining returns the time left, which may be negative once expired.
func (t *Timer) Remaining() time.Duration {
	return t.remain
}
