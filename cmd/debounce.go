package cmd

import "time"

// debouncer coalesces a burst of triggers into a single delivery on C once
// the delay elapses after the last trigger. It is not safe for concurrent
// use; Trigger and the receive on C must happen on the same goroutine.
type debouncer struct {
	delay time.Duration
	timer *time.Timer
	c     <-chan time.Time
}

func newDebouncer(delay time.Duration) *debouncer {
	return &debouncer{delay: delay}
}

// Trigger starts or extends the delay window.
func (d *debouncer) Trigger() {
	if d.timer == nil {
		d.timer = time.NewTimer(d.delay)
		d.c = d.timer.C
		return
	}

	if !d.timer.Stop() {
		// the timer already fired; drop the stale delivery so the reset
		// below yields exactly one
		select {
		case <-d.timer.C:
		default:
		}
	}
	d.timer.Reset(d.delay)
}

// C delivers once per settled burst. It is nil before the first Trigger,
// which blocks forever in a select.
func (d *debouncer) C() <-chan time.Time {
	return d.c
}
