package loop

import "time"

// Deferred is a debounced task: Schedule supersedes any pending run, Cancel
// drops it and Flush runs it immediately.
type Deferred struct {
	sched Scheduler
	delay time.Duration
	fn    func()
	timer Timer
}

// NewDeferred creates a deferred task that runs fn delay after the last Schedule.
func NewDeferred(sched Scheduler, delay time.Duration, fn func()) *Deferred {
	return &Deferred{sched: sched, delay: delay, fn: fn}
}

// Schedule (re)arms the task, cancelling a pending run.
func (d *Deferred) Schedule() {
	d.Cancel()
	d.timer = d.sched.AfterFunc(d.delay, func() {
		d.timer = nil
		d.fn()
	})
}

// Cancel drops a pending run. It reports whether one was pending.
func (d *Deferred) Cancel() bool {
	if d.timer == nil {
		return false
	}
	stopped := d.timer.Stop()
	d.timer = nil
	return stopped
}

// Flush runs a pending task now. It reports whether the task ran.
func (d *Deferred) Flush() bool {
	if !d.Cancel() {
		return false
	}
	d.fn()
	return true
}

// Pending reports whether a run is scheduled.
func (d *Deferred) Pending() bool {
	return d.timer != nil
}
