package loop

import (
	"context"
	"sort"
	"time"
)

// Manual is a deterministic Scheduler and Runner driven by the caller. It
// runs everything on the calling goroutine and is meant for tests and
// offline replays.
type Manual struct {
	now    time.Duration
	seq    int
	timers []*manualTimer
	jobs   []manualJob
}

type manualTimer struct {
	m       *Manual
	at      time.Duration
	seq     int
	fn      func()
	stopped bool
}

type manualJob struct {
	work func(ctx context.Context) error
	done func(err error)
}

// NewManual creates a manual scheduler at virtual time zero.
func NewManual() *Manual {
	return &Manual{}
}

// Now returns the elapsed virtual time.
func (m *Manual) Now() time.Duration {
	return m.now
}

// AfterFunc schedules fn at now+d.
func (m *Manual) AfterFunc(d time.Duration, fn func()) Timer {
	m.seq++
	t := &manualTimer{m: m, at: m.now + d, seq: m.seq, fn: fn}
	m.timers = append(m.timers, t)
	return t
}

// Advance moves virtual time forward, firing due timers in order.
func (m *Manual) Advance(d time.Duration) {
	target := m.now + d
	for {
		next := m.nextDue(target)
		if next == nil {
			break
		}
		m.now = next.at
		next.stopped = true
		m.remove(next)
		next.fn()
	}
	m.now = target
}

// PendingTimers returns the number of armed timers.
func (m *Manual) PendingTimers() int {
	return len(m.timers)
}

// Go queues work until Drain is called.
func (m *Manual) Go(work func(ctx context.Context) error, done func(err error)) {
	m.jobs = append(m.jobs, manualJob{work: work, done: done})
}

// PendingJobs returns the number of queued jobs.
func (m *Manual) PendingJobs() int {
	return len(m.jobs)
}

// Drain runs queued jobs, including ones queued while draining.
func (m *Manual) Drain() {
	for len(m.jobs) > 0 {
		job := m.jobs[0]
		m.jobs = m.jobs[1:]
		err := job.work(context.Background())
		if job.done != nil {
			job.done(err)
		}
	}
}

func (m *Manual) nextDue(limit time.Duration) *manualTimer {
	due := make([]*manualTimer, 0, len(m.timers))
	for _, t := range m.timers {
		if t.at <= limit {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].at == due[j].at {
			return due[i].seq < due[j].seq
		}
		return due[i].at < due[j].at
	})
	return due[0]
}

func (m *Manual) remove(t *manualTimer) {
	for i, x := range m.timers {
		if x == t {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			return
		}
	}
}

func (t *manualTimer) Stop() bool {
	if t.stopped {
		return false
	}
	t.stopped = true
	t.m.remove(t)
	return true
}
