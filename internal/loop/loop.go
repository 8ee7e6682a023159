// Package loop serializes every state mutation of a proctor session onto a
// single goroutine. Timers and remote calls deliver their results by posting
// closures back to the loop, so session components need no locking.
package loop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned when work is posted to a closed loop.
var ErrClosed = errors.New("loop closed")

// Timer is a cancellable scheduled callback.
type Timer interface {
	// Stop prevents the callback from running. It returns false if the
	// callback already ran or the timer was already stopped.
	Stop() bool
}

// Scheduler schedules callbacks to run on the session loop.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

// Runner runs blocking work off the loop and delivers its result on the loop.
type Runner interface {
	Go(work func(ctx context.Context) error, done func(err error))
}

// Loop is a single-consumer task queue bound to a context.
type Loop struct {
	ctx    context.Context
	cancel context.CancelFunc
	tasks  chan func()
	exited chan struct{}
	closed atomic.Bool

	mu       sync.Mutex
	timers   map[*loopTimer]struct{}
	inFlight sync.WaitGroup
}

// New creates a loop. Call Run in a goroutine to start consuming tasks.
func New(parent context.Context, buffer int) *Loop {
	ctx, cancel := context.WithCancel(parent)
	return &Loop{
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(chan func(), buffer),
		exited: make(chan struct{}),
		timers: make(map[*loopTimer]struct{}),
	}
}

// Context is cancelled when the loop closes.
func (l *Loop) Context() context.Context {
	return l.ctx
}

// Run consumes tasks until the loop is closed or its parent context ends.
func (l *Loop) Run() {
	defer close(l.exited)
	defer l.Close()
	for {
		select {
		case <-l.ctx.Done():
			return
		case fn := <-l.tasks:
			fn()
		}
	}
}

// Post enqueues fn. It blocks while the queue is full and returns ErrClosed
// once the loop is closed.
func (l *Loop) Post(fn func()) error {
	if l.closed.Load() {
		return ErrClosed
	}
	select {
	case l.tasks <- fn:
		return nil
	case <-l.ctx.Done():
		return ErrClosed
	}
}

// Do posts fn and waits for it to finish. Must not be called from the loop.
func (l *Loop) Do(fn func()) error {
	finished := make(chan struct{})
	if err := l.Post(func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-l.exited:
		return ErrClosed
	}
}

// AfterFunc schedules fn on the loop after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	t := &loopTimer{loop: l}
	if l.closed.Load() {
		t.stopped.Store(true)
		return t
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	t.timer = time.AfterFunc(d, func() {
		l.forget(t)
		_ = l.Post(func() {
			if t.stopped.CompareAndSwap(false, true) {
				fn()
			}
		})
	})
	l.timers[t] = struct{}{}
	return t
}

// Go runs work on its own goroutine with the loop context and posts done
// back to the loop. done is dropped if the loop closes first.
func (l *Loop) Go(work func(ctx context.Context) error, done func(err error)) {
	if l.closed.Load() {
		return
	}
	l.inFlight.Add(1)
	go func() {
		defer l.inFlight.Done()
		err := work(l.ctx)
		if done != nil {
			_ = l.Post(func() { done(err) })
		}
	}()
}

// Close stops all timers and cancels in-flight work. Safe to call from the
// loop itself and more than once.
func (l *Loop) Close() {
	if !l.closed.CompareAndSwap(false, true) {
		return
	}
	l.cancel()
	l.stopTimers()
}

func (l *Loop) stopTimers() {
	l.mu.Lock()
	timers := l.timers
	l.timers = make(map[*loopTimer]struct{})
	l.mu.Unlock()

	for t := range timers {
		t.stopped.Store(true)
		t.timer.Stop()
	}
}

// Shutdown rejects new work, stops all timers and gives work started with
// Go up to grace to finish before its context is cancelled. Must not be
// called from the loop.
func (l *Loop) Shutdown(grace time.Duration) {
	if !l.closed.CompareAndSwap(false, true) {
		return
	}
	l.stopTimers()

	finished := make(chan struct{})
	go func() {
		l.inFlight.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(grace):
	}
	l.cancel()
}

// Wait blocks until Run has returned and all work started with Go is done.
func (l *Loop) Wait() {
	<-l.exited
	l.inFlight.Wait()
}

func (l *Loop) forget(t *loopTimer) {
	l.mu.Lock()
	delete(l.timers, t)
	l.mu.Unlock()
}

type loopTimer struct {
	loop    *Loop
	timer   *time.Timer
	stopped atomic.Bool
}

func (t *loopTimer) Stop() bool {
	if !t.stopped.CompareAndSwap(false, true) {
		return false
	}
	if t.timer != nil {
		t.timer.Stop()
		t.loop.forget(t)
	}
	return true
}
