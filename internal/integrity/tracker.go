// Package integrity escalates fullscreen exits and tab switches from
// warnings to automatic termination.
package integrity

import (
	"errors"
	"time"

	"github.com/stemsi/exstem-proctor/internal/loop"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// DefaultLimit is the violation count that terminates a session.
const DefaultLimit = 5

// ErrAlreadyArmed is returned by Reset once tracking has started.
var ErrAlreadyArmed = errors.New("violation tracker already armed")

// State is the escalation state of one stream.
type State string

const (
	StateIdle       State = "IDLE"
	StateArmed      State = "ARMED"
	StateWarned     State = "WARNED"
	StateTerminated State = "TERMINATED"
)

// Result is the outcome of RecordViolation.
type Result struct {
	model.ViolationState
	// Accepted is false when the violation was ignored because the
	// tracker was not armed yet or had already terminated.
	Accepted bool
}

// Hooks are invoked on the session loop.
type Hooks struct {
	// OnTerminate runs once, TerminationDelay after the limit is reached.
	OnTerminate func(stream model.ViolationStream)
	// OnRemediate runs RemediationDelay after a warning, e.g. to request
	// fullscreen again.
	OnRemediate func(stream model.ViolationStream)
}

// TrackerConfig configures a Tracker.
type TrackerConfig struct {
	Stream           model.ViolationStream
	Limit            int
	TerminationDelay time.Duration
	RemediationDelay time.Duration
}

// Tracker counts violations of one stream. Idle until the candidate first
// interacts with the page; terminated exactly once when count reaches limit.
type Tracker struct {
	cfg   TrackerConfig
	sched loop.Scheduler
	hooks Hooks

	state     State
	count     int
	termTimer loop.Timer
	remTimer  loop.Timer
}

// NewTracker creates an idle tracker.
func NewTracker(cfg TrackerConfig, sched loop.Scheduler, hooks Hooks) *Tracker {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	return &Tracker{cfg: cfg, sched: sched, hooks: hooks, state: StateIdle}
}

// Stream returns the stream the tracker counts.
func (t *Tracker) Stream() model.ViolationStream {
	return t.cfg.Stream
}

// State returns the current escalation state.
func (t *Tracker) State() State {
	return t.state
}

// Arm starts tracking. It reports whether the call changed the state.
func (t *Tracker) Arm() bool {
	if t.state != StateIdle {
		return false
	}
	t.state = StateArmed
	return true
}

// Armed reports whether violations are currently being counted.
func (t *Tracker) Armed() bool {
	return t.state == StateArmed || t.state == StateWarned
}

// Terminated reports whether the limit was reached.
func (t *Tracker) Terminated() bool {
	return t.state == StateTerminated
}

// RecordViolation counts one violation.
func (t *Tracker) RecordViolation() Result {
	if !t.Armed() {
		return Result{ViolationState: t.Snapshot()}
	}

	t.count++
	if t.count >= t.cfg.Limit {
		t.state = StateTerminated
		t.stopRemediation()
		t.termTimer = t.sched.AfterFunc(t.cfg.TerminationDelay, func() {
			t.termTimer = nil
			if t.hooks.OnTerminate != nil {
				t.hooks.OnTerminate(t.cfg.Stream)
			}
		})
		return Result{ViolationState: t.Snapshot(), Accepted: true}
	}

	t.state = StateWarned
	t.stopRemediation()
	t.remTimer = t.sched.AfterFunc(t.cfg.RemediationDelay, func() {
		t.remTimer = nil
		if t.hooks.OnRemediate != nil {
			t.hooks.OnRemediate(t.cfg.Stream)
		}
	})
	return Result{ViolationState: t.Snapshot(), Accepted: true}
}

// Reset clears the counter. Only allowed before the tracker is armed.
func (t *Tracker) Reset() error {
	if t.state != StateIdle {
		return ErrAlreadyArmed
	}
	t.count = 0
	return nil
}

// Snapshot returns the counter state.
func (t *Tracker) Snapshot() model.ViolationState {
	remaining := t.cfg.Limit - t.count
	if remaining < 0 {
		remaining = 0
	}
	return model.ViolationState{
		Stream:     t.cfg.Stream,
		Count:      t.count,
		Limit:      t.cfg.Limit,
		Remaining:  remaining,
		Terminated: t.state == StateTerminated,
	}
}

// Stop cancels pending remediation and termination callbacks.
func (t *Tracker) Stop() {
	t.stopRemediation()
	if t.termTimer != nil {
		t.termTimer.Stop()
		t.termTimer = nil
	}
}

func (t *Tracker) stopRemediation() {
	if t.remTimer != nil {
		t.remTimer.Stop()
		t.remTimer = nil
	}
}
