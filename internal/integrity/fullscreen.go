package integrity

import (
	"time"

	"github.com/stemsi/exstem-proctor/internal/loop"
)

// FullscreenSignal is a raw fullscreen change as reported by the browser,
// one field per vendor variant.
type FullscreenSignal struct {
	Standard bool `json:"fullscreenElement"`
	Webkit   bool `json:"webkitFullscreenElement"`
	Moz      bool `json:"mozFullScreenElement"`
	MS       bool `json:"msFullscreenElement"`
}

// Active normalizes the vendor variants into one boolean.
func (s FullscreenSignal) Active() bool {
	return s.Standard || s.Webkit || s.Moz || s.MS
}

// FullscreenHooks are invoked on the session loop.
type FullscreenHooks struct {
	OnViolation func(Result)
	// OnCountdown reports the time left before fullscreen is restored.
	OnCountdown func(remaining time.Duration)
	// OnCleared fires when fullscreen is back and warnings can be hidden.
	OnCleared func()
	// OnRestore fires when the countdown elapses.
	OnRestore func()
}

// FullscreenGuard turns fullscreen edges into violations and runs the
// return-to-fullscreen countdown.
type FullscreenGuard struct {
	tracker   *Tracker
	sched     loop.Scheduler
	countdown time.Duration
	hooks     FullscreenHooks

	setup     bool
	lastKnown bool
	remaining time.Duration
	tick      loop.Timer
}

// NewFullscreenGuard creates a guard in the initial capture setup phase.
func NewFullscreenGuard(tracker *Tracker, sched loop.Scheduler, countdown time.Duration, hooks FullscreenHooks) *FullscreenGuard {
	return &FullscreenGuard{
		tracker:   tracker,
		sched:     sched,
		countdown: countdown,
		hooks:     hooks,
		setup:     true,
	}
}

// EndSetup leaves the setup phase; current becomes the last known state.
func (g *FullscreenGuard) EndSetup(current bool) {
	g.setup = false
	g.lastKnown = current
}

// InSetup reports whether changes are currently ignored.
func (g *FullscreenGuard) InSetup() bool {
	return g.setup
}

// IsFullscreen returns the last known state.
func (g *FullscreenGuard) IsFullscreen() bool {
	return g.lastKnown
}

// CountdownActive reports whether the blocking countdown is running.
func (g *FullscreenGuard) CountdownActive() bool {
	return g.tick != nil
}

// Observe handles a fullscreen change. Signals without a net edge are
// dropped, so rapid toggling never double-counts.
func (g *FullscreenGuard) Observe(sig FullscreenSignal) {
	active := sig.Active()
	if g.setup {
		g.lastKnown = active
		return
	}
	if active == g.lastKnown {
		return
	}
	g.lastKnown = active

	if active {
		g.stopCountdown()
		if g.hooks.OnCleared != nil {
			g.hooks.OnCleared()
		}
		return
	}

	if !g.tracker.Armed() {
		return
	}
	res := g.tracker.RecordViolation()
	if g.hooks.OnViolation != nil {
		g.hooks.OnViolation(res)
	}
	// The countdown runs even for the terminating violation; termination
	// cancels it through Stop.
	g.startCountdown()
}

// Stop cancels the countdown.
func (g *FullscreenGuard) Stop() {
	g.stopCountdown()
}

func (g *FullscreenGuard) startCountdown() {
	g.stopCountdown()
	g.remaining = g.countdown
	if g.hooks.OnCountdown != nil {
		g.hooks.OnCountdown(g.remaining)
	}
	g.scheduleTick()
}

func (g *FullscreenGuard) scheduleTick() {
	step := time.Second
	if g.remaining < step {
		step = g.remaining
	}
	g.tick = g.sched.AfterFunc(step, func() {
		g.tick = nil
		g.remaining -= step
		if g.remaining <= 0 {
			g.remaining = 0
			if g.hooks.OnRestore != nil {
				g.hooks.OnRestore()
			}
			return
		}
		if g.hooks.OnCountdown != nil {
			g.hooks.OnCountdown(g.remaining)
		}
		g.scheduleTick()
	})
}

func (g *FullscreenGuard) stopCountdown() {
	if g.tick != nil {
		g.tick.Stop()
		g.tick = nil
	}
	g.remaining = 0
}
