package integrity

import (
	"testing"
	"time"

	"github.com/stemsi/exstem-proctor/internal/loop"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fullscreenRecorder struct {
	violations []Result
	countdown  []time.Duration
	cleared    int
	restored   int
}

func (r *fullscreenRecorder) hooks() FullscreenHooks {
	return FullscreenHooks{
		OnViolation: func(res Result) { r.violations = append(r.violations, res) },
		OnCountdown: func(d time.Duration) { r.countdown = append(r.countdown, d) },
		OnCleared:   func() { r.cleared++ },
		OnRestore:   func() { r.restored++ },
	}
}

func newFullscreenGuard(m *loop.Manual, rec *fullscreenRecorder) (*FullscreenGuard, *Tracker) {
	tr := NewTracker(TrackerConfig{
		Stream:           model.StreamFullscreen,
		TerminationDelay: 3 * time.Second,
	}, m, Hooks{})
	return NewFullscreenGuard(tr, m, 7*time.Second, rec.hooks()), tr
}

func TestFullscreenGuard_IgnoresChangesDuringSetup(t *testing.T) {
	m := loop.NewManual()
	rec := &fullscreenRecorder{}
	g, tr := newFullscreenGuard(m, rec)
	tr.Arm()

	g.Observe(FullscreenSignal{Standard: true})
	g.Observe(FullscreenSignal{})
	assert.Empty(t, rec.violations)
	assert.True(t, g.InSetup())

	g.EndSetup(true)
	assert.True(t, g.IsFullscreen())
	g.Observe(FullscreenSignal{})
	assert.Len(t, rec.violations, 1)
}

func TestFullscreenGuard_CoalescesVendorSignals(t *testing.T) {
	m := loop.NewManual()
	rec := &fullscreenRecorder{}
	g, tr := newFullscreenGuard(m, rec)
	tr.Arm()
	g.EndSetup(true)

	g.Observe(FullscreenSignal{})
	g.Observe(FullscreenSignal{})
	g.Observe(FullscreenSignal{Standard: false, Webkit: false})
	require.Len(t, rec.violations, 1)
	assert.Equal(t, 1, rec.violations[0].Count)

	g.Observe(FullscreenSignal{Webkit: true})
	g.Observe(FullscreenSignal{Moz: true})
	assert.Equal(t, 1, rec.cleared)
	assert.False(t, g.CountdownActive())
}

func TestFullscreenGuard_CountdownRestores(t *testing.T) {
	m := loop.NewManual()
	rec := &fullscreenRecorder{}
	g, tr := newFullscreenGuard(m, rec)
	tr.Arm()
	g.EndSetup(true)

	g.Observe(FullscreenSignal{})
	assert.True(t, g.CountdownActive())

	m.Advance(7 * time.Second)
	assert.Equal(t, []time.Duration{
		7 * time.Second, 6 * time.Second, 5 * time.Second, 4 * time.Second,
		3 * time.Second, 2 * time.Second, time.Second,
	}, rec.countdown)
	assert.Equal(t, 1, rec.restored)
	assert.False(t, g.CountdownActive())
}

func TestFullscreenGuard_ReturningCancelsCountdown(t *testing.T) {
	m := loop.NewManual()
	rec := &fullscreenRecorder{}
	g, tr := newFullscreenGuard(m, rec)
	tr.Arm()
	g.EndSetup(true)

	g.Observe(FullscreenSignal{})
	m.Advance(2 * time.Second)
	g.Observe(FullscreenSignal{MS: true})

	m.Advance(time.Minute)
	assert.Zero(t, rec.restored)
	assert.Equal(t, 1, rec.cleared)
}

func TestFullscreenGuard_CountdownRunsOnTerminatingViolation(t *testing.T) {
	m := loop.NewManual()
	rec := &fullscreenRecorder{}
	g, tr := newFullscreenGuard(m, rec)
	tr.Arm()
	g.EndSetup(true)

	for i := 0; i < DefaultLimit-1; i++ {
		g.Observe(FullscreenSignal{})
		g.Observe(FullscreenSignal{Standard: true})
	}
	g.Observe(FullscreenSignal{})
	require.Len(t, rec.violations, DefaultLimit)
	assert.True(t, rec.violations[DefaultLimit-1].Terminated)
	assert.True(t, g.CountdownActive())

	g.Stop()
	assert.False(t, g.CountdownActive())

	g.Observe(FullscreenSignal{Standard: true})
	g.Observe(FullscreenSignal{})
	assert.Len(t, rec.violations, DefaultLimit, "no violations after the limit")
	assert.False(t, g.CountdownActive(), "no countdown once terminated")
}

func TestTabSwitchGuard_CoalescesBlurAndHide(t *testing.T) {
	m := loop.NewManual()
	tr := NewTracker(TrackerConfig{Stream: model.StreamTabSwitch}, m, Hooks{})
	var got []Result
	g := NewTabSwitchGuard(tr, func(r Result) { got = append(got, r) })

	g.FocusLost()
	assert.Empty(t, got, "not armed yet")
	g.FocusGained()

	tr.Arm()
	g.FocusLost()
	g.FocusLost()
	assert.Len(t, got, 1)
	assert.False(t, g.Focused())

	g.FocusGained()
	g.FocusLost()
	require.Len(t, got, 2)
	assert.Equal(t, 2, got[1].Count)
}
