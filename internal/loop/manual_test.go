package loop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManual_AdvanceFiresDueTimersInOrder(t *testing.T) {
	m := NewManual()

	var fired []string
	m.AfterFunc(3*time.Second, func() { fired = append(fired, "c") })
	m.AfterFunc(time.Second, func() { fired = append(fired, "a") })
	m.AfterFunc(time.Second, func() { fired = append(fired, "b") })

	m.Advance(2 * time.Second)
	assert.Equal(t, []string{"a", "b"}, fired)
	assert.Equal(t, 1, m.PendingTimers())

	m.Advance(time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, fired)
	assert.Equal(t, 3*time.Second, m.Now())
}

func TestManual_TimerArmedWhileFiringRuns(t *testing.T) {
	m := NewManual()

	count := 0
	var tick func()
	tick = func() {
		count++
		m.AfterFunc(time.Second, tick)
	}
	m.AfterFunc(time.Second, tick)

	m.Advance(5 * time.Second)
	assert.Equal(t, 5, count)
}

func TestManual_DrainRunsNestedJobs(t *testing.T) {
	m := NewManual()

	var done []string
	m.Go(func(ctx context.Context) error { return nil }, func(error) {
		done = append(done, "outer")
		m.Go(func(ctx context.Context) error { return nil }, func(error) {
			done = append(done, "inner")
		})
	})
	assert.Equal(t, 1, m.PendingJobs())

	m.Drain()
	assert.Equal(t, []string{"outer", "inner"}, done)
	assert.Zero(t, m.PendingJobs())
}

func TestDeferred_ScheduleSupersedesPendingRun(t *testing.T) {
	m := NewManual()
	runs := 0
	d := NewDeferred(m, 2*time.Second, func() { runs++ })

	d.Schedule()
	m.Advance(time.Second)
	d.Schedule()
	m.Advance(time.Second)
	assert.Zero(t, runs)
	assert.True(t, d.Pending())

	m.Advance(time.Second)
	assert.Equal(t, 1, runs)
	assert.False(t, d.Pending())
}

func TestDeferred_FlushAndCancel(t *testing.T) {
	m := NewManual()
	runs := 0
	d := NewDeferred(m, time.Second, func() { runs++ })

	assert.False(t, d.Flush())

	d.Schedule()
	assert.True(t, d.Flush())
	assert.Equal(t, 1, runs)
	assert.Zero(t, m.PendingTimers())

	d.Schedule()
	assert.True(t, d.Cancel())
	m.Advance(time.Minute)
	assert.Equal(t, 1, runs)
}
