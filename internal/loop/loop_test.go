package loop

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func startLoop(t *testing.T) *Loop {
	t.Helper()
	l := New(context.Background(), 8)
	go l.Run()
	t.Cleanup(func() {
		l.Close()
		l.Wait()
	})
	return l
}

func TestLoop_DoRunsOnLoopInOrder(t *testing.T) {
	l := startLoop(t)

	var order []int
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Post(func() { order = append(order, i) }))
	}
	require.NoError(t, l.Do(func() {}))

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestLoop_AfterFuncFiresOnLoop(t *testing.T) {
	l := startLoop(t)

	fired := make(chan struct{})
	l.AfterFunc(5*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestLoop_StoppedTimerDoesNotFire(t *testing.T) {
	l := startLoop(t)

	var fired atomic.Bool
	timer := l.AfterFunc(20*time.Millisecond, func() { fired.Store(true) })
	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, l.Do(func() {}))
	assert.False(t, fired.Load())
}

func TestLoop_GoDeliversResultOnLoop(t *testing.T) {
	l := startLoop(t)

	want := errors.New("remote failed")
	got := make(chan error, 1)
	l.Go(func(ctx context.Context) error {
		return want
	}, func(err error) {
		got <- err
	})

	select {
	case err := <-got:
		assert.ErrorIs(t, err, want)
	case <-time.After(time.Second):
		t.Fatal("done was not delivered")
	}
}

func TestLoop_PostAfterCloseFails(t *testing.T) {
	l := New(context.Background(), 1)
	go l.Run()
	l.Close()
	l.Wait()

	assert.ErrorIs(t, l.Post(func() {}), ErrClosed)
	assert.ErrorIs(t, l.Do(func() {}), ErrClosed)
	assert.False(t, l.AfterFunc(time.Millisecond, func() {}).Stop())
}

func TestLoop_ShutdownWaitsForInFlightWork(t *testing.T) {
	l := New(context.Background(), 8)
	go l.Run()

	var finished atomic.Bool
	l.Go(func(ctx context.Context) error {
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
		return nil
	}, nil)

	l.Shutdown(time.Second)
	l.Wait()
	assert.True(t, finished.Load())
}

func TestLoop_ShutdownCancelsSlowWork(t *testing.T) {
	l := New(context.Background(), 8)
	go l.Run()

	l.Go(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, nil)

	l.Shutdown(10 * time.Millisecond)
	l.Wait()
	assert.Error(t, l.Context().Err())
}
