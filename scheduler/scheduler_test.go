package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartStopStates(t *testing.T) {
	s := New("test", nil)
	assert.Equal(t, Stopped, s.State())

	require.NoError(t, s.Start(10*time.Millisecond, func(context.Context) error { return nil }))
	assert.Equal(t, Running, s.State())
	assert.ErrorIs(t, s.Start(10*time.Millisecond, func(context.Context) error { return nil }), ErrAlreadyRunning)

	s.Stop()
	assert.Equal(t, Stopped, s.State())
	s.Stop()

	require.NoError(t, s.Start(10*time.Millisecond, func(context.Context) error { return nil }))
	s.Stop()
}

func TestStartRejectsBadArguments(t *testing.T) {
	s := New("test", nil)
	assert.Error(t, s.Start(0, func(context.Context) error { return nil }))
	assert.Error(t, s.Start(time.Second, nil))
	assert.Equal(t, Stopped, s.State())
}

func TestFailingJobKeepsTicking(t *testing.T) {
	var calls atomic.Int32
	s := New("test", nil)
	require.NoError(t, s.Start(10*time.Millisecond, func(context.Context) error {
		n := calls.Add(1)
		if n == 2 {
			panic("boom")
		}
		return errors.New("upstream down")
	}))

	assert.Eventually(t, func() bool { return calls.Load() >= 4 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()

	runs, _, failed := s.Stats()
	assert.Equal(t, runs, failed)
	assert.GreaterOrEqual(t, runs, int64(4))
}

func TestOverlappingTicksAreSkipped(t *testing.T) {
	var running, maxRunning, calls atomic.Int32
	s := New("test", nil)
	require.NoError(t, s.Start(5*time.Millisecond, func(context.Context) error {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			m := maxRunning.Load()
			if n <= m || maxRunning.CompareAndSwap(m, n) {
				break
			}
		}
		calls.Add(1)
		time.Sleep(40 * time.Millisecond)
		return nil
	}))

	time.Sleep(150 * time.Millisecond)
	s.Stop()

	assert.Equal(t, int32(1), maxRunning.Load())
	_, skipped, _ := s.Stats()
	assert.Positive(t, skipped)
	assert.Positive(t, calls.Load())
}

func TestStopWaitsForInFlightJob(t *testing.T) {
	started := make(chan struct{}, 1)
	var finished atomic.Bool
	var ctxErr atomic.Value

	s := New("test", nil)
	require.NoError(t, s.Start(5*time.Millisecond, func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		time.Sleep(80 * time.Millisecond)
		if err := ctx.Err(); err != nil {
			ctxErr.Store(err)
		}
		finished.Store(true)
		return nil
	}))

	<-started
	s.Stop()
	assert.True(t, finished.Load())
	assert.Nil(t, ctxErr.Load())
}
