package scheduler

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

func TestRunsOnSchedule(t *testing.T) {
	var calls atomic.Int32
	s := New("@every 1s", func(context.Context) error {
		calls.Add(1)
		return nil
	}, nil)

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return calls.Load() >= 1 }, 5*time.Second, 50*time.Millisecond)
	s.Stop()
	assert.GreaterOrEqual(t, s.Runs(), int64(1))
}

func TestFailedRunKeepsScheduling(t *testing.T) {
	var calls atomic.Int32
	s := New("@every 1s", func(context.Context) error {
		calls.Add(1)
		return errors.New("disk full")
	}, nil)

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return calls.Load() >= 2 }, 5*time.Second, 50*time.Millisecond)
	s.Stop()
}

func TestOverlappingRunsAreSkipped(t *testing.T) {
	var running, maxRunning atomic.Int32
	s := New("@every 1s", func(ctx context.Context) error {
		n := running.Add(1)
		defer running.Add(-1)
		if n > maxRunning.Load() {
			maxRunning.Store(n)
		}
		select {
		case <-ctx.Done():
		case <-time.After(2500 * time.Millisecond):
		}
		return nil
	}, nil)

	require.NoError(t, s.Start(context.Background()))
	time.Sleep(3500 * time.Millisecond)
	s.Stop()
	assert.Equal(t, int32(1), maxRunning.Load())
}

func TestStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{}, 1)
	s := New("@every 1s", func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return ctx.Err()
	}, nil)

	require.NoError(t, s.Start(ctx))
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}
	cancel()
	// Waits for the shutdown triggered by the cancelled context.
	s.Stop()
	assert.GreaterOrEqual(t, s.Runs(), int64(1))
}

func TestRejectsBadSpec(t *testing.T) {
	s := New("whenever", func(context.Context) error { return nil }, nil)
	assert.Error(t, s.Start(context.Background()))
}

func TestDoubleStart(t *testing.T) {
	s := New("@every 1h", func(context.Context) error { return nil }, nil)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	assert.Error(t, s.Start(context.Background()))
}
