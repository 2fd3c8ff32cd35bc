package polling

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s := New(WithLogger(zaptest.NewLogger(t)))
	t.Cleanup(s.StopAll)
	return s
}

func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnError")
		return nil
	}
}

func TestStart_ExhaustsAfterExactlyMaxAttempts(t *testing.T) {
	s := newTestScheduler(t)

	var calls atomic.Int32
	errCh := make(chan error, 1)
	s.Start("job:1", func(ctx context.Context) (any, error) {
		calls.Add(1)
		return "running", nil
	}, Options{
		Interval:    10 * time.Millisecond,
		MaxAttempts: 3,
		OnError:     func(err error) { errCh <- err },
	})

	err := waitErr(t, errCh)
	var exceeded *AttemptsExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, 3, exceeded.MaxAttempts)
	assert.Equal(t, "job:1", exceeded.Key)
	assert.Contains(t, err.Error(), "3")
	assert.True(t, IsAttemptsExceeded(err))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
	assert.False(t, s.IsPolling("job:1"))
	assert.Equal(t, int64(1), s.Stats().Exhausted)
}

func TestStop_BeforeFirstTick(t *testing.T) {
	s := newTestScheduler(t)

	var calls, callbacks atomic.Int32
	s.Start("job:1", func(ctx context.Context) (any, error) {
		calls.Add(1)
		return nil, nil
	}, Options{
		Delay:      50 * time.Millisecond,
		Interval:   10 * time.Millisecond,
		OnUpdate:   func(any) { callbacks.Add(1) },
		OnComplete: func(any) { callbacks.Add(1) },
		OnError:    func(error) { callbacks.Add(1) },
	})
	require.True(t, s.IsPolling("job:1"))

	s.Stop("job:1")
	time.Sleep(100 * time.Millisecond)

	assert.Zero(t, calls.Load())
	assert.Zero(t, callbacks.Load())
	assert.False(t, s.IsPolling("job:1"))
	assert.Equal(t, int64(1), s.Stats().Stopped)
}

func TestStop_Idempotent(t *testing.T) {
	s := newTestScheduler(t)

	assert.NotPanics(t, func() {
		s.Stop("unknown")
		s.Start("job:1", func(ctx context.Context) (any, error) { return nil, nil }, Options{Delay: time.Hour})
		s.Stop("job:1")
		s.Stop("job:1")
	})
	assert.False(t, s.IsPolling("job:1"))
	assert.Equal(t, int64(1), s.Stats().Stopped)
}

func TestStart_ReplacesLoopBeforeFirstTick(t *testing.T) {
	s := newTestScheduler(t)

	var mu sync.Mutex
	var seen []string
	record := func(tag string) func(any) {
		return func(any) {
			mu.Lock()
			seen = append(seen, tag)
			mu.Unlock()
		}
	}

	s.Start("job:1", func(ctx context.Context) (any, error) { return nil, nil }, Options{
		Delay:    30 * time.Millisecond,
		Interval: 10 * time.Millisecond,
		OnUpdate: record("first"),
	})

	done := make(chan struct{})
	s.Start("job:1", func(ctx context.Context) (any, error) { return "ok", nil }, Options{
		Interval:   10 * time.Millisecond,
		OnUpdate:   record("second"),
		ShouldStop: func(any) bool { return true },
		OnComplete: func(any) { close(done) },
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second loop did not complete")
	}
	time.Sleep(60 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"second"}, seen)
}

func TestStart_ReplacedLoopResultIsDiscarded(t *testing.T) {
	s := newTestScheduler(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	var firstCallbacks atomic.Int32

	s.Start("job:1", func(ctx context.Context) (any, error) {
		close(entered)
		<-release
		return "stale", nil
	}, Options{
		OnUpdate:   func(any) { firstCallbacks.Add(1) },
		OnComplete: func(any) { firstCallbacks.Add(1) },
		OnError:    func(error) { firstCallbacks.Add(1) },
		ShouldStop: func(any) bool { return true },
	})
	<-entered

	s.Start("job:1", func(ctx context.Context) (any, error) { return nil, nil }, Options{Delay: time.Hour})
	close(release)
	time.Sleep(50 * time.Millisecond)

	assert.Zero(t, firstCallbacks.Load())
	assert.True(t, s.IsPolling("job:1"), "second loop stays registered")
}

func TestStart_CompletesWhenShouldStop(t *testing.T) {
	s := newTestScheduler(t)

	var n atomic.Int32
	var updates []any
	var mu sync.Mutex
	completed := make(chan any, 1)
	var errCount atomic.Int32

	s.Start("job:1", func(ctx context.Context) (any, error) {
		return int(n.Add(1)), nil
	}, Options{
		Interval: 5 * time.Millisecond,
		OnUpdate: func(v any) {
			mu.Lock()
			updates = append(updates, v)
			mu.Unlock()
		},
		ShouldStop: func(v any) bool { return v.(int) == 3 },
		OnComplete: func(v any) { completed <- v },
		OnError:    func(error) { errCount.Add(1) },
	})

	select {
	case v := <-completed:
		assert.Equal(t, 3, v)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not complete")
	}
	time.Sleep(30 * time.Millisecond)

	mu.Lock()
	assert.Equal(t, []any{1, 2, 3}, updates)
	mu.Unlock()
	assert.Equal(t, int32(3), n.Load())
	assert.Zero(t, errCount.Load())
	assert.False(t, s.IsPolling("job:1"))
	assert.Equal(t, int64(1), s.Stats().Completed)
}

func TestStart_PollFunctionError(t *testing.T) {
	s := newTestScheduler(t)

	cause := errors.New("status endpoint returned 500")
	var calls, updates atomic.Int32
	errCh := make(chan error, 1)

	s.Start("job:1", func(ctx context.Context) (any, error) {
		if calls.Add(1) == 2 {
			return nil, cause
		}
		return "processing", nil
	}, Options{
		Interval: 5 * time.Millisecond,
		OnUpdate: func(any) { updates.Add(1) },
		OnError:  func(err error) { errCh <- err },
	})

	err := waitErr(t, errCh)
	var pollErr *PollFunctionError
	require.ErrorAs(t, err, &pollErr)
	assert.Equal(t, 2, pollErr.Attempt)
	assert.ErrorIs(t, err, cause)
	assert.False(t, IsAttemptsExceeded(err))

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int32(1), updates.Load())
	assert.False(t, s.IsPolling("job:1"))
	assert.Equal(t, int64(1), s.Stats().Errored)
}

func TestStart_PanicAndNilFunctionBecomeErrors(t *testing.T) {
	s := newTestScheduler(t)

	errCh := make(chan error, 2)
	s.Start("panics", func(ctx context.Context) (any, error) { panic("boom") }, Options{
		OnError: func(err error) { errCh <- err },
	})
	err := waitErr(t, errCh)
	var pollErr *PollFunctionError
	require.ErrorAs(t, err, &pollErr)
	assert.Contains(t, err.Error(), "boom")

	s.Start("nil", nil, Options{OnError: func(err error) { errCh <- err }})
	err = waitErr(t, errCh)
	assert.ErrorIs(t, err, errNilPollFunc)
}

func TestStart_Defaults(t *testing.T) {
	s := newTestScheduler(t)

	s.Start("job:1", func(ctx context.Context) (any, error) { return nil, nil }, Options{
		Interval:    -time.Second,
		MaxAttempts: -1,
		Delay:       time.Hour,
	})

	status, ok := s.Status("job:1")
	require.True(t, ok)
	assert.Equal(t, "job:1", status.Key)
	assert.Equal(t, DefaultInterval, status.Interval)
	assert.Equal(t, DefaultMaxAttempts, status.MaxAttempts)
	assert.Zero(t, status.Attempts)
	assert.False(t, status.StartedAt.IsZero())

	_, ok = s.Status("unknown")
	assert.False(t, ok)
}

func TestStop_CancelsInFlightPoll(t *testing.T) {
	s := newTestScheduler(t)

	entered := make(chan struct{})
	cancelled := make(chan struct{})
	var errCount atomic.Int32

	s.Start("job:1", func(ctx context.Context) (any, error) {
		close(entered)
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	}, Options{OnError: func(error) { errCount.Add(1) }})

	<-entered
	s.Stop("job:1")

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("poll context was not cancelled")
	}
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, errCount.Load(), "a stopped loop reports nothing")
}

func TestStopAll(t *testing.T) {
	s := newTestScheduler(t)

	for _, key := range []string{"a", "b", "c"} {
		s.Start(key, func(ctx context.Context) (any, error) { return nil, nil }, Options{Delay: time.Hour})
	}
	assert.Equal(t, 3, s.Stats().Active)

	s.StopAll()

	for _, key := range []string{"a", "b", "c"} {
		assert.False(t, s.IsPolling(key))
	}
	stats := s.Stats()
	assert.Zero(t, stats.Active)
	assert.Equal(t, int64(3), stats.Stopped)
	assert.Equal(t, int64(3), stats.Started)
}

func TestCallbacksMayRestartTheirKey(t *testing.T) {
	s := newTestScheduler(t)

	restarted := make(chan struct{})
	s.Start("job:1", func(ctx context.Context) (any, error) { return "done", nil }, Options{
		ShouldStop: func(any) bool { return true },
		OnComplete: func(any) {
			s.Start("job:1", func(ctx context.Context) (any, error) { return "again", nil }, Options{
				ShouldStop: func(any) bool { return true },
				OnComplete: func(any) { close(restarted) },
			})
		},
	})

	select {
	case <-restarted:
	case <-time.After(2 * time.Second):
		t.Fatal("restart from callback did not run")
	}
}

func TestAwait(t *testing.T) {
	t.Run("returns final data", func(t *testing.T) {
		s := newTestScheduler(t)
		var n atomic.Int32
		data, err := s.Await(context.Background(), "job:1", func(ctx context.Context) (any, error) {
			return int(n.Add(1)), nil
		}, Options{
			Interval:   5 * time.Millisecond,
			ShouldStop: func(v any) bool { return v.(int) >= 2 },
		})
		require.NoError(t, err)
		assert.Equal(t, 2, data)
	})

	t.Run("reports exhaustion", func(t *testing.T) {
		s := newTestScheduler(t)
		_, err := s.Await(context.Background(), "job:1", func(ctx context.Context) (any, error) {
			return nil, nil
		}, Options{Interval: 5 * time.Millisecond, MaxAttempts: 2})
		assert.True(t, IsAttemptsExceeded(err))
	})

	t.Run("context cancellation stops the loop", func(t *testing.T) {
		s := newTestScheduler(t)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		_, err := s.Await(ctx, "job:1", func(ctx context.Context) (any, error) {
			return nil, nil
		}, Options{Interval: 5 * time.Millisecond})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.False(t, s.IsPolling("job:1"))
	})

	t.Run("replacement yields ErrStopped", func(t *testing.T) {
		s := newTestScheduler(t)
		go func() {
			time.Sleep(20 * time.Millisecond)
			s.Start("job:1", func(ctx context.Context) (any, error) { return nil, nil }, Options{Delay: time.Hour})
		}()
		_, err := s.Await(context.Background(), "job:1", func(ctx context.Context) (any, error) {
			return nil, nil
		}, Options{Interval: 5 * time.Millisecond, MaxAttempts: 1000})
		assert.ErrorIs(t, err, ErrStopped)
	})
}
