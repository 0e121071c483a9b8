package biz

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"PulseGuard/internal/model"
	apperrors "PulseGuard/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDependency = errors.New("dependency down")

func newTestBreaker(t *testing.T) (*CircuitBreaker, *fakeClock, *recordingListener) {
	t.Helper()
	clock := newFakeClock()
	listener := &recordingListener{}
	cb := NewCircuitBreaker(testResilienceConf(), StateListeners{listener}, nil, log.DefaultLogger)
	cb.now = clock.Now
	return cb, clock, listener
}

func fail(err error) func(context.Context) error {
	return func(context.Context) error { return err }
}

func succeed(context.Context) error { return nil }

func tripOpen(t *testing.T, cb *CircuitBreaker, route string) {
	t.Helper()
	for i := 0; i < 5; i++ {
		require.ErrorIs(t, cb.Execute(context.Background(), route, fail(errDependency)), errDependency)
	}
	require.Equal(t, model.StateOpen, cb.State(route).State)
}

func TestCircuitBreaker_OpensAtThreshold(t *testing.T) {
	cb, _, listener := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_ = cb.Execute(ctx, RouteStoreWrite, fail(errDependency))
	}
	assert.Equal(t, model.StateClosed, cb.State(RouteStoreWrite).State)
	assert.Equal(t, 4, cb.State(RouteStoreWrite).ConsecutiveFailures)

	_ = cb.Execute(ctx, RouteStoreWrite, fail(errDependency))
	state := cb.State(RouteStoreWrite)
	assert.Equal(t, model.StateOpen, state.State)
	require.NotNil(t, state.LastFailureAt)

	called := false
	err := cb.Execute(ctx, RouteStoreWrite, func(context.Context) error {
		called = true
		return nil
	})
	assert.False(t, called, "open circuit must not reach the dependency")
	assert.True(t, IsCircuitOpenError(err))
	retryAfter, ok := RetryAfterSeconds(err)
	assert.True(t, ok)
	assert.Equal(t, 60, retryAfter)

	assert.Equal(t, []string{"CLOSED->OPEN"}, listener.transitions())
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb, _, _ := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_ = cb.Execute(ctx, RouteStoreWrite, fail(errDependency))
	}
	require.NoError(t, cb.Execute(ctx, RouteStoreWrite, succeed))
	assert.Equal(t, 0, cb.State(RouteStoreWrite).ConsecutiveFailures)

	for i := 0; i < 4; i++ {
		_ = cb.Execute(ctx, RouteStoreWrite, fail(errDependency))
	}
	assert.Equal(t, model.StateClosed, cb.State(RouteStoreWrite).State)
}

func TestCircuitBreaker_NonDependencyErrorsDoNotCount(t *testing.T) {
	cb, _, _ := newTestBreaker(t)

	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	neutral := []struct {
		name string
		ctx  context.Context
		err  error
	}{
		{"validation", context.Background(), NewValidationError("bad input")},
		{"constraint", context.Background(), NewConstraintError("bad range")},
		{"invalid request", context.Background(), apperrors.NewStoreError(apperrors.KindInvalidRequest, "put", errors.New("dup"))},
		{"circuit open", context.Background(), NewCircuitOpenError("other", 5)},
		{"caller canceled", canceled, context.Canceled},
		{"caller canceled wrapped", canceled, fmt.Errorf("query: %w", context.Canceled)},
	}

	for _, tt := range neutral {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < 10; i++ {
				_ = cb.Execute(tt.ctx, RouteStoreWrite, fail(tt.err))
			}
			state := cb.State(RouteStoreWrite)
			assert.Equal(t, model.StateClosed, state.State)
			assert.Equal(t, 0, state.ConsecutiveFailures)
		})
	}
}

func TestCircuitBreaker_DependencyTimeoutCounts(t *testing.T) {
	cb, _, _ := newTestBreaker(t)
	ctx := context.Background()

	// The caller context is live, so a deadline raised by the dependency is a failure.
	for i := 0; i < 5; i++ {
		_ = cb.Execute(ctx, RouteStoreRead, fail(context.DeadlineExceeded))
	}
	assert.Equal(t, model.StateOpen, cb.State(RouteStoreRead).State)

	throttled := apperrors.NewStoreError(apperrors.KindThrottled, "put", errors.New("slow down"))
	for i := 0; i < 5; i++ {
		_ = cb.Execute(ctx, RouteStoreWrite, fail(throttled))
	}
	assert.Equal(t, model.StateOpen, cb.State(RouteStoreWrite).State)
}

func TestCircuitBreaker_HalfOpenAfterTimeout(t *testing.T) {
	cb, clock, listener := newTestBreaker(t)
	ctx := context.Background()
	tripOpen(t, cb, RouteStoreWrite)

	clock.Advance(30 * time.Second)
	err := cb.Execute(ctx, RouteStoreWrite, succeed)
	assert.True(t, IsCircuitOpenError(err))
	retryAfter, _ := RetryAfterSeconds(err)
	assert.Equal(t, 30, retryAfter)

	// Exactly the timeout is not enough.
	clock.Advance(30 * time.Second)
	assert.True(t, IsCircuitOpenError(cb.Execute(ctx, RouteStoreWrite, succeed)))

	clock.Advance(time.Millisecond)
	require.NoError(t, cb.Execute(ctx, RouteStoreWrite, succeed))
	state := cb.State(RouteStoreWrite)
	assert.Equal(t, model.StateClosed, state.State)
	assert.Equal(t, 0, state.ConsecutiveFailures)
	assert.False(t, state.HalfOpenProbeInFlight)

	assert.Equal(t, []string{"CLOSED->OPEN", "OPEN->HALF_OPEN", "HALF_OPEN->CLOSED"}, listener.transitions())
}

func TestCircuitBreaker_ProbeFailureReopens(t *testing.T) {
	cb, clock, _ := newTestBreaker(t)
	ctx := context.Background()
	tripOpen(t, cb, RouteStoreWrite)
	firstFailure := *cb.State(RouteStoreWrite).LastFailureAt

	clock.Advance(61 * time.Second)
	assert.ErrorIs(t, cb.Execute(ctx, RouteStoreWrite, fail(errDependency)), errDependency)

	state := cb.State(RouteStoreWrite)
	assert.Equal(t, model.StateOpen, state.State)
	assert.True(t, state.LastFailureAt.After(firstFailure))
	assert.False(t, state.HalfOpenProbeInFlight)

	// The open timeout restarts from the failed probe.
	clock.Advance(30 * time.Second)
	assert.True(t, IsCircuitOpenError(cb.Execute(ctx, RouteStoreWrite, succeed)))
}

func TestCircuitBreaker_SingleProbeUnderConcurrency(t *testing.T) {
	cb, clock, _ := newTestBreaker(t)
	tripOpen(t, cb, RouteStoreWrite)
	clock.Advance(61 * time.Second)

	release := make(chan struct{})
	var admitted, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := cb.Execute(context.Background(), RouteStoreWrite, func(context.Context) error {
				admitted.Add(1)
				<-release
				return nil
			})
			if IsCircuitOpenError(err) {
				rejected.Add(1)
			}
		}()
	}

	require.Eventually(t, func() bool {
		return admitted.Load() == 1 && rejected.Load() == 19
	}, time.Second, time.Millisecond)
	assert.True(t, cb.State(RouteStoreWrite).HalfOpenProbeInFlight)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), admitted.Load())
	assert.Equal(t, int32(19), rejected.Load())
	assert.Equal(t, model.StateClosed, cb.State(RouteStoreWrite).State)
}

func TestCircuitBreaker_NeutralProbeStaysHalfOpen(t *testing.T) {
	cb, clock, _ := newTestBreaker(t)
	ctx := context.Background()
	tripOpen(t, cb, RouteStoreWrite)
	clock.Advance(61 * time.Second)

	err := cb.Execute(ctx, RouteStoreWrite, fail(NewValidationError("bad")))
	assert.True(t, IsValidationError(err))

	state := cb.State(RouteStoreWrite)
	assert.Equal(t, model.StateHalfOpen, state.State)
	assert.False(t, state.HalfOpenProbeInFlight, "probe flag must be cleared")

	// The next caller becomes the probe.
	require.NoError(t, cb.Execute(ctx, RouteStoreWrite, succeed))
	assert.Equal(t, model.StateClosed, cb.State(RouteStoreWrite).State)
}

func TestCircuitBreaker_LateOutcomesIgnored(t *testing.T) {
	cb, _, listener := newTestBreaker(t)
	ctx := context.Background()

	started := make(chan struct{})
	finish := make(chan error)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = cb.Execute(ctx, RouteStoreWrite, func(context.Context) error {
			close(started)
			return <-finish
		})
	}()
	<-started

	tripOpen(t, cb, RouteStoreWrite)

	// A slow call admitted while CLOSED finishes after the route opened.
	finish <- errDependency
	<-done

	state := cb.State(RouteStoreWrite)
	assert.Equal(t, model.StateOpen, state.State)
	assert.Equal(t, 5, state.ConsecutiveFailures)
	assert.Equal(t, []string{"CLOSED->OPEN"}, listener.transitions(), "open transition happens exactly once")
}

func TestCircuitBreaker_RoutesAreIndependent(t *testing.T) {
	cb, _, _ := newTestBreaker(t)
	tripOpen(t, cb, RouteStoreWrite)

	assert.NoError(t, cb.Execute(context.Background(), RouteStoreRead, succeed))
	assert.Equal(t, model.StateClosed, cb.State(RouteStoreRead).State)

	snapshot := cb.Snapshot()
	require.Len(t, snapshot, 2)
	assert.Equal(t, RouteStoreRead, snapshot[0].Route)
	assert.Equal(t, RouteStoreWrite, snapshot[1].Route)
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _, listener := newTestBreaker(t)

	_, ok := cb.Reset(context.Background(), "unknown")
	assert.False(t, ok)

	tripOpen(t, cb, RouteStoreWrite)
	state, ok := cb.Reset(context.Background(), RouteStoreWrite)
	require.True(t, ok)
	assert.Equal(t, model.StateClosed, state.State)
	assert.Equal(t, 0, state.ConsecutiveFailures)
	assert.Nil(t, state.LastFailureAt)

	assert.NoError(t, cb.Execute(context.Background(), RouteStoreWrite, succeed))

	listener.mu.Lock()
	last := listener.events[len(listener.events)-1]
	listener.mu.Unlock()
	assert.True(t, last.Manual)
	assert.Equal(t, model.StateOpen, last.From)
}

func TestCircuitBreaker_PanicCountsAsFailure(t *testing.T) {
	cb, _, _ := newTestBreaker(t)

	assert.Panics(t, func() {
		_ = cb.Execute(context.Background(), RouteStoreWrite, func(context.Context) error {
			panic("boom")
		})
	})
	assert.Equal(t, 1, cb.State(RouteStoreWrite).ConsecutiveFailures)
}

func TestCircuitBreaker_JournalListener(t *testing.T) {
	journal := &recordingJournal{}
	clock := newFakeClock()
	cb := NewCircuitBreaker(testResilienceConf(), NewStateListeners(nil, journal, log.DefaultLogger), nil, log.DefaultLogger)
	cb.now = clock.Now

	tripOpen(t, cb, RouteStoreWrite)
	clock.Advance(61 * time.Second)
	require.NoError(t, cb.Execute(context.Background(), RouteStoreWrite, succeed))
	cb.Reset(context.Background(), RouteStoreWrite)

	assert.Equal(t, []string{
		model.EventCircuitOpened,
		model.EventCircuitHalfOpen,
		model.EventCircuitClosed,
		model.EventCircuitReset,
	}, journal.types())
}
