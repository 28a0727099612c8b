package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream unavailable")

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker("scorer", Config{FailureThreshold: 2, OpenTimeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		err := cb.Execute(ctx, func() error { return errUpstream })
		require.ErrorIs(t, err, errUpstream)
	}

	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func() error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
	assert.Equal(t, uint64(1), cb.Stats().Rejected)
}

func TestBreaker_HalfOpenClosesAfterSuccesses(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker("extractor", Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		OpenTimeout:      time.Second,
		OnStateChange: func(_ string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	current := time.Now()
	cb.now = func() time.Time { return current }
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return errUpstream })
	require.Equal(t, StateOpen, cb.State())

	current = current.Add(2 * time.Second)
	require.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestBreaker_IsSuccessfulIgnoresCallerErrors(t *testing.T) {
	errBadInput := errors.New("bad input")
	cb := NewCircuitBreaker("scorer", Config{
		FailureThreshold: 1,
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errBadInput)
		},
	})

	err := cb.Execute(context.Background(), func() error { return errBadInput })
	require.ErrorIs(t, err, errBadInput)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, uint32(0), cb.Stats().ConsecutiveFailures)
}

func TestExecuteWithResult(t *testing.T) {
	cb := NewCircuitBreaker("scorer", Config{})

	value, err := ExecuteWithResult(context.Background(), cb, func() (string, error) {
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", value)
}

func TestBreaker_FailureWindowForgetsOldFailures(t *testing.T) {
	cb := NewCircuitBreaker("scorer", Config{FailureThreshold: 2, FailureWindow: time.Minute})
	current := time.Now()
	cb.now = func() time.Time { return current }
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return errUpstream })
	require.Equal(t, uint32(1), cb.Stats().ConsecutiveFailures)

	current = current.Add(90 * time.Second)
	_ = cb.Execute(ctx, func() error { return errUpstream })

	stats := cb.Stats()
	assert.Equal(t, StateClosed, stats.State)
	assert.Equal(t, uint32(1), stats.ConsecutiveFailures)
}

func TestBreaker_HalfOpenLimitsConcurrentCalls(t *testing.T) {
	cb := NewCircuitBreaker("extractor", Config{
		HalfOpenRequests: 1,
		FailureThreshold: 1,
		SuccessThreshold: 2,
		OpenTimeout:      time.Second,
	})
	current := time.Now()
	cb.now = func() time.Time { return current }
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return errUpstream })
	current = current.Add(2 * time.Second)
	require.Equal(t, StateHalfOpen, cb.State())

	// A second call while the first is still running is turned away.
	err := cb.Execute(ctx, func() error {
		return cb.Execute(ctx, func() error { return nil })
	})
	require.ErrorIs(t, err, ErrTooManyRequests)
	assert.Equal(t, StateOpen, cb.State())

	// Sequential calls each get the slot once it frees up.
	current = current.Add(2 * time.Second)
	require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	assert.Equal(t, StateHalfOpen, cb.State())
	require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreaker_DropsResultsFromBeforeATransition(t *testing.T) {
	cb := NewCircuitBreaker("scorer", Config{FailureThreshold: 1, OpenTimeout: time.Minute})
	ctx := context.Background()

	err := cb.Execute(ctx, func() error {
		// The breaker opens while this call is still running.
		_ = cb.Execute(ctx, func() error { return errUpstream })
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StateOpen, cb.State())
}

func TestBreaker_PanicCountsAsFailure(t *testing.T) {
	cb := NewCircuitBreaker("extractor", Config{FailureThreshold: 1})

	assert.Panics(t, func() {
		_ = cb.Execute(context.Background(), func() error { panic("boom") })
	})
	assert.Equal(t, StateOpen, cb.State())
}
