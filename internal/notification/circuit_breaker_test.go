package notification

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chestnet/chestnet-go/internal/errors"
)

func newTestBreaker(maxFailures int, timeout time.Duration) *PushCircuitBreaker {
	return NewPushCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:         maxFailures,
		Timeout:             timeout,
		HalfOpenMaxRequests: 1,
	}, nil, "test-provider")
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	t.Parallel()

	cb := newTestBreaker(3, time.Hour)
	failing := func(context.Context) error { return errors.NewStd("send failed") }

	for i := 0; i < 3; i++ {
		err := cb.Call(context.Background(), failing)
		require.Error(t, err)
	}
	assert.Equal(t, StateOpen, cb.State())

	// Requests are rejected while open
	err := cb.Call(context.Background(), func(context.Context) error { return nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
}

func TestCircuitBreakerRecovery(t *testing.T) {
	t.Parallel()

	cb := newTestBreaker(1, 20*time.Millisecond)

	require.Error(t, cb.Call(context.Background(), func(context.Context) error {
		return errors.NewStd("down")
	}))
	assert.Equal(t, StateOpen, cb.State())

	time.Sleep(30 * time.Millisecond)

	// Successful half-open probe closes the circuit
	require.NoError(t, cb.Call(context.Background(), func(context.Context) error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.Failures())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	cb := newTestBreaker(1, 20*time.Millisecond)

	require.Error(t, cb.Call(context.Background(), func(context.Context) error {
		return errors.NewStd("down")
	}))
	time.Sleep(30 * time.Millisecond)

	require.Error(t, cb.Call(context.Background(), func(context.Context) error {
		return errors.NewStd("still down")
	}))
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreakerIgnoresCancellation(t *testing.T) {
	t.Parallel()

	cb := newTestBreaker(1, time.Hour)

	err := cb.Call(context.Background(), func(context.Context) error {
		return context.Canceled
	})
	require.Error(t, err)

	// Client cancellation is not a provider failure
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.Failures())
}

func TestCircuitBreakerReset(t *testing.T) {
	t.Parallel()

	cb := newTestBreaker(1, time.Hour)
	require.Error(t, cb.Call(context.Background(), func(context.Context) error {
		return errors.NewStd("down")
	}))
	require.Equal(t, StateOpen, cb.State())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.IsHealthy())
}

func TestCircuitBreakerConfigValidate(t *testing.T) {
	t.Parallel()

	assert.NoError(t, DefaultCircuitBreakerConfig().Validate())
	assert.Error(t, CircuitBreakerConfig{MaxFailures: 0, Timeout: time.Minute, HalfOpenMaxRequests: 1}.Validate())
	assert.Error(t, CircuitBreakerConfig{MaxFailures: 1, Timeout: time.Millisecond, HalfOpenMaxRequests: 1}.Validate())
	assert.Error(t, CircuitBreakerConfig{MaxFailures: 1, Timeout: time.Minute, HalfOpenMaxRequests: 0}.Validate())
}
