package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/chat-resilience/pkg/logging"
)

var errBackend = errors.New("backend unavailable")

func failing(ctx context.Context) error { return errBackend }
func succeeding(ctx context.Context) error { return nil }

func tripBreaker(cb *CircuitBreaker) {
	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), failing)
	}
}

func newTestBreaker(maxRequests uint32, timeout time.Duration) *CircuitBreaker {
	return NewCircuitBreaker(CircuitBreakerConfig{
		Name:        "completion",
		MaxRequests: maxRequests,
		Interval:    time.Second,
		Timeout:     timeout,
		Logger:      logging.NewNop(),
	})
}

func TestCircuitBreaker_StaysClosedOnSuccess(t *testing.T) {
	cb := newTestBreaker(3, time.Second)

	for i := 0; i < 5; i++ {
		value, err := Guard(context.Background(), cb, func(ctx context.Context) (string, error) {
			return "reply", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "reply", value)
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_TripsAndRejects(t *testing.T) {
	cb := newTestBreaker(3, 100*time.Millisecond)
	tripBreaker(cb)

	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called)
	assert.True(t, IsCircuitBreakerError(err))
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb := newTestBreaker(2, 50*time.Millisecond)
	tripBreaker(cb)
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(60 * time.Millisecond)

	require.NoError(t, cb.Execute(context.Background(), succeeding))
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(context.Background(), succeeding))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := newTestBreaker(2, 50*time.Millisecond)
	tripBreaker(cb)

	time.Sleep(60 * time.Millisecond)

	require.ErrorIs(t, cb.Execute(context.Background(), failing), errBackend)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_CustomReadyToTrip(t *testing.T) {
	var transitions []CircuitState
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:    "docstore",
		Timeout: time.Second,
		Logger:  logging.NewNop(),
		ReadyToTrip: func(counts Counts) bool {
			return counts.ConsecutiveFailures >= 2
		},
		OnStateChange: func(name string, from, to CircuitState) {
			transitions = append(transitions, to)
		},
	})

	_ = cb.Execute(context.Background(), failing)
	assert.Equal(t, StateClosed, cb.State())

	_ = cb.Execute(context.Background(), failing)
	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, []CircuitState{StateOpen}, transitions)
}

func TestCircuitBreaker_PanicCountsAsFailure(t *testing.T) {
	cb := newTestBreaker(1, time.Second)

	assert.Panics(t, func() {
		_ = cb.Execute(context.Background(), func(ctx context.Context) error {
			panic("boom")
		})
	})
	assert.Equal(t, uint32(1), cb.Counts().TotalFailures)
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "HALF_OPEN", StateHalfOpen.String())
	assert.Equal(t, "UNKNOWN", CircuitState(42).String())
}
