package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     time.Minute,
		SuccessThreshold: 1,
	})

	for i := 0; i < 2; i++ {
		assert.True(t, cb.Allow())
		cb.RecordFailure()
	}
	assert.Equal(t, CircuitClosed, cb.State())

	assert.True(t, cb.Allow())
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())

	assert.False(t, cb.Allow(), "open circuit must reject")
	assert.Equal(t, int64(1), cb.Stats().TotalRejected)
}

func TestCircuitBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3})

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	assert.Equal(t, CircuitClosed, cb.State(), "non-consecutive failures should not open the circuit")
}

func TestCircuitBreakerHalfOpenProbe(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     20 * time.Millisecond,
		SuccessThreshold: 2,
	})

	cb.RecordFailure()
	require.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.Allow())

	time.Sleep(30 * time.Millisecond)

	// First request after the reset timeout is the probe.
	assert.True(t, cb.Allow())
	assert.Equal(t, CircuitHalfOpen, cb.State())

	cb.RecordSuccess()
	assert.Equal(t, CircuitHalfOpen, cb.State(), "needs SuccessThreshold successes to close")
	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreakerProbeFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     20 * time.Millisecond,
	})

	cb.RecordFailure()
	time.Sleep(30 * time.Millisecond)
	require.True(t, cb.Allow())

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.Allow())
}

// stubRenderer returns a fixed error and counts invocations.
type stubRenderer struct {
	err   error
	calls int
}

func (s *stubRenderer) Render(ctx context.Context, source, dest string) error {
	s.calls++
	return s.err
}

func TestGuardedRendererOpensOnRendererFailures(t *testing.T) {
	inner := &stubRenderer{err: &RenderError{Type: ErrorTypeRendererMissing, Message: "not found"}}
	g := NewGuardedRenderer(inner, CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
	})

	for i := 0; i < 2; i++ {
		err := g.Render(context.Background(), "/src", "/dst")
		require.Error(t, err)
	}
	assert.Equal(t, 2, inner.calls)

	// Circuit is now open: the inner renderer must not be invoked again.
	err := g.Render(context.Background(), "/src", "/dst")
	require.Error(t, err)
	re, ok := err.(*RenderError)
	require.True(t, ok)
	assert.Equal(t, ErrorTypeCircuitOpen, re.Type)
	assert.Equal(t, 2, inner.calls)
}

func TestGuardedRendererIgnoresAssetProblems(t *testing.T) {
	inner := &stubRenderer{err: &RenderError{Type: ErrorTypeSourceMissing, Message: "gone"}}
	g := NewGuardedRenderer(inner, CircuitBreakerConfig{FailureThreshold: 1})

	for i := 0; i < 5; i++ {
		err := g.Render(context.Background(), "/src", "/dst")
		require.Error(t, err)
	}

	assert.Equal(t, 5, inner.calls, "missing sources must not trip the breaker")
	assert.Equal(t, CircuitClosed, g.Stats().State)
}

func TestGuardedRendererSuccessPassesThrough(t *testing.T) {
	inner := &stubRenderer{}
	g := NewGuardedRenderer(inner, DefaultCircuitBreakerConfig())

	require.NoError(t, g.Render(context.Background(), "/src", "/dst"))
	assert.Equal(t, int64(1), g.Stats().TotalSuccesses)
}
