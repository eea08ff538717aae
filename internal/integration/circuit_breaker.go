package integration

import (
	"context"
	"errors"
	"sync"
	"time"
)

// CircuitState represents the current state of the renderer circuit breaker.
type CircuitState int

const (
	// CircuitClosed is the normal operating state - renders are allowed.
	CircuitClosed CircuitState = iota
	// CircuitOpen is the failure state - renders are rejected immediately.
	CircuitOpen
	// CircuitHalfOpen allows a single probe render to test if the renderer has recovered.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	// Default: 5
	FailureThreshold int
	// ResetTimeout is how long to wait before allowing a probe render (half-open state).
	// Default: 30 seconds
	ResetTimeout time.Duration
	// SuccessThreshold is the number of consecutive successes in half-open state
	// needed to close the circuit. Default: 2
	SuccessThreshold int
}

// DefaultCircuitBreakerConfig returns sensible defaults for the circuit breaker.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		SuccessThreshold: 2,
	}
}

// CircuitBreaker tracks renderer invocation outcomes. When the renderer binary
// is missing or wedged, every queued job would otherwise burn the full render
// timeout before failing; the breaker makes those jobs fail fast instead.
type CircuitBreaker struct {
	mu              sync.RWMutex
	config          CircuitBreakerConfig
	state           CircuitState
	failures        int       // consecutive failures
	successes       int       // consecutive successes (for half-open state)
	lastFailureTime time.Time // when the last failure occurred
	lastStateChange time.Time // when the state last changed
	totalFailures   int64
	totalSuccesses  int64
	totalRejected   int64 // renders rejected due to open circuit
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	return &CircuitBreaker{
		config:          config,
		state:           CircuitClosed,
		lastStateChange: time.Now(),
	}
}

// Allow checks if a render should be allowed through.
// Call RecordSuccess or RecordFailure after the render completes.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true

	case CircuitOpen:
		if time.Since(cb.lastFailureTime) >= cb.config.ResetTimeout {
			cb.state = CircuitHalfOpen
			cb.lastStateChange = time.Now()
			cb.successes = 0
			return true // Allow the probe render
		}
		cb.totalRejected++
		return false

	case CircuitHalfOpen:
		// The probe render that comes through will determine the fate
		return true

	default:
		return true
	}
}

// RecordSuccess records a successful render, potentially closing the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalSuccesses++

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0

	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.state = CircuitClosed
			cb.lastStateChange = time.Now()
			cb.failures = 0
			cb.successes = 0
		}

	case CircuitOpen:
		// Shouldn't happen, but handle it gracefully
		cb.state = CircuitHalfOpen
		cb.lastStateChange = time.Now()
		cb.successes = 1
	}
}

// RecordFailure records a failed render, potentially opening the circuit.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalFailures++
	cb.failures++
	cb.lastFailureTime = time.Now()
	cb.successes = 0

	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.state = CircuitOpen
			cb.lastStateChange = time.Now()
		}

	case CircuitHalfOpen:
		// Failed during probe - go back to open
		cb.state = CircuitOpen
		cb.lastStateChange = time.Now()

	case CircuitOpen:
		// Already open, just update the failure time
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Stats returns statistics about the circuit breaker.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return CircuitBreakerStats{
		State:               cb.state,
		ConsecutiveFailures: cb.failures,
		LastFailureTime:     cb.lastFailureTime,
		LastStateChange:     cb.lastStateChange,
		TotalFailures:       cb.totalFailures,
		TotalSuccesses:      cb.totalSuccesses,
		TotalRejected:       cb.totalRejected,
	}
}

// Reset resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.failures = 0
	cb.successes = 0
	cb.lastStateChange = time.Now()
}

// CircuitBreakerStats holds statistics for monitoring.
type CircuitBreakerStats struct {
	State               CircuitState
	ConsecutiveFailures int
	LastFailureTime     time.Time
	LastStateChange     time.Time
	TotalFailures       int64
	TotalSuccesses      int64
	TotalRejected       int64
}

// GuardedRenderer wraps a Renderer with a circuit breaker. Per-asset problems
// (missing source, bad path) never trip the breaker; only failures that point
// at the renderer itself do.
type GuardedRenderer struct {
	inner   Renderer
	breaker *CircuitBreaker
}

var _ Renderer = (*GuardedRenderer)(nil)

// NewGuardedRenderer wraps inner with a circuit breaker using the given config.
func NewGuardedRenderer(inner Renderer, config CircuitBreakerConfig) *GuardedRenderer {
	return &GuardedRenderer{
		inner:   inner,
		breaker: NewCircuitBreaker(config),
	}
}

// Render forwards to the inner renderer unless the circuit is open.
func (g *GuardedRenderer) Render(ctx context.Context, source, dest string) error {
	if !g.breaker.Allow() {
		return &RenderError{Type: ErrorTypeCircuitOpen, Message: "renderer circuit open: recent invocations failed"}
	}

	err := g.inner.Render(ctx, source, dest)
	if err == nil {
		g.breaker.RecordSuccess()
		return nil
	}

	var re *RenderError
	if errors.As(err, &re) && (re.Type == ErrorTypeSourceMissing || re.Type == ErrorTypeInvalidPath) {
		// The asset is the problem, not the renderer.
		return err
	}
	g.breaker.RecordFailure()
	return err
}

// Stats exposes the underlying breaker statistics.
func (g *GuardedRenderer) Stats() CircuitBreakerStats {
	return g.breaker.Stats()
}
