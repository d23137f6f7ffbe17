// Package resilience provides the circuit breaker, rate limiter and service
// monitor that guard calls to external quote vendors.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"    // Normal operation
	CircuitOpen     CircuitState = "OPEN"      // Failing, rejecting requests
	CircuitHalfOpen CircuitState = "HALF_OPEN" // Testing if service recovered
)

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit
	FailureThreshold int
	// SuccessThreshold is the number of successes in half-open state to close
	SuccessThreshold int
	// Timeout is how long to wait before transitioning from open to half-open
	Timeout time.Duration
	// IsFailure decides whether an error counts against the breaker. Nil
	// counts every error.
	IsFailure func(error) bool
	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(name string, from, to CircuitState)
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		Timeout:          2 * time.Minute,
	}
}

// CircuitBreaker implements the circuit breaker pattern.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig

	mu              sync.RWMutex
	state           CircuitState
	failures        int
	successes       int
	lastFailureTime time.Time
	lastStateChange time.Time

	totalRequests  int64
	totalFailures  int64
	totalSuccesses int64
	totalRejected  int64
	totalTimeouts  int64
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 1
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &CircuitBreaker{
		name:            name,
		config:          config,
		state:           CircuitClosed,
		lastStateChange: config.Now(),
	}
}

// ErrCircuitOpen is returned when the circuit is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrCallPanicked wraps a panic recovered from a protected call.
var ErrCallPanicked = errors.New("protected call panicked")

// Execute runs the given function with circuit breaker protection.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	_, err := ExecuteWithResult(cb, ctx, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// ExecuteWithResult runs fn with circuit breaker protection. If ctx ends
// first, ctx.Err() is returned and the call counts as a failure; fn is
// expected to honour the same context and return soon after.
func ExecuteWithResult[T any](cb *CircuitBreaker, ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T

	if err := cb.allowRequest(); err != nil {
		return zero, err
	}

	type result struct {
		value T
		err   error
	}

	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("%w: %v", ErrCallPanicked, r)}
			}
		}()
		v, err := fn()
		done <- result{value: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			cb.recordFailure(r.err)
			return zero, r.err
		}
		cb.recordSuccess()
		return r.value, nil
	case <-ctx.Done():
		cb.mu.Lock()
		cb.totalTimeouts++
		cb.mu.Unlock()
		cb.recordFailure(ctx.Err())
		return zero, ctx.Err()
	}
}

func (cb *CircuitBreaker) allowRequest() error {
	var from CircuitState
	cb.mu.Lock()
	cb.totalRequests++

	switch cb.state {
	case CircuitOpen:
		if cb.config.Now().Sub(cb.lastFailureTime) < cb.config.Timeout {
			cb.totalRejected++
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		from = cb.transitionTo(CircuitHalfOpen)
	}
	cb.mu.Unlock()

	if from != "" {
		cb.notify(from, CircuitHalfOpen)
	}
	return nil
}

func (cb *CircuitBreaker) recordSuccess() {
	var from CircuitState
	cb.mu.Lock()
	cb.totalSuccesses++

	switch cb.state {
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			from = cb.transitionTo(CircuitClosed)
		}
	case CircuitClosed:
		cb.failures = 0
	}
	cb.mu.Unlock()

	if from != "" {
		cb.notify(from, CircuitClosed)
	}
}

func (cb *CircuitBreaker) recordFailure(err error) {
	if cb.config.IsFailure != nil && !cb.config.IsFailure(err) {
		return
	}

	var from CircuitState
	cb.mu.Lock()
	cb.totalFailures++
	cb.lastFailureTime = cb.config.Now()

	switch cb.state {
	case CircuitClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			from = cb.transitionTo(CircuitOpen)
		}
	case CircuitHalfOpen:
		// Any failure in half-open goes back to open
		from = cb.transitionTo(CircuitOpen)
	}
	cb.mu.Unlock()

	if from != "" {
		cb.notify(from, CircuitOpen)
	}
}

// transitionTo must be called with mu held. It returns the previous state.
func (cb *CircuitBreaker) transitionTo(state CircuitState) CircuitState {
	from := cb.state
	cb.state = state
	cb.lastStateChange = cb.config.Now()
	cb.failures = 0
	cb.successes = 0
	return from
}

func (cb *CircuitBreaker) notify(from, to CircuitState) {
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.name, from, to)
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Name returns the circuit breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Stats returns circuit breaker statistics.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return CircuitBreakerStats{
		Name:            cb.name,
		State:           cb.state,
		TotalRequests:   cb.totalRequests,
		TotalSuccesses:  cb.totalSuccesses,
		TotalFailures:   cb.totalFailures,
		TotalRejected:   cb.totalRejected,
		TotalTimeouts:   cb.totalTimeouts,
		CurrentFailures: cb.failures,
		LastFailureTime: cb.lastFailureTime,
		LastStateChange: cb.lastStateChange,
	}
}

// Reset resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = CircuitClosed
	cb.failures = 0
	cb.successes = 0
	cb.lastStateChange = cb.config.Now()
}

// CircuitBreakerStats holds circuit breaker statistics.
type CircuitBreakerStats struct {
	Name            string       `json:"name"`
	State           CircuitState `json:"state"`
	TotalRequests   int64        `json:"total_requests"`
	TotalSuccesses  int64        `json:"total_successes"`
	TotalFailures   int64        `json:"total_failures"`
	TotalRejected   int64        `json:"total_rejected"`
	TotalTimeouts   int64        `json:"total_timeouts"`
	CurrentFailures int          `json:"current_failures"`
	LastFailureTime time.Time    `json:"last_failure_time"`
	LastStateChange time.Time    `json:"last_state_change"`
}

// FailureRate returns the failure rate as a percentage.
func (s CircuitBreakerStats) FailureRate() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.TotalFailures) / float64(s.TotalRequests) * 100
}
