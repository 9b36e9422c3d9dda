package depmcp

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is in the open state.
// Callers should treat it as "service degraded, try again later", not as a
// failure of the call's own logic.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed allows all requests through.
	CircuitClosed CircuitState = iota
	// CircuitHalfOpen allows a probe request through after the recovery
	// window has elapsed.
	CircuitHalfOpen
	// CircuitOpen rejects all requests without invoking them.
	CircuitOpen
)

// String returns the string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitHalfOpen:
		return "half-open"
	case CircuitOpen:
		return "open"
	default:
		return "unknown"
	}
}

// CircuitBreaker guards a single logical operation. It opens after
// failureThreshold consecutive failures, transitions to half-open once
// recoveryTime has elapsed, and closes again on the next success.
type CircuitBreaker struct {
	mu           sync.RWMutex
	state        CircuitState
	failures     int
	threshold    int
	recoveryTime time.Duration
	lastFailure  time.Time
}

// NewCircuitBreaker creates a circuit breaker.
// threshold is the number of consecutive failures before opening.
// recoveryTime is how long to wait before allowing a half-open probe.
func NewCircuitBreaker(threshold int, recoveryTime time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &CircuitBreaker{
		threshold:    threshold,
		recoveryTime: recoveryTime,
		state:        CircuitClosed,
	}
}

// Execute runs fn if the breaker allows it, recording the outcome. In the
// open state it fails fast with ErrCircuitOpen without invoking fn.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.allowRequest() {
		return ErrCircuitOpen
	}

	if err := fn(); err != nil {
		cb.recordFailure()
		return err
	}

	cb.recordSuccess()
	return nil
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Failures returns the current consecutive-failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.failures
}

// Reset forces the breaker back to the closed state with a zero count.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.failures = 0
}

func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed, CircuitHalfOpen:
		return true
	case CircuitOpen:
		if time.Since(cb.lastFailure) >= cb.recoveryTime {
			cb.state = CircuitHalfOpen
			return true
		}
		return false
	default:
		return false
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = time.Now()

	if cb.state == CircuitHalfOpen || cb.failures >= cb.threshold {
		cb.state = CircuitOpen
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitHalfOpen || cb.state == CircuitClosed {
		cb.state = CircuitClosed
		cb.failures = 0
	}
}
