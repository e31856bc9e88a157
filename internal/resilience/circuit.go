package resilience

import (
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed is the normal operating state.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects calls immediately after repeated failures.
	CircuitOpen
	// CircuitHalfOpen lets a single probe through to test recovery.
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

// ErrCircuitOpen is returned when a call is rejected because the circuit is open.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitBreaker guards an optional collaborator (the enrichment interface)
// so a dead collaborator cannot slow every consolidation group down: after
// FailureThreshold consecutive failures, calls are rejected locally until
// ResetTimeout passes, then a probe is allowed.
type CircuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	failureThreshold    int
	resetTimeout        time.Duration
	consecutiveFailures int
	lastFailureTime     time.Time

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewCircuitBreaker creates a breaker. Non-positive arguments take defaults
// (5 failures, 30s reset).
func NewCircuitBreaker(failureThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		state:            CircuitClosed,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		nowFunc:          time.Now,
	}
}

// Allow reports whether a call may proceed, transitioning open circuits to
// half-open once the reset timeout has elapsed.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen {
		if cb.nowFunc().Sub(cb.lastFailureTime) < cb.resetTimeout {
			return ErrCircuitOpen
		}
		cb.state = CircuitHalfOpen
	}
	return nil
}

// Record feeds a call outcome back into the breaker.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.state = CircuitClosed
		cb.consecutiveFailures = 0
		return
	}

	cb.consecutiveFailures++
	cb.lastFailureTime = cb.nowFunc()

	if cb.state == CircuitHalfOpen || cb.consecutiveFailures >= cb.failureThreshold {
		cb.state = CircuitOpen
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && cb.nowFunc().Sub(cb.lastFailureTime) >= cb.resetTimeout {
		return CircuitHalfOpen
	}
	return cb.state
}

// Reset forces the circuit closed. Used by operator tooling and tests.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.consecutiveFailures = 0
}
