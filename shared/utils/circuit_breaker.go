package utils

import (
	"context"
	"errors"
	"sync"
	"time"
)

// CircuitState represents the state of the circuit breaker
type CircuitState string

const (
	StateClosed   CircuitState = "closed"
	StateOpen     CircuitState = "open"
	StateHalfOpen CircuitState = "half-open"
)

var (
	// ErrCircuitOpen is returned without calling through while the breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrTooManyRequests is returned when the half-open probe is already in flight.
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// BreakerSnapshot is a point-in-time view of a breaker.
type BreakerSnapshot struct {
	State               CircuitState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	OpenedAt            *time.Time   `json:"opened_at,omitempty"`
}

// CircuitBreaker stops calling a collaborator after maxFailures consecutive
// failures and lets a single probe through once resetTimeout has passed.
type CircuitBreaker struct {
	maxFailures   int
	resetTimeout  time.Duration
	isFailure     func(error) bool
	onStateChange func(from, to CircuitState)
	now           func() time.Time

	mutex         sync.Mutex
	state         CircuitState
	failures      int
	openedAt      time.Time
	probeInFlight bool
}

// NewCircuitBreaker creates a closed breaker. maxFailures below one is
// treated as one.
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		isFailure:    countsAsFailure,
		now:          time.Now,
		state:        StateClosed,
	}
}

// countsAsFailure ignores cancellations made by the caller.
func countsAsFailure(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// WithFailurePredicate replaces the rule deciding which errors trip the
// breaker. Errors it rejects are passed through as successes.
func (cb *CircuitBreaker) WithFailurePredicate(isFailure func(error) bool) *CircuitBreaker {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	cb.isFailure = isFailure
	return cb
}

// OnStateChange registers fn to be called after every transition. fn runs
// with the breaker unlocked.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to CircuitState)) *CircuitBreaker {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	cb.onStateChange = fn
	return cb
}

// Call runs fn unless the breaker is open.
func (cb *CircuitBreaker) Call(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.record(probe, err)
	return err
}

// admit decides whether a call may go through and whether it is the
// half-open probe.
func (cb *CircuitBreaker) admit() (bool, error) {
	cb.mutex.Lock()
	from := cb.state
	probe := false

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			cb.mutex.Unlock()
			return false, ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probeInFlight = true
		probe = true
	case StateHalfOpen:
		if cb.probeInFlight {
			cb.mutex.Unlock()
			return false, ErrTooManyRequests
		}
		cb.probeInFlight = true
		probe = true
	}
	to, notify := cb.state, cb.onStateChange
	cb.mutex.Unlock()

	if notify != nil && from != to {
		notify(from, to)
	}
	return probe, nil
}

func (cb *CircuitBreaker) record(probe bool, err error) {
	cb.mutex.Lock()
	from := cb.state
	if probe {
		cb.probeInFlight = false
	}

	if err != nil && cb.isFailure(err) {
		cb.failures++
		if probe || cb.failures >= cb.maxFailures {
			cb.state = StateOpen
			cb.openedAt = cb.now()
		}
	} else {
		cb.failures = 0
		if probe {
			cb.state = StateClosed
		}
	}
	to, notify := cb.state, cb.onStateChange
	cb.mutex.Unlock()

	if notify != nil && from != to {
		notify(from, to)
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

// Snapshot reports the breaker state for status endpoints.
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	s := BreakerSnapshot{State: cb.state, ConsecutiveFailures: cb.failures}
	if cb.state != StateClosed {
		opened := cb.openedAt
		s.OpenedAt = &opened
	}
	return s
}

// Reset closes the breaker and forgets past failures.
func (cb *CircuitBreaker) Reset() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.probeInFlight = false
}
