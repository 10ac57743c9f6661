package circuitbreaker

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State represents the state of a circuit breaker
type State int

const (
	StateClosed State = iota
	StateOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// Clock returns the current time.
type Clock func() time.Time

// Option configures a CircuitBreaker.
type Option func(*CircuitBreaker)

// WithClock replaces time.Now, mainly so tests can advance time.
func WithClock(clock Clock) Option {
	return func(cb *CircuitBreaker) { cb.now = clock }
}

// WithLogger sets the logger used for state transitions.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(cb *CircuitBreaker) { cb.logger = logger }
}

// CircuitBreaker counts consecutive failures of one dependency and suppresses
// calls for a cooldown once maxFailures is reached. A success decrements the
// counter instead of clearing it.
type CircuitBreaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration
	now         Clock
	logger      logrus.FieldLogger

	mu              sync.Mutex
	failures        int
	lastFailureTime time.Time
}

// New creates a new circuit breaker
func New(name string, maxFailures int, cooldown time.Duration, opts ...Option) *CircuitBreaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	cb := &CircuitBreaker{
		name:        name,
		maxFailures: maxFailures,
		cooldown:    cooldown,
		now:         time.Now,
		logger:      logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Allow reports whether a call may proceed. An open breaker whose cooldown
// has elapsed is closed and its counter zeroed before returning true.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.failures < cb.maxFailures {
		return true
	}
	if cb.now().Sub(cb.lastFailureTime) >= cb.cooldown {
		cb.failures = 0
		cb.lastFailureTime = time.Time{}
		cb.logger.WithFields(logrus.Fields{
			"circuit_breaker": cb.name,
			"state":           StateClosed.String(),
		}).Info("Circuit breaker closed after cooldown")
		return true
	}
	return false
}

// IsOpen is the negation of Allow and shares its reset side effect.
func (cb *CircuitBreaker) IsOpen() bool {
	return !cb.Allow()
}

// RecordSuccess decrements the failure counter, floored at zero.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.failures > 0 {
		cb.failures--
	}
}

// RecordFailure increments the failure counter and stamps the failure time.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailureTime = cb.now()

	if cb.failures == cb.maxFailures {
		cb.logger.WithFields(logrus.Fields{
			"circuit_breaker": cb.name,
			"failures":        cb.failures,
			"cooldown":        cb.cooldown.String(),
			"state":           StateOpen.String(),
		}).Warn("Circuit breaker opened due to failures")
	}
}

// Reset zeroes the counter and clears the failure time unconditionally.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.lastFailureTime = time.Time{}
	cb.logger.WithField("circuit_breaker", cb.name).Info("Circuit breaker manually reset")
}

// Stats represents circuit breaker statistics
type Stats struct {
	Name            string
	State           State
	Failures        int
	MaxFailures     int
	Cooldown        time.Duration
	LastFailureTime time.Time
	// SinceLastFailure is zero when no failure is recorded.
	SinceLastFailure time.Duration
}

// GetStats returns a snapshot without applying the cooldown reset.
func (cb *CircuitBreaker) GetStats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	stats := Stats{
		Name:            cb.name,
		State:           StateClosed,
		Failures:        cb.failures,
		MaxFailures:     cb.maxFailures,
		Cooldown:        cb.cooldown,
		LastFailureTime: cb.lastFailureTime,
	}
	if !cb.lastFailureTime.IsZero() {
		stats.SinceLastFailure = now.Sub(cb.lastFailureTime)
	}
	if cb.failures >= cb.maxFailures && now.Sub(cb.lastFailureTime) < cb.cooldown {
		stats.State = StateOpen
	}
	return stats
}
