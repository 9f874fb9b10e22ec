package errors

import (
	"fmt"
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	// StateClosed - normal operation, requests allowed
	StateClosed CircuitState = iota
	// StateOpen - failing, requests blocked
	StateOpen
	// StateHalfOpen - testing if service recovered
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures circuit breaker behavior
type CircuitBreakerConfig struct {
	FailureThreshold int           // consecutive failures that open the circuit
	SuccessThreshold int           // consecutive half-open successes that close it
	Timeout          time.Duration // open duration before probing
}

// DefaultCircuitBreakerConfig returns sensible defaults
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		Timeout:          15 * time.Second,
	}
}

// Logf is the subset of logging.Logger the breaker needs.
type Logf interface {
	Info(format string, args ...any)
	Warn(format string, args ...any)
}

// CircuitBreaker stops hammering a failing backend.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig
	logger Logf
	now    func() time.Time

	mu              sync.Mutex
	state           CircuitState
	failureCount    int
	successCount    int
	lastFailureTime time.Time
}

// NewCircuitBreaker creates a new circuit breaker. logger may be nil.
func NewCircuitBreaker(name string, config CircuitBreakerConfig, logger Logf) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultCircuitBreakerConfig().FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	return &CircuitBreaker{
		name:   name,
		config: config,
		logger: logger,
		now:    time.Now,
		state:  StateClosed,
	}
}

// Allow checks whether a request can proceed.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailureTime) >= cb.config.Timeout {
			cb.state = StateHalfOpen
			cb.successCount = 0
			cb.logf(false, "[%s] circuit half-open, probing", cb.name)
			return nil
		}
		return &Error{
			Kind:    KindNetwork,
			Op:      cb.name,
			Message: "the presentation service is temporarily unavailable",
			Err:     fmt.Errorf("circuit breaker open for %s", cb.name),
		}
	default:
		return nil
	}
}

// Mark records a request outcome. Pass nil for success.
func (cb *CircuitBreaker) Mark(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		switch cb.state {
		case StateClosed:
			cb.failureCount = 0
		case StateHalfOpen:
			cb.successCount++
			if cb.successCount >= cb.config.SuccessThreshold {
				cb.state = StateClosed
				cb.failureCount = 0
				cb.successCount = 0
				cb.logf(false, "[%s] circuit closed", cb.name)
			}
		}
		return
	}

	cb.lastFailureTime = cb.now()
	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.state = StateOpen
			cb.logf(true, "[%s] circuit opened after %d failures", cb.name, cb.failureCount)
		}
	case StateHalfOpen:
		cb.state = StateOpen
		cb.successCount = 0
		cb.logf(true, "[%s] circuit reopened", cb.name)
	}
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) logf(warn bool, format string, args ...any) {
	if cb.logger == nil {
		return
	}
	if warn {
		cb.logger.Warn(format, args...)
		return
	}
	cb.logger.Info(format, args...)
}
