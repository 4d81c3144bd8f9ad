package notification

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chestnet/chestnet-go/internal/errors"
	"github.com/chestnet/chestnet-go/internal/observability/metrics"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// StateClosed means the circuit is closed and requests are flowing normally.
	StateClosed CircuitState = iota
	// StateHalfOpen means the circuit is testing if the provider has recovered.
	StateHalfOpen
	// StateOpen means the circuit is open and requests are being rejected.
	StateOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return circuitStateClosed
	case StateHalfOpen:
		return circuitStateHalfOpen
	case StateOpen:
		return circuitStateOpen
	default:
		return circuitStateUnknown
	}
}

var (
	// ErrCircuitBreakerOpen is returned when the circuit breaker is open.
	ErrCircuitBreakerOpen = errors.Newf("circuit breaker is open").
				Component("notification").
				Category(errors.CategoryLimit).
				Build()
	// ErrTooManyRequests is returned when the half-open circuit has already allowed its test request.
	ErrTooManyRequests = errors.Newf("circuit breaker is half-open, too many requests").
				Component("notification").
				Category(errors.CategoryLimit).
				Build()
)

// CircuitBreakerConfig holds configuration for a circuit breaker.
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures before opening the circuit.
	MaxFailures int
	// Timeout is how long to wait before transitioning from Open to Half-Open.
	Timeout time.Duration
	// HalfOpenMaxRequests is the maximum number of requests allowed in half-open state.
	HalfOpenMaxRequests int
}

// DefaultCircuitBreakerConfig returns default circuit breaker configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures:         5,
		Timeout:             30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// Validate checks if the circuit breaker configuration is valid.
func (c CircuitBreakerConfig) Validate() error {
	if c.MaxFailures < 1 {
		return fmt.Errorf("max_failures must be at least 1, got %d", c.MaxFailures)
	}
	if c.Timeout < time.Second {
		return fmt.Errorf("timeout must be at least 1 second, got %v", c.Timeout)
	}
	if c.HalfOpenMaxRequests < 1 {
		return fmt.Errorf("half_open_max_requests must be at least 1, got %d", c.HalfOpenMaxRequests)
	}
	return nil
}

// PushCircuitBreaker guards one push provider. After MaxFailures
// consecutive failures the circuit opens and sends are rejected until
// the timeout elapses and a half-open probe succeeds.
type PushCircuitBreaker struct {
	config           CircuitBreakerConfig
	state            CircuitState
	failures         int
	lastFailureTime  time.Time
	lastStateChange  time.Time
	halfOpenRequests int
	mu               sync.RWMutex
	metrics          *metrics.NotificationMetrics
	providerName     string
	log              *slog.Logger
}

// NewPushCircuitBreaker creates a circuit breaker for the named provider.
// An invalid config is logged but still used, tests rely on short timeouts.
func NewPushCircuitBreaker(config CircuitBreakerConfig, notificationMetrics *metrics.NotificationMetrics, providerName string) *PushCircuitBreaker {
	log := getLoggerSafe("notification-push")
	if err := config.Validate(); err != nil {
		log.Warn("circuit breaker config validation failed",
			"provider", providerName,
			"error", err)
	}

	cb := &PushCircuitBreaker{
		config:          config,
		state:           StateClosed,
		lastStateChange: time.Now(),
		metrics:         notificationMetrics,
		providerName:    providerName,
		log:             log,
	}

	if cb.metrics != nil {
		cb.metrics.UpdateCircuitBreakerState(providerName, int(StateClosed))
		cb.metrics.UpdateHealthStatus(providerName, true)
	}

	return cb
}

// Call executes fn if the circuit breaker allows it and records the result.
func (cb *PushCircuitBreaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.beforeCall(); err != nil {
		state, failures := cb.State(), cb.Failures()
		return fmt.Errorf("circuit breaker rejected request (%v, %d consecutive failures): %w",
			state, failures, err)
	}

	err := fn(ctx)
	cb.afterCall(err)
	return err
}

func (cb *PushCircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil

	case StateOpen:
		if time.Since(cb.lastStateChange) >= cb.config.Timeout {
			cb.setState(StateHalfOpen)
			cb.halfOpenRequests = 1
			return nil
		}
		return ErrCircuitBreakerOpen

	case StateHalfOpen:
		if cb.halfOpenRequests >= cb.config.HalfOpenMaxRequests {
			return ErrTooManyRequests
		}
		cb.halfOpenRequests++
		return nil

	default:
		return ErrCircuitBreakerOpen
	}
}

func (cb *PushCircuitBreaker) afterCall(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.onSuccess()
		return
	}

	// Client-side cancellation is not a provider failure
	if errors.Is(err, context.Canceled) {
		return
	}

	cb.onFailure()
}

func (cb *PushCircuitBreaker) onSuccess() {
	cb.failures = 0
	cb.lastFailureTime = time.Time{}

	if cb.metrics != nil {
		cb.metrics.UpdateHealthStatus(cb.providerName, true)
	}

	if cb.state == StateHalfOpen {
		cb.setState(StateClosed)
	}
}

func (cb *PushCircuitBreaker) onFailure() {
	cb.failures++
	cb.lastFailureTime = time.Now()

	if cb.metrics != nil {
		cb.metrics.IncrementConsecutiveFailures(cb.providerName)
	}

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.MaxFailures {
			cb.setState(StateOpen)
			if cb.metrics != nil {
				cb.metrics.UpdateHealthStatus(cb.providerName, false)
			}
		}

	case StateHalfOpen:
		cb.setState(StateOpen)
		if cb.metrics != nil {
			cb.metrics.UpdateHealthStatus(cb.providerName, false)
		}

	case StateOpen:
		// Already open
	}
}

func (cb *PushCircuitBreaker) setState(newState CircuitState) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = time.Now()

	if cb.metrics != nil {
		cb.metrics.UpdateCircuitBreakerState(cb.providerName, int(newState))
	}

	cb.log.Info("circuit breaker state transition",
		"provider", cb.providerName,
		"old_state", oldState.String(),
		"new_state", newState.String(),
		"consecutive_failures", cb.failures)
}

// State returns the current state of the circuit breaker.
func (cb *PushCircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Failures returns the current number of consecutive failures.
func (cb *PushCircuitBreaker) Failures() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.failures
}

// Reset manually resets the circuit breaker to closed state.
func (cb *PushCircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.lastFailureTime = time.Time{}
	cb.halfOpenRequests = 0
	cb.setState(StateClosed)

	if cb.metrics != nil {
		cb.metrics.UpdateHealthStatus(cb.providerName, true)
	}
}

// IsHealthy returns true if the circuit breaker is closed.
func (cb *PushCircuitBreaker) IsHealthy() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state == StateClosed
}
