package resilience

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// State is the circuit breaker's current disposition toward calls.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreakerConfig configures one breaker. Each walker owns one breaker
// spanning its store and chain dependencies; a name like "walker-<subgraph>"
// keeps state-change logs attributable.
type CircuitBreakerConfig struct {
	Name             string
	MaxFailures      uint32
	ResetTimeout     time.Duration
	HalfOpenMaxCalls uint32
	OnStateChange    func(name string, from, to State)
}

// DefaultCircuitBreakerConfig trips after five consecutive failures and
// probes again after a minute.
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:             "default",
		MaxFailures:      5,
		ResetTimeout:     60 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// CircuitBreaker fails calls fast while a dependency is known-bad. Closed
// passes everything through; MaxFailures consecutive failures open it; after
// ResetTimeout it half-opens and admits up to HalfOpenMaxCalls probes, all
// of which must succeed to close it again.
type CircuitBreaker struct {
	name             string
	maxFailures      uint32
	resetTimeout     time.Duration
	halfOpenMaxCalls uint32

	state           atomic.Int32
	failures        atomic.Uint32
	lastFailureUnix atomic.Int64
	halfOpenCalls   atomic.Uint32

	mu              sync.Mutex
	lastStateChange time.Time
	onStateChange   func(name string, from, to State)
}

// NewCircuitBreaker builds a breaker in the closed state.
func NewCircuitBreaker(config *CircuitBreakerConfig) *CircuitBreaker {
	if config == nil {
		config = DefaultCircuitBreakerConfig()
	}
	cb := &CircuitBreaker{
		name:             config.Name,
		maxFailures:      config.MaxFailures,
		resetTimeout:     config.ResetTimeout,
		halfOpenMaxCalls: config.HalfOpenMaxCalls,
		lastStateChange:  time.Now(),
		onStateChange:    config.OnStateChange,
	}
	cb.state.Store(int32(StateClosed))
	return cb
}

// Execute runs fn if the breaker admits the call and records the outcome.
// A rejected call returns an error without invoking fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !cb.admit() {
		return fmt.Errorf("circuit breaker '%s' is OPEN", cb.name)
	}
	err := fn(ctx)
	if err != nil {
		cb.recordFailure()
	} else {
		cb.recordSuccess()
	}
	return err
}

func (cb *CircuitBreaker) admit() bool {
	switch cb.GetState() {
	case StateClosed:
		return true
	case StateOpen:
		lastFailure := time.Unix(cb.lastFailureUnix.Load(), 0)
		if time.Since(lastFailure) > cb.resetTimeout {
			cb.transitionTo(StateHalfOpen)
			cb.halfOpenCalls.Add(1)
			return true
		}
		return false
	case StateHalfOpen:
		if cb.halfOpenCalls.Load() < cb.halfOpenMaxCalls {
			cb.halfOpenCalls.Add(1)
			return true
		}
		return false
	default:
		return false
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	switch cb.GetState() {
	case StateHalfOpen:
		if cb.halfOpenCalls.Load() >= cb.halfOpenMaxCalls {
			cb.transitionTo(StateClosed)
		}
	case StateClosed:
		cb.failures.Store(0)
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.lastFailureUnix.Store(time.Now().Unix())
	failures := cb.failures.Add(1)

	switch cb.GetState() {
	case StateClosed:
		if failures >= cb.maxFailures {
			cb.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		// One failed probe re-opens immediately.
		cb.transitionTo(StateOpen)
	}
}

func (cb *CircuitBreaker) transitionTo(newState State) {
	oldState := State(cb.state.Swap(int32(newState)))
	if oldState == newState {
		return
	}

	cb.mu.Lock()
	cb.lastStateChange = time.Now()
	cb.mu.Unlock()

	switch newState {
	case StateClosed:
		cb.failures.Store(0)
		cb.halfOpenCalls.Store(0)
	case StateHalfOpen, StateOpen:
		cb.halfOpenCalls.Store(0)
	}

	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, oldState, newState)
	}
}

// GetState returns the breaker's current state.
func (cb *CircuitBreaker) GetState() State {
	return State(cb.state.Load())
}

// Reset forces the breaker closed, discarding failure history.
func (cb *CircuitBreaker) Reset() {
	cb.transitionTo(StateClosed)
}
