// Package resilience keeps earshot answering when an LLM backend misbehaves.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open) that
// stops hammering a backend after consecutive failures. [FallbackGroup] puts a
// breaker in front of each configured backend and walks them in order, and
// [LLMFallback] exposes such a group as an ordinary [llm.Provider].
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker is
// open and the reset timeout has not elapsed.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. Enough
	// successes close the breaker; any failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
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

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels log lines and state change notifications.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes needed to close the
	// breaker again. Default: 3.
	HalfOpenMax int

	// OnStateChange, if set, is called after every transition with the lock
	// released.
	OnStateChange func(name string, to State)

	// Now replaces time.Now in tests.
	Now func() time.Time
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	name          string
	maxFailures   int
	resetTimeout  time.Duration
	halfOpenMax   int
	onStateChange func(string, State)
	now           func() time.Time

	mu               sync.Mutex
	state            State
	consecutiveFails int
	openedAt         time.Time
	probes           int
	probeSuccesses   int
}

// NewCircuitBreaker creates a [CircuitBreaker]. Zero-value config fields are
// replaced with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		resetTimeout:  cfg.ResetTimeout,
		halfOpenMax:   cfg.HalfOpenMax,
		onStateChange: cfg.OnStateChange,
		now:           cfg.Now,
	}
}

// Execute runs fn if the breaker allows it and records the outcome.
//
// Context cancellation and deadline errors are returned unchanged but are
// not counted as failures: a caller giving up says nothing about the backend.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	var changed []State
	if cb.state == StateOpen {
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		changed = append(changed, cb.transition(StateHalfOpen))
	}
	probing := cb.state == StateHalfOpen
	if probing {
		if cb.probes >= cb.halfOpenMax {
			cb.mu.Unlock()
			cb.notify(changed)
			return ErrCircuitOpen
		}
		cb.probes++
	}
	cb.mu.Unlock()
	cb.notify(changed)

	err := fn()

	cb.mu.Lock()
	changed = changed[:0]
	switch {
	case err == nil:
		changed = cb.recordSuccess(probing, changed)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		if probing && cb.state == StateHalfOpen {
			cb.probes--
		}
	default:
		changed = cb.recordFailure(probing, changed)
	}
	cb.mu.Unlock()
	cb.notify(changed)
	return err
}

// recordFailure must be called with cb.mu held.
func (cb *CircuitBreaker) recordFailure(probing bool, changed []State) []State {
	if probing && cb.state == StateHalfOpen {
		cb.consecutiveFails = cb.maxFailures
		return append(changed, cb.transition(StateOpen))
	}
	if cb.state != StateClosed {
		return changed
	}
	cb.consecutiveFails++
	if cb.consecutiveFails >= cb.maxFailures {
		changed = append(changed, cb.transition(StateOpen))
	}
	return changed
}

// recordSuccess must be called with cb.mu held.
func (cb *CircuitBreaker) recordSuccess(probing bool, changed []State) []State {
	if !probing {
		cb.consecutiveFails = 0
		return changed
	}
	cb.probeSuccesses++
	if cb.state == StateHalfOpen && cb.probeSuccesses >= cb.halfOpenMax {
		changed = append(changed, cb.transition(StateClosed))
	}
	return changed
}

// transition switches state and resets the counters that belong to the new
// state. It must be called with cb.mu held and returns the new state.
func (cb *CircuitBreaker) transition(to State) State {
	cb.state = to
	switch to {
	case StateOpen:
		cb.openedAt = cb.now()
	case StateHalfOpen:
		cb.probes, cb.probeSuccesses = 0, 0
	case StateClosed:
		cb.consecutiveFails, cb.probes, cb.probeSuccesses = 0, 0, 0
	}
	return to
}

// notify logs and reports transitions. It must be called without cb.mu held.
func (cb *CircuitBreaker) notify(changed []State) {
	for _, to := range changed {
		if to == StateOpen {
			slog.Warn("circuit breaker opened", "name", cb.name)
		} else {
			slog.Info("circuit breaker state changed", "name", cb.name, "state", to)
		}
		if cb.onStateChange != nil {
			cb.onStateChange(cb.name, to)
		}
	}
}

// State returns the current [State]. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the actual transition happens on the next
// [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to [StateClosed].
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	prev := cb.state
	cb.transition(StateClosed)
	cb.mu.Unlock()
	if prev != StateClosed {
		cb.notify([]State{StateClosed})
	}
}
