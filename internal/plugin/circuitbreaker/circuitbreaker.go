// Package circuitbreaker tracks plugin health and stops the automaton from
// calling a plugin that keeps failing. An open circuit fails the call fast;
// the transaction is still recorded and finalized by the caller.
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the state of a plugin's circuit.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

const (
	defaultFailureThreshold         = 3
	defaultResetTimeout             = 30 * time.Second
	defaultHalfOpenSuccessThreshold = 1
)

// Config holds the breaker settings. Zero values take the defaults.
type Config struct {
	FailureThreshold         int           // consecutive failures that open the circuit
	ResetTimeout             time.Duration // time spent open before probing again
	HalfOpenSuccessThreshold int           // successes in half-open that close the circuit
}

type pluginState struct {
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	openUntil            time.Time
}

// CircuitBreaker keeps one circuit per plugin name.
type CircuitBreaker struct {
	mu      sync.Mutex
	plugins map[string]*pluginState
	cfg     Config
	now     func() time.Time
}

// NewCircuitBreaker creates a breaker, filling unset config fields with defaults.
func NewCircuitBreaker(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = defaultResetTimeout
	}
	if cfg.HalfOpenSuccessThreshold <= 0 {
		cfg.HalfOpenSuccessThreshold = defaultHalfOpenSuccessThreshold
	}
	return &CircuitBreaker{
		plugins: make(map[string]*pluginState),
		cfg:     cfg,
		now:     time.Now,
	}
}

// getState assumes cb.mu is held.
func (cb *CircuitBreaker) getState(name string) *pluginState {
	ps, ok := cb.plugins[name]
	if !ok {
		ps = &pluginState{state: StateClosed}
		cb.plugins[name] = ps
	}
	return ps
}

// AllowRequest reports whether a call to the plugin may proceed. An open
// circuit whose reset timeout elapsed moves to half-open and lets trial calls through.
func (cb *CircuitBreaker) AllowRequest(name string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	ps := cb.getState(name)
	switch ps.state {
	case StateOpen:
		if cb.now().After(ps.openUntil) {
			ps.state = StateHalfOpen
			ps.consecutiveFailures = 0
			ps.consecutiveSuccesses = 0
			return true
		}
		return false
	default:
		return true
	}
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure(name string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	ps := cb.getState(name)
	switch ps.state {
	case StateClosed:
		ps.consecutiveFailures++
		if ps.consecutiveFailures >= cb.cfg.FailureThreshold {
			cb.open(ps)
		}
	case StateHalfOpen:
		cb.open(ps)
	}
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess(name string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	ps := cb.getState(name)
	switch ps.state {
	case StateClosed:
		ps.consecutiveFailures = 0
	case StateHalfOpen:
		ps.consecutiveSuccesses++
		if ps.consecutiveSuccesses >= cb.cfg.HalfOpenSuccessThreshold {
			ps.state = StateClosed
			ps.consecutiveFailures = 0
			ps.consecutiveSuccesses = 0
		}
	}
}

// Status returns the plugin's state and consecutive failure count without
// moving it between states.
func (cb *CircuitBreaker) Status(name string) (State, int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	ps, ok := cb.plugins[name]
	if !ok {
		return StateClosed, 0
	}
	return ps.state, ps.consecutiveFailures
}

func (cb *CircuitBreaker) open(ps *pluginState) {
	ps.state = StateOpen
	ps.consecutiveFailures = cb.cfg.FailureThreshold
	ps.consecutiveSuccesses = 0
	ps.openUntil = cb.now().Add(cb.cfg.ResetTimeout)
}
