// Package resilience implements the circuit breaker guarding outbound
// dependencies (Razorpay, Safe Browsing, GLEIF) against cascading failures.
package resilience

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Normal operation, requests pass through
	StateOpen                  // Failure threshold exceeded, requests blocked
	StateHalfOpen              // Testing if the downstream recovered
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

// CircuitOpenError is returned when the breaker rejects a call without
// executing it. RetryAfter tells the caller when a probe becomes possible.
type CircuitOpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit %q open, retry after %s", e.Name, e.RetryAfter.Round(time.Millisecond))
}

// ============================================================================
// CONFIGURATION
// ============================================================================

// Config holds circuit breaker configuration.
type Config struct {
	// Name identifies this circuit breaker
	Name string

	// FailureThreshold is the number of consecutive failures that trips the
	// breaker open.
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays open before admitting
	// half-open probes.
	RecoveryTimeout time.Duration

	// HalfOpenMax is the number of concurrent probes allowed in half-open.
	HalfOpenMax int

	// OnStateChange is called whenever the circuit state changes
	OnStateChange func(name string, from State, to State)
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.OnStateChange == nil {
		cfg.OnStateChange = func(name string, from, to State) {
			log.Printf("[CircuitBreaker:%s] State change: %s -> %s", name, from, to)
		}
	}
	return cfg
}

// ============================================================================
// CIRCUIT BREAKER
// ============================================================================

// Breaker trips open after FailureThreshold consecutive failures, rejects
// calls for RecoveryTimeout, then admits up to HalfOpenMax probes. A probe
// success closes the circuit; a probe failure reopens it and restarts the
// recovery clock. The wrapped call runs outside the mutex.
type Breaker struct {
	cfg Config

	mu               sync.Mutex
	state            State
	consecutiveFails int
	openedAt         time.Time
	halfOpenInFlight int

	now func() time.Time // overridable for tests
}

// New creates a breaker, filling zero config fields with defaults.
func New(cfg Config) *Breaker {
	return &Breaker{
		cfg: cfg.withDefaults(),
		now: time.Now,
	}
}

// Name returns the circuit breaker name.
func (b *Breaker) Name() string {
	return b.cfg.Name
}

// State returns the current state, applying the open -> half-open
// transition when the recovery timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refresh(b.now())
}

// Execute runs fn if the breaker admits the call, recording the outcome.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn()
	b.after(err == nil)
	return err
}

// Do runs a value-returning call through the breaker.
func Do[T any](b *Breaker, fn func() (T, error)) (T, error) {
	var result T
	err := b.Execute(func() error {
		var callErr error
		result, callErr = fn()
		return callErr
	})
	return result, err
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.refresh(now) {
	case StateOpen:
		return &CircuitOpenError{
			Name:       b.cfg.Name,
			RetryAfter: b.cfg.RecoveryTimeout - now.Sub(b.openedAt),
		}
	case StateHalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenMax {
			return &CircuitOpenError{Name: b.cfg.Name, RetryAfter: b.cfg.RecoveryTimeout}
		}
		b.halfOpenInFlight++
	}
	return nil
}

func (b *Breaker) after(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	state := b.refresh(now)

	if success {
		switch state {
		case StateHalfOpen:
			b.setState(StateClosed, now)
		case StateClosed:
			b.consecutiveFails = 0
		}
		return
	}

	switch state {
	case StateHalfOpen:
		b.setState(StateOpen, now)
	case StateClosed:
		b.consecutiveFails++
		if b.consecutiveFails >= b.cfg.FailureThreshold {
			b.setState(StateOpen, now)
		}
	}
}

// refresh applies time-based transitions. Caller holds the mutex.
func (b *Breaker) refresh(now time.Time) State {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.cfg.RecoveryTimeout {
		b.setState(StateHalfOpen, now)
	}
	return b.state
}

// setState changes state. Caller holds the mutex.
func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state

	switch state {
	case StateOpen:
		b.openedAt = now
		b.halfOpenInFlight = 0
	case StateClosed:
		b.consecutiveFails = 0
		b.halfOpenInFlight = 0
	case StateHalfOpen:
		b.halfOpenInFlight = 0
	}

	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, prev, state)
	}
}

// Snapshot is a point-in-time view for health checks and metrics.
type Snapshot struct {
	Name                string  `json:"name"`
	State               string  `json:"state"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	RetryAfterSeconds   float64 `json:"retry_after_seconds,omitempty"`
}

// Snapshot returns the current breaker view.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	state := b.refresh(now)
	snap := Snapshot{
		Name:                b.cfg.Name,
		State:               state.String(),
		ConsecutiveFailures: b.consecutiveFails,
	}
	if state == StateOpen {
		snap.RetryAfterSeconds = (b.cfg.RecoveryTimeout - now.Sub(b.openedAt)).Seconds()
	}
	return snap
}
