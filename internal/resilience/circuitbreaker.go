// Package resilience keeps a failing segment store from stalling the audio
// path.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open).
// [Store] wraps a [segment.Store] with a breaker: while the backend is
// failing, writes are shed immediately instead of blocking each channel on a
// dead connection.
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

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
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

// String returns the state name used in logs and health output.
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
	// Name labels log lines.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes needed to close.
	// Default: 1.
	HalfOpenMax int

	// OnStateChange, if set, is called after every transition. It runs
	// outside the breaker's lock.
	OnStateChange func(from, to State)

	// Logger receives transition logs. Default: slog.Default().
	Logger *slog.Logger
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	onChange     func(from, to State)
	log          *slog.Logger
	now          func() time.Time

	mu         sync.Mutex
	state      State
	failures   int
	openedAt   time.Time
	probes     int
	probeWins  int
	generation uint64
}

// NewCircuitBreaker creates a [CircuitBreaker]. Zero-value fields take their
// defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		onChange:     cfg.OnStateChange,
		log:          cfg.Logger.With("breaker", cfg.Name),
		now:          time.Now,
	}
}

// Execute runs fn if the breaker allows it and records the outcome.
// Cancellation of ctx is not counted as a failure of the protected
// dependency.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	gen, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		cb.release(gen)
		return err
	}
	cb.record(gen, err)
	return err
}

// admit decides whether a call may proceed and returns the generation it
// belongs to.
func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mu.Lock()
	var from State
	changed := false
	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			cb.mu.Unlock()
			return 0, ErrCircuitOpen
		}
		from, changed = cb.state, true
		cb.setState(StateHalfOpen)
		cb.probes = 1
	case StateHalfOpen:
		if cb.probes >= cb.halfOpenMax {
			cb.mu.Unlock()
			return 0, ErrCircuitOpen
		}
		cb.probes++
	}
	gen := cb.generation
	cb.mu.Unlock()

	if changed {
		cb.notify(from, StateHalfOpen)
	}
	return gen, nil
}

// release returns an unused probe slot.
func (cb *CircuitBreaker) release(gen uint64) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if gen == cb.generation && cb.state == StateHalfOpen && cb.probes > 0 {
		cb.probes--
	}
}

func (cb *CircuitBreaker) record(gen uint64, err error) {
	cb.mu.Lock()
	if gen != cb.generation {
		// Outcome of a call admitted before the last transition.
		cb.mu.Unlock()
		return
	}
	from := cb.state
	switch {
	case err != nil && from == StateHalfOpen:
		cb.trip()
	case err != nil:
		cb.failures++
		if cb.failures >= cb.maxFailures {
			cb.trip()
		}
	case from == StateHalfOpen:
		cb.probeWins++
		if cb.probeWins >= cb.halfOpenMax {
			cb.setState(StateClosed)
		}
	default:
		cb.failures = 0
	}
	to := cb.state
	failures := cb.failures
	cb.mu.Unlock()

	if from != to {
		cb.notify(from, to)
		if to == StateOpen {
			cb.log.Warn("circuit breaker opened", "consecutive_failures", failures, "err", err)
		}
	}
}

// trip opens the breaker. Must be called with cb.mu held.
func (cb *CircuitBreaker) trip() {
	cb.setState(StateOpen)
	cb.openedAt = cb.now()
}

// setState switches state and resets the per-state counters. Must be called
// with cb.mu held.
func (cb *CircuitBreaker) setState(s State) {
	cb.state = s
	cb.generation++
	cb.probes, cb.probeWins = 0, 0
	if s != StateOpen {
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) notify(from, to State) {
	cb.log.Info("circuit breaker state change", "from", from.String(), "to", to.String())
	if cb.onChange != nil {
		cb.onChange(from, to)
	}
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.setState(StateClosed)
	cb.mu.Unlock()
	if from != StateClosed {
		cb.notify(from, StateClosed)
	}
}
