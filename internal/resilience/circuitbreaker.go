// Package resilience keeps the pipeline's remote collaborators from dragging
// it down when they fail.
//
// [CircuitBreaker] guards a single dependency (the confirmation server, one
// transcription backend, one recognition engine). [FallbackGroup] chains
// several interchangeable dependencies, each behind its own breaker, so that
// a dead primary is skipped without waiting on it.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/earshot/internal/clock"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until ResetTimeout has
	// passed since the last failure.
	StateOpen

	// StateHalfOpen lets up to HalfOpenMax probe calls through. Enough
	// successes close the breaker; any failure opens it again.
	StateHalfOpen
)

// String returns the state name used in logs and the status API.
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

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero values take defaults.
type CircuitBreakerConfig struct {
	// Name identifies the guarded dependency in logs.
	Name string

	// MaxFailures is the number of consecutive failures that open the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probe calls allowed while half-open, and
	// the number of successes needed to close again. Default: 3.
	HalfOpenMax int

	// Clock supplies the time. Default: [clock.Real].
	Clock clock.Clock

	// OnStateChange, if set, is called after every transition, outside the
	// breaker's lock.
	OnStateChange func(name string, from, to State)
}

// Snapshot is a point-in-time view of a breaker for status reporting.
type Snapshot struct {
	Name                string `json:"name"`
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
}

// CircuitBreaker is a closed / open / half-open breaker.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	probes    int
	probeWins int
}

// NewCircuitBreaker returns a closed breaker.
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
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &CircuitBreaker{cfg: cfg}
}

// Name returns the configured name.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Execute calls fn unless the breaker is open, and records its outcome. An
// error wrapping [context.Canceled] is not counted either way.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, trans, err := cb.admit()
	cb.notify(trans)
	if err != nil {
		return err
	}

	callErr := fn()
	if errors.Is(callErr, context.Canceled) {
		// The caller gave up; the outcome says nothing about the dependency.
		cb.mu.Lock()
		if probe {
			cb.probes--
		}
		cb.mu.Unlock()
		return callErr
	}

	cb.mu.Lock()
	var t transition
	if callErr != nil {
		t = cb.failLocked(probe)
	} else {
		t = cb.succeedLocked(probe)
	}
	cb.mu.Unlock()
	cb.notify(t)
	return callErr
}

type transition struct {
	from, to State
	changed  bool
}

func (cb *CircuitBreaker) admit() (probe bool, t transition, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.cfg.Clock.Now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			return false, t, ErrCircuitOpen
		}
		t = cb.setLocked(StateHalfOpen)
		cb.probes, cb.probeWins = 0, 0
	}
	if cb.state == StateHalfOpen {
		if cb.probes >= cb.cfg.HalfOpenMax {
			return false, t, ErrCircuitOpen
		}
		cb.probes++
		return true, t, nil
	}
	return false, t, nil
}

func (cb *CircuitBreaker) failLocked(probe bool) transition {
	cb.openedAt = cb.cfg.Clock.Now()
	if probe {
		cb.failures = cb.cfg.MaxFailures
		return cb.setLocked(StateOpen)
	}
	cb.failures++
	if cb.state == StateClosed && cb.failures >= cb.cfg.MaxFailures {
		return cb.setLocked(StateOpen)
	}
	return transition{}
}

func (cb *CircuitBreaker) succeedLocked(probe bool) transition {
	if !probe {
		cb.failures = 0
		return transition{}
	}
	cb.probeWins++
	if cb.state == StateHalfOpen && cb.probeWins >= cb.cfg.HalfOpenMax {
		cb.failures = 0
		return cb.setLocked(StateClosed)
	}
	return transition{}
}

func (cb *CircuitBreaker) setLocked(s State) transition {
	t := transition{from: cb.state, to: s, changed: cb.state != s}
	cb.state = s
	return t
}

func (cb *CircuitBreaker) notify(t transition) {
	if !t.changed {
		return
	}
	level := slog.LevelInfo
	if t.to == StateOpen {
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "circuit breaker state changed",
		"name", cb.cfg.Name, "from", t.from.String(), "to", t.to.String())
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, t.from, t.to)
	}
}

// State returns the current state. An open breaker whose reset timeout has
// passed reports [StateHalfOpen]; the transition itself happens on the next
// Execute.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cfg.Clock.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Snapshot returns the breaker's status.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	s := cb.State()
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Snapshot{Name: cb.cfg.Name, State: s.String(), ConsecutiveFailures: cb.failures}
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	t := cb.setLocked(StateClosed)
	cb.failures, cb.probes, cb.probeWins = 0, 0, 0
	cb.mu.Unlock()
	cb.notify(t)
}
