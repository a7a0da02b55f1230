package resilience

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrAllFailed is returned when no entry of a [FallbackGroup] produced a
// result. The per-entry errors are joined onto it.
var ErrAllFailed = errors.New("resilience: all providers failed")

// FallbackConfig is applied to the breaker of every entry in a
// [FallbackGroup]. The breaker name is taken from the entry.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type entry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds interchangeable providers in preference order. Each has
// its own [CircuitBreaker]; entries whose breaker is open are skipped.
type FallbackGroup[T any] struct {
	cfg FallbackConfig

	mu      sync.RWMutex
	entries []entry[T]
}

// NewFallbackGroup returns a group whose first entry is primary.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends v after the entries already registered.
func (fg *FallbackGroup[T]) AddFallback(name string, v T) {
	bc := fg.cfg.CircuitBreaker
	bc.Name = name
	fg.mu.Lock()
	fg.entries = append(fg.entries, entry[T]{name: name, value: v, breaker: NewCircuitBreaker(bc)})
	fg.mu.Unlock()
}

// Len returns the number of entries.
func (fg *FallbackGroup[T]) Len() int {
	fg.mu.RLock()
	defer fg.mu.RUnlock()
	return len(fg.entries)
}

// Snapshots returns the breaker status of every entry in order.
func (fg *FallbackGroup[T]) Snapshots() []Snapshot {
	fg.mu.RLock()
	defer fg.mu.RUnlock()
	out := make([]Snapshot, len(fg.entries))
	for i, e := range fg.entries {
		out[i] = e.breaker.Snapshot()
	}
	return out
}

// Execute calls fn with each entry in turn until one returns nil.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult is Execute for calls that produce a value.
func ExecuteWithResult[T, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	fg.mu.RLock()
	entries := append([]entry[T](nil), fg.entries...)
	fg.mu.RUnlock()

	var errs []error
	for _, e := range entries {
		var out R
		err := e.breaker.Execute(func() error {
			var callErr error
			out, callErr = fn(e.value)
			return callErr
		})
		if err == nil {
			return out, nil
		}
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("provider skipped, circuit open", "provider", e.name)
		} else {
			slog.Warn("provider failed, trying next", "provider", e.name, "err", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
	}
	var zero R
	return zero, errors.Join(append([]error{ErrAllFailed}, errs...)...)
}
