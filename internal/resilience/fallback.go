package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed means no entry of a [FallbackGroup] produced a result, either
// because it failed or because its breaker was open.
var ErrAllFailed = errors.New("resilience: all providers failed")

// FallbackConfig is shared by every entry of a [FallbackGroup].
type FallbackConfig struct {
	// CircuitBreaker is the template for each entry's breaker. Its Name is
	// replaced by the entry name.
	CircuitBreaker CircuitBreakerConfig

	// Logger reports failovers. Defaults to slog.Default().
	Logger *slog.Logger
}

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// EntryStatus is one line of the readiness report.
type EntryStatus struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

// FallbackGroup is an ordered chain of interchangeable backends, typically a
// primary answer model and its stand-ins. Each backend sits behind its own
// [CircuitBreaker]. Add every entry before sharing the group.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
	log     *slog.Logger
}

// NewFallbackGroup starts a chain with primary.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg, log: cfg.Logger}
	if fg.log == nil {
		fg.log = slog.Default()
	}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a backend to the end of the chain.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	bc := fg.cfg.CircuitBreaker
	bc.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{name: name, value: fallback, breaker: NewCircuitBreaker(bc)})
}

// Len is the number of backends in the chain.
func (fg *FallbackGroup[T]) Len() int { return len(fg.entries) }

// Status lists the breaker state of each backend in chain order.
func (fg *FallbackGroup[T]) Status() []EntryStatus {
	out := make([]EntryStatus, 0, len(fg.entries))
	for _, e := range fg.entries {
		out = append(out, EntryStatus{Name: e.name, State: e.breaker.State().String()})
	}
	return out
}

// Execute runs fn like [ExecuteWithResult] when there is nothing to return.
func (fg *FallbackGroup[T]) Execute(ctx context.Context, fn func(T) error) error {
	_, err := ExecuteWithResult(ctx, fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult walks the chain until fn succeeds on a backend. Backends
// with an open breaker are skipped. A done ctx ends the walk with the
// context error. When the chain is exhausted the error wraps [ErrAllFailed]
// and the last failure.
func ExecuteWithResult[T, R any](ctx context.Context, fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		zero R
		last error
	)
	for i := range fg.entries {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		e := &fg.entries[i]

		var out R
		err := e.breaker.Execute(func() error {
			var callErr error
			out, callErr = fn(e.value)
			return callErr
		})
		switch {
		case err == nil:
			if i > 0 {
				fg.log.Info("request served by fallback", "provider", e.name, "position", i)
			}
			return out, nil
		case ctx.Err() != nil:
			return zero, err
		case errors.Is(err, ErrCircuitOpen):
			fg.log.Debug("provider skipped, breaker open", "provider", e.name)
		default:
			fg.log.Warn("provider failed", "provider", e.name, "err", err, "remaining", len(fg.entries)-i-1)
		}
		last = err
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, last)
}
