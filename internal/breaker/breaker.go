// Package breaker guards every call path into a compute instance. Each
// guarded path owns an independent circuit breaker, and every call races
// against a fixed timeout regardless of breaker state.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shellpod/shellpod/internal/errdefs"
	"github.com/sony/gobreaker/v2"
)

// CallTimeout bounds every instance RPC. There is no portable way to cancel
// the underlying call, so on timeout the call keeps running in the
// background and its result is discarded.
const CallTimeout = 5 * time.Second

const (
	tripAfterFailures = 3
	openCooldown      = 30 * time.Second
)

// ErrCallTimeout is returned when an instance call exceeds CallTimeout.
var ErrCallTimeout = errors.New("instance call timed out")

// Registry holds one breaker per guarded call path, keyed by name.
// It is explicitly injected state: construct once in main, reset only at
// well-defined boundaries such as test setup.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[any]
}

func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*gobreaker.CircuitBreaker[any])}
}

func (r *Registry) get(name string) *gobreaker.CircuitBreaker[any] {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1, // single trial call while half-open
		Timeout:     openCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= tripAfterFailures
		},
	})
	r.breakers[name] = cb
	return cb
}

// State reports the named breaker's current state. Unknown names report
// closed, matching a breaker that has never seen a call.
func (r *Registry) State(name string) gobreaker.State {
	r.mu.Lock()
	cb, ok := r.breakers[name]
	r.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}

// Reset drops all breakers. Test-harness boundary only.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers = make(map[string]*gobreaker.CircuitBreaker[any])
}

// Call runs fn through the named breaker, racing it against CallTimeout.
// A short-circuited call surfaces as errdefs.BreakerOpenError so callers
// can distinguish "dependency unavailable" from an operation failure.
func Call[T any](ctx context.Context, reg *Registry, name string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	cb := reg.get(name)

	res, err := cb.Execute(func() (any, error) {
		type outcome struct {
			v   T
			err error
		}
		ch := make(chan outcome, 1)
		go func() {
			v, err := fn(ctx)
			ch <- outcome{v, err}
		}()

		timer := time.NewTimer(CallTimeout)
		defer timer.Stop()

		select {
		case o := <-ch:
			return o.v, o.err
		case <-timer.C:
			return zero, ErrCallTimeout
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, &errdefs.BreakerOpenError{Name: name}
		}
		return zero, err
	}
	v, ok := res.(T)
	if !ok {
		return zero, nil
	}
	return v, nil
}
