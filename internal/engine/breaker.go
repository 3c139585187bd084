package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/macdet/macdet/internal/detection"
)

type breakerState string

const (
	stateClosed   breakerState = "closed"
	stateOpen     breakerState = "open"
	stateHalfOpen breakerState = "half_open"
)

// CircuitBreaker stops calling an engine after threshold consecutive
// failures and lets one probe through once resetTimeout has elapsed.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	failures     int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        breakerState
	now          func() time.Time
}

func NewCircuitBreaker(name string, threshold int, resetTimeout time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 10 * time.Second
	}
	return &CircuitBreaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: resetTimeout,
		state:        stateClosed,
		now:          time.Now,
	}
}

func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateOpen:
		if cb.now().Sub(cb.lastFailure) > cb.resetTimeout {
			cb.state = stateHalfOpen
			return true
		}
		return false
	case stateHalfOpen:
		// one probe at a time
		return false
	default:
		return true
	}
}

func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.state = stateClosed
}

func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	cb.lastFailure = cb.now()
	if cb.state == stateHalfOpen || cb.failures >= cb.threshold {
		cb.state = stateOpen
	}
}

// State returns the current state name.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return string(cb.state)
}

type breaking struct {
	inner   detection.Engine
	breaker *CircuitBreaker
}

// WithBreaker guards e with cb. Caller cancellation does not count as a
// failure of the engine.
func WithBreaker(e detection.Engine, cb *CircuitBreaker) detection.Engine {
	if cb == nil {
		return e
	}
	return &breaking{inner: e, breaker: cb}
}

func (b *breaking) Predict(ctx context.Context, text string) (detection.Result, error) {
	if !b.breaker.Allow() {
		return detection.Result{}, fmt.Errorf("engine %s: %w", b.breaker.name, ErrCircuitOpen)
	}
	res, err := b.inner.Predict(ctx, text)
	switch {
	case err == nil:
		b.breaker.Success()
	case errors.Is(ctx.Err(), context.Canceled):
		// the caller went away; say nothing about the engine
		b.breaker.mu.Lock()
		if b.breaker.state == stateHalfOpen {
			b.breaker.state = stateOpen
		}
		b.breaker.mu.Unlock()
	default:
		b.breaker.Failure()
	}
	return res, err
}

func (b *breaking) Close(ctx context.Context) error {
	if c, ok := b.inner.(detection.Closer); ok {
		return c.Close(ctx)
	}
	return nil
}
