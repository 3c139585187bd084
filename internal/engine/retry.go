package engine

import (
	"context"
	"errors"
	"time"

	"github.com/macdet/macdet/internal/detection"
)

// RetryPolicy bounds the retries of a single engine call. Delay for attempt n
// (n >= 1) is BaseDelay * 2^(n-1), capped at MaxDelay.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Backoff returns the wait before retry attempt n.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt <= 0 || p.BaseDelay <= 0 {
		return 0
	}
	shift := attempt - 1
	if shift > 20 {
		shift = 20
	}
	d := p.BaseDelay << shift
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

type retrying struct {
	inner   detection.Engine
	policy  RetryPolicy
	onRetry func(attempt int, err error)
}

// WithRetry retries transient failures of e. Malformed results, engine
// reported errors, 4xx responses and caller cancellation are not retried.
func WithRetry(e detection.Engine, p RetryPolicy, onRetry func(attempt int, err error)) detection.Engine {
	if p.MaxRetries <= 0 {
		return e
	}
	return &retrying{inner: e, policy: p, onRetry: onRetry}
}

func (r *retrying) Predict(ctx context.Context, text string) (detection.Result, error) {
	var lastErr error
	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			if r.onRetry != nil {
				r.onRetry(attempt, lastErr)
			}
			timer := time.NewTimer(r.policy.Backoff(attempt))
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return detection.Result{}, ctx.Err()
			}
		}

		res, err := r.inner.Predict(ctx, text)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !Retryable(ctx, err) {
			return detection.Result{}, err
		}
	}
	return detection.Result{}, lastErr
}

func (r *retrying) Close(ctx context.Context) error {
	if c, ok := r.inner.(detection.Closer); ok {
		return c.Close(ctx)
	}
	return nil
}

// Retryable classifies an engine error as transient.
func Retryable(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	if errors.Is(err, detection.ErrMalformed) || errors.Is(err, ErrEngineReported) || errors.Is(err, ErrCircuitOpen) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return true
}
