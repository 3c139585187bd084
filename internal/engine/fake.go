package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/macdet/macdet/internal/detection"
)

// Fake is an in-memory engine for tests and benchmarks.
type Fake struct {
	Result detection.Result
	Error  error
	// Delay is honoured against the caller's context.
	Delay time.Duration
	// Panic makes Predict panic with this value.
	Panic any
	// Fn, when set, replaces the canned Result/Error.
	Fn func(ctx context.Context, text string) (detection.Result, error)

	calls  atomic.Int64
	closed atomic.Bool
}

func NewFake(res detection.Result) *Fake {
	return &Fake{Result: res}
}

func (f *Fake) Predict(ctx context.Context, text string) (detection.Result, error) {
	f.calls.Add(1)
	if f.Delay > 0 {
		timer := time.NewTimer(f.Delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return detection.Result{}, ctx.Err()
		}
	}
	if f.Panic != nil {
		panic(f.Panic)
	}
	if f.Fn != nil {
		return f.Fn(ctx, text)
	}
	if f.Error != nil {
		return detection.Result{}, f.Error
	}
	return f.Result, nil
}

func (f *Fake) Close(context.Context) error {
	f.closed.Store(true)
	return nil
}

// Calls returns how many times Predict ran.
func (f *Fake) Calls() int64 { return f.calls.Load() }

// Closed reports whether Close was called.
func (f *Fake) Closed() bool { return f.closed.Load() }
