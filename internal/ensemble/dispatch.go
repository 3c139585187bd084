package ensemble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/macdet/macdet/internal/detection"
	"github.com/macdet/macdet/internal/redact"
)

// Lookup resolves engine names. *registry.Registry satisfies it.
type Lookup interface {
	Get(name string) (detection.Engine, error)
}

// Observer receives one call per dispatched engine and one per fusion.
type Observer interface {
	ObserveEngine(ctx context.Context, engine, outcome string, latency time.Duration)
	ObserveFusion(ctx context.Context, mode, label string, allUnavailable bool, latency time.Duration)
}

// Dispatcher fans a text out to the ensemble members concurrently. Every
// engine is its own failure domain; the returned outcomes are always in
// member order.
type Dispatcher struct {
	engines        Lookup
	timeout        time.Duration
	maxConcurrency int
	logger         *slog.Logger
	tracer         trace.Tracer
	observer       Observer
}

func NewDispatcher(engines Lookup, timeout time.Duration, maxConcurrency int) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		engines:        engines,
		timeout:        timeout,
		maxConcurrency: maxConcurrency,
		logger:         slog.Default(),
		tracer:         noop.NewTracerProvider().Tracer(""),
	}
}

// Dispatch runs every member and joins all calls before returning.
func (d *Dispatcher) Dispatch(ctx context.Context, members []Member, text string) []Outcome {
	outcomes := make([]Outcome, len(members))

	var g errgroup.Group
	if d.maxConcurrency > 0 {
		g.SetLimit(d.maxConcurrency)
	}
	for i, m := range members {
		eng, err := d.engines.Get(m.Name)
		if err != nil {
			outcomes[i] = unavailable(m, ReasonNotRegistered, err.Error())
			d.observe(ctx, outcomes[i])
			continue
		}
		g.Go(func() error {
			outcomes[i] = d.call(ctx, m, eng, text)
			d.observe(ctx, outcomes[i])
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

type callResult struct {
	res detection.Result
	err error
}

func (d *Dispatcher) call(ctx context.Context, m Member, eng detection.Engine, text string) Outcome {
	ctx, span := d.tracer.Start(ctx, "engine.predict", trace.WithAttributes(
		attribute.String("macdet.engine", m.Name),
		attribute.String("macdet.engine_kind", string(m.Kind)),
	))
	defer span.End()

	timeout := d.timeout
	if m.Timeout > 0 {
		timeout = m.Timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callResult{err: fmt.Errorf("engine panicked: %v", r)}
			}
		}()
		res, err := eng.Predict(callCtx, text)
		done <- callResult{res: res, err: err}
	}()

	var cr callResult
	select {
	case cr = <-done:
	case <-callCtx.Done():
		// The engine ignored its context; leave it behind.
		cr = callResult{err: callCtx.Err()}
	}

	out := classify(m, cr, callCtx.Err())
	out.Latency = time.Since(start)
	if !out.Available() {
		span.SetStatus(codes.Error, string(out.Reason))
		d.logger.WarnContext(ctx, "engine unavailable",
			"engine", m.Name,
			"reason", out.Reason,
			"detail", out.Detail,
			"latency_ms", out.Latency.Milliseconds(),
		)
	}
	span.SetAttributes(attribute.String("macdet.outcome", outcomeName(out)))
	return out
}

func classify(m Member, cr callResult, ctxErr error) Outcome {
	if cr.err != nil {
		if errors.Is(cr.err, context.DeadlineExceeded) || errors.Is(ctxErr, context.DeadlineExceeded) {
			return unavailable(m, ReasonTimeout, redact.String(cr.err.Error()))
		}
		if errors.Is(cr.err, detection.ErrMalformed) {
			return unavailable(m, ReasonMalformed, redact.String(cr.err.Error()))
		}
		return unavailable(m, ReasonDetectionFailed, redact.String(cr.err.Error()))
	}
	if cr.res.Err != "" {
		return unavailable(m, ReasonDetectionFailed, redact.String(cr.res.Err))
	}
	if err := cr.res.Validate(); err != nil {
		return unavailable(m, ReasonMalformed, err.Error())
	}
	return Outcome{Member: m, Result: cr.res}
}

func (d *Dispatcher) observe(ctx context.Context, o Outcome) {
	if d.observer == nil {
		return
	}
	d.observer.ObserveEngine(ctx, o.Member.Name, outcomeName(o), o.Latency)
}

func outcomeName(o Outcome) string {
	if o.Available() {
		return "ok"
	}
	return string(o.Reason)
}
