// Package telemetry wires OpenTelemetry tracing and metrics for macdet and
// records the fusion and per-engine instruments.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/macdet/macdet"

// Config controls telemetry setup.
type Config struct {
	Enabled  bool
	Endpoint string
	Protocol string // grpc | http
	Service  string
	Version  string
}

// Provider wires tracer/meter providers and exposes helpers. It satisfies
// ensemble.Observer.
type Provider struct {
	Enabled bool
	tracer  trace.Tracer
	meter   metric.Meter

	fuseRequests          metric.Int64Counter
	fuseDuration          metric.Float64Histogram
	engineDuration        metric.Float64Histogram
	engineUnavailable     metric.Int64Counter
	httpRequests          metric.Int64Counter
	shutdownTraceProvider func(context.Context) error
	shutdownMeterProvider func(context.Context) error
}

// NewProvider configures OTEL exporters + providers. When disabled, returns no-op providers.
func NewProvider(ctx context.Context, cfg Config, logger *slog.Logger) (*Provider, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Enabled {
		no := &Provider{
			tracer: tracenoop.NewTracerProvider().Tracer(""),
			meter:  metricnoop.NewMeterProvider().Meter(""),
		}
		no.initInstruments()
		return no, nil
	}

	protocol := strings.ToLower(cfg.Protocol)
	if protocol != "" && protocol != "grpc" && protocol != "http" {
		return nil, fmt.Errorf("unsupported telemetry protocol %q", cfg.Protocol)
	}
	logger.Info("telemetry enabled; periodic upload warnings are expected if no collector is listening",
		"protocol", protocol, "endpoint", cfg.Endpoint)

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			attribute.String("service.name", cfg.Service),
			attribute.String("service.version", cfg.Version),
		),
	)
	if err != nil {
		return nil, err
	}

	var spanExporter sdktrace.SpanExporter
	var metricExporter sdkmetric.Exporter
	switch protocol {
	case "", "grpc":
		spanExporter, err = otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure())
		if err != nil {
			return nil, err
		}
		metricExporter, err = otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(cfg.Endpoint), otlpmetricgrpc.WithInsecure())
	case "http":
		spanExporter, err = otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure())
		if err != nil {
			return nil, err
		}
		metricExporter, err = otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(cfg.Endpoint), otlpmetrichttp.WithInsecure())
	}
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithBatcher(spanExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
	)
	otel.SetMeterProvider(mp)

	p := &Provider{
		Enabled:               true,
		tracer:                tp.Tracer(instrumentationName),
		meter:                 mp.Meter(instrumentationName),
		shutdownTraceProvider: tp.Shutdown,
		shutdownMeterProvider: mp.Shutdown,
	}
	p.initInstruments()
	return p, nil
}

// newWithMeterProvider builds a provider recording into mp without any
// exporter.
func newWithMeterProvider(mp *sdkmetric.MeterProvider) *Provider {
	p := &Provider{
		Enabled:               true,
		tracer:                tracenoop.NewTracerProvider().Tracer(""),
		meter:                 mp.Meter(instrumentationName),
		shutdownMeterProvider: mp.Shutdown,
	}
	p.initInstruments()
	return p
}

func (p *Provider) initInstruments() {
	if p == nil {
		return
	}
	// Instrument errors are ignored to keep telemetry best-effort.
	p.fuseRequests, _ = p.meter.Int64Counter("macdet_fuse_requests_total",
		metric.WithDescription("Fusions by mode and final label."))
	p.fuseDuration, _ = p.meter.Float64Histogram("macdet_fuse_duration_ms",
		metric.WithUnit("ms"))
	p.engineDuration, _ = p.meter.Float64Histogram("macdet_engine_duration_ms",
		metric.WithUnit("ms"))
	p.engineUnavailable, _ = p.meter.Int64Counter("macdet_engine_unavailable_total",
		metric.WithDescription("Engine calls that produced no usable result, by reason."))
	p.httpRequests, _ = p.meter.Int64Counter("macdet_http_requests_total")
}

// Tracer returns the tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil {
		return tracenoop.NewTracerProvider().Tracer("")
	}
	return p.tracer
}

// Meter returns the meter.
func (p *Provider) Meter() metric.Meter {
	if p == nil {
		return metricnoop.NewMeterProvider().Meter("")
	}
	return p.meter
}

// Shutdown flushes providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.shutdownTraceProvider != nil {
		errs = append(errs, p.shutdownTraceProvider(ctx))
	}
	if p.shutdownMeterProvider != nil {
		errs = append(errs, p.shutdownMeterProvider(ctx))
	}
	return errors.Join(errs...)
}

// ObserveEngine records one engine call. outcome is "ok" or the
// unavailable reason.
func (p *Provider) ObserveEngine(ctx context.Context, engine, outcome string, latency time.Duration) {
	if p == nil {
		return
	}
	p.engineDuration.Record(ctx, ms(latency), metric.WithAttributes(
		attribute.String("engine", engine),
		attribute.String("outcome", outcome),
	))
	if outcome != "ok" {
		p.engineUnavailable.Add(ctx, 1, metric.WithAttributes(
			attribute.String("engine", engine),
			attribute.String("reason", outcome),
		))
	}
}

// ObserveFusion records one completed fusion.
func (p *Provider) ObserveFusion(ctx context.Context, mode, label string, allUnavailable bool, latency time.Duration) {
	if p == nil {
		return
	}
	p.fuseRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.String("label", label),
		attribute.Bool("all_unavailable", allUnavailable),
	))
	p.fuseDuration.Record(ctx, ms(latency), metric.WithAttributes(attribute.String("mode", mode)))
}

// RecordHTTP counts one API response by route and status.
func (p *Provider) RecordHTTP(ctx context.Context, route string, status int) {
	if p == nil {
		return
	}
	p.httpRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("route", route),
		attribute.Int("status", status),
	))
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
