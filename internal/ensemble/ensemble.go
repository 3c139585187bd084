// Package ensemble fuses the opinions of several detection engines into one
// machine-generated/human-written verdict.
//
// A fusion runs in four steps: the Dispatcher calls every member
// concurrently, each outcome is normalised to a [p_machine, p_human] pair,
// the WeightPolicy assigns weights from the request context, and a Strategy
// turns all of it into a Verdict. Everything after dispatch is pure and
// iterates members in configured order.
package ensemble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/macdet/macdet/internal/detection"
)

// LanguageDetector reports the ISO 639-1 code of a text.
type LanguageDetector interface {
	Detect(ctx context.Context, text string) (string, error)
}

// Config is the static description of an ensemble.
type Config struct {
	Members []Member
	Mode    Mode
	Policy  WeightPolicy
	// HighConfidence is the decision tree's primary override threshold.
	HighConfidence float64
	TieBreak       detection.Label
	// EngineTimeout bounds each engine call; RequestTimeout bounds the whole
	// fusion including language detection.
	EngineTimeout   time.Duration
	RequestTimeout  time.Duration
	MaxConcurrency  int
	DefaultLanguage string
}

// Ensemble is safe for concurrent use once built.
type Ensemble struct {
	members         []Member
	mode            Mode
	policy          WeightPolicy
	strategies      map[Mode]Strategy
	dispatcher      *Dispatcher
	detector        LanguageDetector
	defaultLanguage string
	requestTimeout  time.Duration
	logger          *slog.Logger
	tracer          trace.Tracer
	observer        Observer
}

// Option customises an Ensemble.
type Option func(*Ensemble)

func WithLanguageDetector(d LanguageDetector) Option {
	return func(e *Ensemble) { e.detector = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Ensemble) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Ensemble) {
		if t != nil {
			e.tracer = t
		}
	}
}

func WithObserver(o Observer) Option {
	return func(e *Ensemble) { e.observer = o }
}

// New builds an ensemble over engines resolved through lookup.
func New(cfg Config, lookup Lookup, opts ...Option) (*Ensemble, error) {
	if lookup == nil {
		return nil, errors.New("engine lookup is nil")
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeLinearPool
	}
	mode, err := ParseMode(string(cfg.Mode))
	if err != nil {
		return nil, err
	}
	cfg.Mode = mode
	if cfg.Policy.Weighting == "" {
		cfg.Policy = DefaultWeightPolicy()
	}
	if err := cfg.Policy.validate(); err != nil {
		return nil, err
	}
	if cfg.HighConfidence <= 0 {
		cfg.HighConfidence = 0.996
	}
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = "en"
	}

	seen := make(map[string]bool, len(cfg.Members))
	for _, m := range cfg.Members {
		if seen[m.Name] {
			return nil, fmt.Errorf("duplicate ensemble member %q", m.Name)
		}
		seen[m.Name] = true
	}

	e := &Ensemble{
		members: append([]Member(nil), cfg.Members...),
		mode:    cfg.Mode,
		policy:  cfg.Policy,
		strategies: map[Mode]Strategy{
			ModeDecisionTree: DecisionTree{HighConfidence: cfg.HighConfidence, DefaultGamma: cfg.Policy.DefaultGamma},
			ModeLinearPool:   LinearPool{TieBreak: cfg.TieBreak},
		},
		dispatcher:      NewDispatcher(lookup, cfg.EngineTimeout, cfg.MaxConcurrency),
		defaultLanguage: cfg.DefaultLanguage,
		requestTimeout:  cfg.RequestTimeout,
		logger:          slog.Default(),
		tracer:          noop.NewTracerProvider().Tracer(""),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.dispatcher.logger = e.logger
	e.dispatcher.tracer = e.tracer
	e.dispatcher.observer = e.observer
	return e, nil
}

// Members returns the ensemble membership in configured order.
func (e *Ensemble) Members() []Member {
	return append([]Member(nil), e.members...)
}

// Mode returns the default fusion mode.
func (e *Ensemble) Mode() Mode { return e.mode }

// Fuse classifies text with the default mode.
func (e *Ensemble) Fuse(ctx context.Context, text string) (*FusedVerdict, error) {
	return e.FuseWithMode(ctx, text, e.mode)
}

// FuseWithMode classifies text with an explicit strategy. Engine failures
// never fail the call; only ErrEmptyText and *FusionError are returned.
func (e *Ensemble) FuseWithMode(ctx context.Context, text string, mode Mode) (*FusedVerdict, error) {
	text = Preprocess(text)
	if text == "" {
		return nil, ErrEmptyText
	}
	strategy, ok := e.strategies[mode]
	if !ok {
		return nil, fmt.Errorf("unknown fusion mode %q", mode)
	}

	if e.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.requestTimeout)
		defer cancel()
	}
	ctx, span := e.tracer.Start(ctx, "ensemble.fuse", trace.WithAttributes(
		attribute.String("macdet.mode", string(mode)),
		attribute.Int("macdet.members", len(e.members)),
	))
	defer span.End()
	start := time.Now()

	req := Request{Text: text}
	langCh := make(chan string, 1)
	go func() { langCh <- e.detectLanguage(ctx, req.Text) }()

	outcomes := e.dispatcher.Dispatch(ctx, e.members, req.Text)
	req.Language = <-langCh

	in := Input{
		Outcomes:      outcomes,
		Distributions: make([]Distribution, len(outcomes)),
	}
	for i, o := range outcomes {
		in.Distributions[i] = NormalizeOutcome(o)
	}
	weights, err := e.policy.Weights(outcomes, req.Language)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	in.Weights = weights

	v, err := strategy.Fuse(in)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	out := Assemble(mode, req.Language, v, in)
	latency := time.Since(start)
	span.SetAttributes(
		attribute.String("macdet.label", string(out.Label)),
		attribute.Float64("macdet.confidence", out.Confidence),
		attribute.Bool("macdet.all_unavailable", out.AllUnavailable),
	)
	if out.AllUnavailable && len(e.members) > 0 {
		e.logger.WarnContext(ctx, "all engines unavailable; returning fallback verdict",
			"mode", mode, "label", out.Label)
	}
	e.logger.DebugContext(ctx, "fused verdict",
		"mode", mode,
		"language", req.Language,
		"label", out.Label,
		"confidence", out.Confidence,
		"latency_ms", latency.Milliseconds(),
	)
	if e.observer != nil {
		e.observer.ObserveFusion(ctx, string(mode), string(out.Label), out.AllUnavailable, latency)
	}
	return out, nil
}

func (e *Ensemble) detectLanguage(ctx context.Context, text string) string {
	if e.detector == nil {
		return e.defaultLanguage
	}
	code, err := e.detector.Detect(ctx, text)
	code = strings.ToLower(strings.TrimSpace(code))
	if err != nil || code == "" || code == "unknown" {
		e.logger.WarnContext(ctx, "language detection failed; using default",
			"default", e.defaultLanguage, "error", err)
		return e.defaultLanguage
	}
	return code
}

// Preprocess normalises line breaks to spaces and trims the text.
func Preprocess(text string) string {
	r := strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ", `\n`, " ")
	return strings.TrimSpace(r.Replace(text))
}
