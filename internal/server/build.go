package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/macdet/macdet/internal/config"
	"github.com/macdet/macdet/internal/detection"
	"github.com/macdet/macdet/internal/engine"
	"github.com/macdet/macdet/internal/ensemble"
	"github.com/macdet/macdet/internal/langdetect"
	"github.com/macdet/macdet/internal/registry"
	"github.com/macdet/macdet/internal/telemetry"
)

// Components are the long-lived objects built from configuration. The
// registry is sealed before the ensemble sees it.
type Components struct {
	Ensemble *ensemble.Ensemble
	Registry *registry.Registry
	Breakers map[string]*engine.CircuitBreaker
	Language *langdetect.Remote
}

// Build wires remote engines, the registry, the language detector and the
// ensemble from cfg. cfg must have passed config.Validate.
func Build(cfg *config.Config, tel *telemetry.Provider, logger *slog.Logger) (*Components, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ec := cfg.Ensemble

	c := &Components{
		Registry: registry.New(),
		Breakers: map[string]*engine.CircuitBreaker{},
	}
	members := make([]ensemble.Member, 0, len(ec.Members))
	for _, m := range ec.Members {
		kind, err := detection.ParseKind(m.Kind)
		if err != nil {
			return nil, fmt.Errorf("engine %q: %w", m.Name, err)
		}
		eng := buildEngine(m, ec, logger)
		if ec.BreakerThreshold > 0 {
			cb := engine.NewCircuitBreaker(m.Name, ec.BreakerThreshold, ec.BreakerCooldown)
			c.Breakers[m.Name] = cb
			eng = engine.WithBreaker(eng, cb)
		}
		if err := c.Registry.Register(m.Name, eng); err != nil {
			return nil, err
		}
		members = append(members, ensemble.Member{Name: m.Name, Kind: kind, BaseWeight: m.BaseWeight, Timeout: m.Timeout})
	}
	c.Registry.Seal()

	tieBreak, err := config.ParseTieBreak(ec.TieBreak)
	if err != nil {
		return nil, err
	}
	home, err := langdetect.Canonical(cfg.Language.Home)
	if err != nil {
		return nil, fmt.Errorf("language.home: %w", err)
	}
	defaultLanguage, err := langdetect.Canonical(cfg.Language.Default)
	if err != nil {
		return nil, fmt.Errorf("language.default: %w", err)
	}

	opts := []ensemble.Option{ensemble.WithLogger(logger)}
	if tel != nil {
		opts = append(opts, ensemble.WithTracer(tel.Tracer()), ensemble.WithObserver(tel))
	}
	if cfg.Language.DetectorURL != "" {
		c.Language = langdetect.NewRemote(cfg.Language.DetectorURL, cfg.Language.Timeout)
		var d ensemble.LanguageDetector = c.Language
		if len(cfg.Language.Supported) > 0 {
			d = langdetect.Restrict(c.Language, cfg.Language.Supported)
		}
		opts = append(opts, ensemble.WithLanguageDetector(d))
	}

	c.Ensemble, err = ensemble.New(ensemble.Config{
		Members: members,
		Mode:    ensemble.Mode(ec.Mode),
		Policy: ensemble.WeightPolicy{
			Weighting:              ensemble.Weighting(strings.ToLower(ec.Weighting)),
			DefaultGamma:           ec.DefaultGamma,
			HomeLanguage:           home,
			WatermarkSignificant:   ec.Factors.WatermarkSignificant,
			WatermarkInsignificant: ec.Factors.WatermarkInsignificant,
			ForeignLanguage:        ec.Factors.ForeignLanguage,
			HomeLanguageFactor:     ec.Factors.HomeLanguage,
		},
		HighConfidence:  ec.HighConfidenceThreshold,
		TieBreak:        tieBreak,
		EngineTimeout:   ec.EngineTimeout,
		RequestTimeout:  ec.RequestTimeout,
		MaxConcurrency:  ec.MaxConcurrency,
		DefaultLanguage: defaultLanguage,
	}, c.Registry, opts...)
	if err != nil {
		return nil, err
	}

	logger.Info("ensemble ready",
		"engines", c.Registry.Names(),
		"mode", c.Ensemble.Mode(),
		"language_detection", c.Language != nil,
	)
	return c, nil
}

func buildEngine(m config.MemberConfig, ec config.EnsembleConfig, logger *slog.Logger) detection.Engine {
	apiKey := ""
	if m.APIKeyEnv != "" {
		apiKey = os.Getenv(m.APIKeyEnv)
		if apiKey == "" {
			logger.Warn("engine api key environment variable is empty", "engine", m.Name, "env", m.APIKeyEnv)
		}
	}
	timeout := m.Timeout
	if timeout == 0 {
		timeout = ec.EngineTimeout
	}

	var eng detection.Engine = engine.NewRemote(m.Name, m.BaseURL, apiKey, timeout, ec.MaxResponseBytes)
	return engine.WithRetry(eng, engine.RetryPolicy{
		MaxRetries: m.Retries,
		BaseDelay:  ec.RetryBackoff,
		MaxDelay:   4 * ec.RetryBackoff,
	}, func(attempt int, err error) {
		logger.Info("retrying engine", "engine", m.Name, "attempt", attempt, "error", err)
	})
}

// Warmup runs one fusion so connections and engine models are hot before
// traffic arrives. Failures are logged, never fatal.
func (c *Components) Warmup(ctx context.Context, text string, logger *slog.Logger) {
	if strings.TrimSpace(text) == "" {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	out, err := c.Ensemble.Fuse(ctx, text)
	if err != nil {
		logger.Warn("warmup fusion failed", "error", err)
		return
	}
	var down []string
	for _, rep := range out.PerEngine {
		if !rep.Available {
			down = append(down, rep.Name+"="+string(rep.Reason))
		}
	}
	logger.Info("warmup complete", "label", out.Label, "unavailable", down)
}

// Close releases everything Build created: engines in reverse registration
// order, then the language detector's connections.
func (c *Components) Close(ctx context.Context) error {
	err := c.Registry.Teardown(ctx)
	if c.Language != nil {
		c.Language.Close()
	}
	return err
}
