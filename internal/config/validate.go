package config

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"

	"github.com/macdet/macdet/internal/detection"
	"github.com/macdet/macdet/internal/ensemble"
	"github.com/macdet/macdet/internal/langdetect"
)

// Validate checks the loaded config for required fields and safe values.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	if strings.TrimSpace(cfg.Server.Addr) == "" {
		return errors.New("server.addr must be set")
	}
	if cfg.Server.MaxRequestBodyBytes < 0 {
		return errors.New("server.max_request_body_bytes must not be negative")
	}
	if cfg.Server.RateLimitRPS < 0 || cfg.Server.RateLimitBurst < 0 {
		return errors.New("server.rate_limit_rps and rate_limit_burst must not be negative")
	}

	if err := validateEnsembleConfig(cfg.Ensemble); err != nil {
		return err
	}

	if err := validateLanguageConfig(cfg.Language); err != nil {
		return err
	}

	if err := validateTelemetryConfig(cfg.Telemetry); err != nil {
		return err
	}

	return validateLoggingConfig(cfg.Logging)
}

func validateEnsembleConfig(e EnsembleConfig) error {
	if len(e.Members) == 0 {
		return errors.New("at least one ensemble member must be configured")
	}

	seen := map[string]bool{}
	kinds := map[detection.Kind]string{}
	for i, m := range e.Members {
		if err := validateMemberConfig(i, m); err != nil {
			return err
		}
		if seen[m.Name] {
			return fmt.Errorf("ensemble member %q is configured twice", m.Name)
		}
		seen[m.Name] = true

		kind, _ := detection.ParseKind(m.Kind)
		if kind == detection.KindSecondaryLanguage {
			continue
		}
		if prev, ok := kinds[kind]; ok {
			return fmt.Errorf("ensemble members %q and %q are both %s; only one is allowed", prev, m.Name, kind)
		}
		kinds[kind] = m.Name
	}

	if _, err := ensemble.ParseMode(e.Mode); err != nil {
		return fmt.Errorf("ensemble.mode: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(e.Weighting)) {
	case string(ensemble.WeightingStatic), string(ensemble.WeightingSelf):
	default:
		return fmt.Errorf("ensemble.weighting must be static or self, got %q", e.Weighting)
	}
	if e.HighConfidenceThreshold <= 0 || e.HighConfidenceThreshold > 1 {
		return fmt.Errorf("ensemble.high_confidence_threshold must be in (0,1], got %v", e.HighConfidenceThreshold)
	}
	if e.DefaultGamma <= 0 || e.DefaultGamma >= 1 {
		return fmt.Errorf("ensemble.default_gamma must be in (0,1), got %v", e.DefaultGamma)
	}
	if _, err := ParseTieBreak(e.TieBreak); err != nil {
		return err
	}
	if e.EngineTimeout < 0 || e.RequestTimeout < 0 {
		return errors.New("ensemble timeouts must not be negative")
	}
	if e.MaxConcurrency < 0 {
		return errors.New("ensemble.max_concurrency must not be negative")
	}
	if e.BreakerThreshold < 0 {
		return errors.New("ensemble.breaker_threshold must not be negative")
	}
	for name, f := range map[string]float64{
		"watermark_significant":   e.Factors.WatermarkSignificant,
		"watermark_insignificant": e.Factors.WatermarkInsignificant,
		"foreign_language":        e.Factors.ForeignLanguage,
		"home_language":           e.Factors.HomeLanguage,
	} {
		if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
			return fmt.Errorf("ensemble.weight_factors.%s must be a non-negative number, got %v", name, f)
		}
	}
	return nil
}

func validateMemberConfig(i int, m MemberConfig) error {
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("ensemble member %d missing name", i)
	}
	if _, err := detection.ParseKind(m.Kind); err != nil {
		return fmt.Errorf("ensemble member %q: %w", m.Name, err)
	}
	if strings.TrimSpace(m.BaseURL) == "" {
		return fmt.Errorf("ensemble member %q missing base_url", m.Name)
	}
	u, err := url.Parse(m.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("ensemble member %q has invalid base_url", m.Name)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("ensemble member %q base_url must be http or https", m.Name)
	}
	if math.IsNaN(m.BaseWeight) || math.IsInf(m.BaseWeight, 0) || m.BaseWeight < 0 {
		return fmt.Errorf("ensemble member %q base_weight must be a non-negative number", m.Name)
	}
	if m.Retries < 0 || m.Retries > 5 {
		return fmt.Errorf("ensemble member %q retries must be between 0 and 5", m.Name)
	}
	if m.Timeout < 0 {
		return fmt.Errorf("ensemble member %q timeout must not be negative", m.Name)
	}
	return nil
}

// ParseTieBreak maps the tie_break setting to the label ties resolve to.
func ParseTieBreak(s string) (detection.Label, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "machine", string(detection.LabelMachine):
		return detection.LabelMachine, nil
	case "human", string(detection.LabelHuman):
		return detection.LabelHuman, nil
	default:
		return "", fmt.Errorf("ensemble.tie_break must be machine or human, got %q", s)
	}
}

func validateLanguageConfig(l LanguageConfig) error {
	if _, err := langdetect.Canonical(l.Default); err != nil {
		return fmt.Errorf("language.default: %w", err)
	}
	if _, err := langdetect.Canonical(l.Home); err != nil {
		return fmt.Errorf("language.home: %w", err)
	}
	for _, s := range l.Supported {
		if _, err := langdetect.Canonical(s); err != nil {
			return fmt.Errorf("language.supported: %w", err)
		}
	}
	if l.DetectorURL != "" {
		u, err := url.Parse(l.DetectorURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return errors.New("language.detector_url is invalid")
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return errors.New("language.detector_url must be http or https")
		}
	}
	return nil
}

func validateTelemetryConfig(t TelemetryConfig) error {
	if !t.Enabled {
		return nil
	}
	if strings.TrimSpace(t.Endpoint) == "" {
		return errors.New("telemetry enabled but endpoint is empty")
	}
	if t.Protocol != "" {
		switch strings.ToLower(strings.TrimSpace(t.Protocol)) {
		case "grpc", "http":
		default:
			return fmt.Errorf("telemetry.protocol must be grpc or http, got %q", t.Protocol)
		}
	}
	return nil
}

func validateLoggingConfig(l LoggingConfig) error {
	switch strings.ToLower(l.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", l.Level)
	}
	switch strings.ToLower(l.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", l.Format)
	}
	return nil
}
