package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// envOverrides are the settings operators commonly change per deployment
// without editing the YAML file.
type envOverrides struct {
	Addr            string        `env:"MACDET_ADDR"`
	FusionMode      string        `env:"MACDET_FUSION_MODE"`
	TieBreak        string        `env:"MACDET_TIE_BREAK"`
	DefaultLanguage string        `env:"MACDET_DEFAULT_LANGUAGE"`
	LanguageURL     string        `env:"MACDET_LANGUAGE_URL"`
	EngineTimeout   time.Duration `env:"MACDET_ENGINE_TIMEOUT"`
	RequestTimeout  time.Duration `env:"MACDET_REQUEST_TIMEOUT"`
	OTELEndpoint    string        `env:"MACDET_OTEL_ENDPOINT"`
	LogLevel        string        `env:"MACDET_LOG_LEVEL"`
	LogFormat       string        `env:"MACDET_LOG_FORMAT"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	var o envOverrides
	if err := ParseEnv(&o); err != nil {
		return err
	}

	setString(&cfg.Server.Addr, o.Addr)
	setString(&cfg.Ensemble.Mode, o.FusionMode)
	setString(&cfg.Ensemble.TieBreak, o.TieBreak)
	setString(&cfg.Language.Default, o.DefaultLanguage)
	setString(&cfg.Language.DetectorURL, o.LanguageURL)
	setString(&cfg.Logging.Level, o.LogLevel)
	setString(&cfg.Logging.Format, o.LogFormat)
	if o.EngineTimeout > 0 {
		cfg.Ensemble.EngineTimeout = o.EngineTimeout
	}
	if o.RequestTimeout > 0 {
		cfg.Ensemble.RequestTimeout = o.RequestTimeout
	}
	if o.OTELEndpoint != "" {
		cfg.Telemetry.Enabled = true
		cfg.Telemetry.Endpoint = o.OTELEndpoint
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
