package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds macdet configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Ensemble  EnsembleConfig  `yaml:"ensemble"`
	Language  LanguageConfig  `yaml:"language"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Addr                string        `yaml:"addr"` // HTTP listen address, e.g. ":8080"
	MaxRequestBodyBytes int64         `yaml:"max_request_body_bytes"`
	ReadTimeout         time.Duration `yaml:"read_timeout"`
	WriteTimeout        time.Duration `yaml:"write_timeout"`
	IdleTimeout         time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`
	RateLimitRPS        float64       `yaml:"rate_limit_rps"` // per client IP; 0 disables
	RateLimitBurst      int           `yaml:"rate_limit_burst"`
}

// MemberConfig describes one remote detection engine. Order in the members
// list is the ensemble order.
type MemberConfig struct {
	Name       string        `yaml:"name"`
	Kind       string        `yaml:"kind"`     // primary | secondary_language | watermark
	BaseURL    string        `yaml:"base_url"` // engine serves POST {base_url}/infer
	BaseWeight float64       `yaml:"base_weight"`
	APIKeyEnv  string        `yaml:"api_key_env"`
	Timeout    time.Duration `yaml:"timeout"` // overrides ensemble.engine_timeout for this member
	Retries    int           `yaml:"retries"`
}

type EnsembleConfig struct {
	Members                 []MemberConfig `yaml:"members"`
	Mode                    string         `yaml:"mode"`      // decision_tree | linear_pool
	Weighting               string         `yaml:"weighting"` // static | self
	HighConfidenceThreshold float64        `yaml:"high_confidence_threshold"`
	DefaultGamma            float64        `yaml:"default_gamma"`
	TieBreak                string         `yaml:"tie_break"` // machine | human
	EngineTimeout           time.Duration  `yaml:"engine_timeout"`
	RequestTimeout          time.Duration  `yaml:"request_timeout"`
	MaxConcurrency          int            `yaml:"max_concurrency"`
	MaxResponseBytes        int64          `yaml:"max_response_bytes"`
	RetryBackoff            time.Duration  `yaml:"retry_backoff"`
	BreakerThreshold        int            `yaml:"breaker_threshold"` // 0 disables the circuit breaker
	BreakerCooldown         time.Duration  `yaml:"breaker_cooldown"`
	WarmupText              string         `yaml:"warmup_text"`
	Factors                 WeightFactors  `yaml:"weight_factors"`
}

// WeightFactors are the multipliers applied per engine kind. Each factor left
// at zero takes its default on its own; drop a member to silence it.
type WeightFactors struct {
	WatermarkSignificant   float64 `yaml:"watermark_significant"`
	WatermarkInsignificant float64 `yaml:"watermark_insignificant"`
	ForeignLanguage        float64 `yaml:"foreign_language"`
	HomeLanguage           float64 `yaml:"home_language"`
}

type LanguageConfig struct {
	DetectorURL string        `yaml:"detector_url"` // empty disables detection
	Default     string        `yaml:"default"`
	Home        string        `yaml:"home"` // language the primary engine is tuned for
	Supported   []string      `yaml:"supported"`
	Timeout     time.Duration `yaml:"timeout"`
}

type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Protocol string `yaml:"protocol"` // grpc | http
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load reads configuration from a YAML file and applies environment
// overrides. If the file doesn't exist, defaults plus overrides are used.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var fromFile Config
		if err := yaml.Unmarshal(data, &fromFile); err != nil {
			return nil, err
		}
		cfg = &fromFile
	case !os.IsNotExist(err):
		return nil, err
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	return cfg, nil
}

func defaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.MaxRequestBodyBytes == 0 {
		cfg.Server.MaxRequestBodyBytes = 1 << 20
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 120 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Server.RateLimitRPS > 0 && cfg.Server.RateLimitBurst == 0 {
		cfg.Server.RateLimitBurst = int(cfg.Server.RateLimitRPS) + 1
	}

	e := &cfg.Ensemble
	if e.Mode == "" {
		e.Mode = "linear_pool"
	}
	if e.Weighting == "" {
		e.Weighting = "static"
	}
	if e.HighConfidenceThreshold == 0 {
		e.HighConfidenceThreshold = 0.996
	}
	if e.DefaultGamma == 0 {
		e.DefaultGamma = 0.25
	}
	if e.TieBreak == "" {
		e.TieBreak = "machine"
	}
	if e.EngineTimeout == 0 {
		e.EngineTimeout = 10 * time.Second
	}
	if e.RequestTimeout == 0 {
		e.RequestTimeout = 30 * time.Second
	}
	if e.MaxResponseBytes == 0 {
		e.MaxResponseBytes = 1 << 20
	}
	if e.RetryBackoff == 0 {
		e.RetryBackoff = 200 * time.Millisecond
	}
	if e.BreakerCooldown == 0 {
		e.BreakerCooldown = 30 * time.Second
	}
	if e.Factors.WatermarkSignificant == 0 {
		e.Factors.WatermarkSignificant = 1.5
	}
	if e.Factors.WatermarkInsignificant == 0 {
		e.Factors.WatermarkInsignificant = 0.7
	}
	if e.Factors.ForeignLanguage == 0 {
		e.Factors.ForeignLanguage = 1.5
	}
	if e.Factors.HomeLanguage == 0 {
		e.Factors.HomeLanguage = 0.4
	}

	if cfg.Language.Default == "" {
		cfg.Language.Default = "en"
	}
	if cfg.Language.Home == "" {
		cfg.Language.Home = "en"
	}
	if cfg.Language.Timeout == 0 {
		cfg.Language.Timeout = 2 * time.Second
	}

	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}
