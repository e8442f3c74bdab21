package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// LLMConfig holds settings for the chat-completion collaborator.
type LLMConfig struct {
	// APIKey authenticates against the completion endpoint.
	// OPENAI_API_KEY overrides.
	APIKey string `yaml:"api_key"`

	// BaseURL points at an OpenAI-compatible endpoint. All configured models
	// (including the anthropic/* ones) are routed through it.
	BaseURL string `yaml:"base_url"`

	// DefaultModel is used when a pipeline definition names none.
	DefaultModel string `yaml:"default_model"`

	// RequestTimeoutSeconds bounds a single completion call. 0 uses default (120s).
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
}

// OtelConfig holds OpenTelemetry export settings.
type OtelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "stdout" or "otlp"
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// PipelineConfig bounds pipeline execution.
type PipelineConfig struct {
	// RunTimeoutSeconds bounds one whole pipeline run. 0 = no timeout,
	// matching the original data-flow model where a run has no deadline.
	RunTimeoutSeconds int `yaml:"run_timeout_seconds"`

	// MaxCriticIterations is the default critique-loop cap when a
	// definition names none.
	MaxCriticIterations int `yaml:"max_critic_iterations"`
}

// CORSConfig controls cross-origin access to the HTTP API.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// RateLimitConfig throttles requests per client address.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// GatewayConfig holds HTTP API settings.
type GatewayConfig struct {
	CORS      CORSConfig      `yaml:"cors"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// MaxBodyBytes caps request body size. 0 uses the default (1 MiB).
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// AllowOrigins lists Origin headers accepted for WebSocket chat
	// connections. Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// DBPath locates the SQLite database. Empty means $LOOM_HOME/loom.db.
	DBPath string `yaml:"db_path"`

	// DataDir receives documents that carry a filename. Empty means $LOOM_HOME/data.
	DataDir string `yaml:"data_dir"`

	LLM      LLMConfig      `yaml:"llm"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Otel     OtelConfig     `yaml:"otel"`
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:18710",
		LogLevel: "info",
		LLM: LLMConfig{
			DefaultModel:          "openai/gpt-4o-mini",
			RequestTimeoutSeconds: int((2 * time.Minute).Seconds()),
		},
		Pipeline: PipelineConfig{
			MaxCriticIterations: 10,
		},
	}
}

// HomeDir returns the loom data directory, honoring the LOOM_HOME override.
func HomeDir() string {
	if override := os.Getenv("LOOM_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".loom")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the loom home directory, applying defaults
// and environment overrides. A missing file is not an error.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create loom home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18710"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "loom.db")
	}
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(cfg.HomeDir, "data")
	}
	if cfg.LLM.DefaultModel == "" {
		cfg.LLM.DefaultModel = "openai/gpt-4o-mini"
	}
	if cfg.LLM.RequestTimeoutSeconds <= 0 {
		cfg.LLM.RequestTimeoutSeconds = int((2 * time.Minute).Seconds())
	}
	if cfg.Pipeline.MaxCriticIterations <= 0 {
		cfg.Pipeline.MaxCriticIterations = 10
	}
	if cfg.Otel.SampleRate <= 0 || cfg.Otel.SampleRate > 1 {
		cfg.Otel.SampleRate = 1
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("LOOM_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("LOOM_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("LOOM_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("LOOM_DATA_DIR"); raw != "" {
		cfg.DataDir = raw
	}
	if raw := os.Getenv("OPENAI_API_KEY"); raw != "" {
		cfg.LLM.APIKey = raw
	}
	if raw := os.Getenv("OPENAI_BASE_URL"); raw != "" {
		cfg.LLM.BaseURL = raw
	}
	if raw := os.Getenv("LOOM_RUN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Pipeline.RunTimeoutSeconds = v
		}
	}
}
