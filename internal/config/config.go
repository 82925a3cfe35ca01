// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all service configuration
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Storage
	DBPath string `env:"DB_PATH" envDefault:"chatmirror.db"`

	// Event source
	NATSUrl    string `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	NATSPrefix string `env:"NATS_PREFIX" envDefault:"chat.events"`

	// Ops HTTP surface (health, metrics, stats feed)
	OpsAddr string `env:"OPS_ADDR" envDefault:":3002"`

	// Dispatch
	MaxWorkers          int     `env:"MAX_WORKERS" envDefault:"50"`
	QueueCapacity       int     `env:"QUEUE_CAPACITY" envDefault:"50000"`
	MaxAttempts         int     `env:"MAX_ATTEMPTS" envDefault:"3"`
	RetryBaseSeconds    float64 `env:"RETRY_BASE_SECONDS" envDefault:"0.3"`
	RetryCapSeconds     float64 `env:"RETRY_CAP_SECONDS" envDefault:"60"`
	DrainTimeoutSeconds int     `env:"DRAIN_TIMEOUT_SECONDS" envDefault:"15"`

	// Media
	MaxConcurrentDownloads int `env:"MAX_CONCURRENT_DOWNLOADS" envDefault:"25"`

	// Default Hamming radius for image blocks added without an explicit one
	SimilarityThreshold int `env:"SIMILARITY_THRESHOLD" envDefault:"5"`

	// Background cadence
	MetricsInterval     time.Duration `env:"METRICS_INTERVAL" envDefault:"10s"`
	SweepInterval       time.Duration `env:"SWEEP_INTERVAL" envDefault:"1h"`
	SenderProbeInterval time.Duration `env:"SENDER_PROBE_INTERVAL" envDefault:"30s"`

	// Admin principals allowed to hit the control surface
	AdminUsers []string `env:"ADMIN_USERS" envSeparator:","`

	// Words blocked on every pair regardless of per-pair lists
	GlobalBlockedWords []string `env:"GLOBAL_BLOCKED_WORDS" envSeparator:","`

	// Alerting (optional; empty disables the Slack target)
	SlackWebhookURL string `env:"SLACK_WEBHOOK_URL"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from .env file and environment variables
// Priority: ENV vars > .env file > defaults
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; production sets real env vars.
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH is required")
	}
	if c.NATSUrl == "" {
		return fmt.Errorf("NATS_URL is required")
	}
	if c.NATSPrefix == "" {
		return fmt.Errorf("NATS_PREFIX is required")
	}

	if c.MaxWorkers < 1 {
		return fmt.Errorf("MAX_WORKERS must be > 0, got %d", c.MaxWorkers)
	}
	if c.QueueCapacity < 1 {
		return fmt.Errorf("QUEUE_CAPACITY must be > 0, got %d", c.QueueCapacity)
	}
	if c.MaxConcurrentDownloads < 1 {
		return fmt.Errorf("MAX_CONCURRENT_DOWNLOADS must be > 0, got %d", c.MaxConcurrentDownloads)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be > 0, got %d", c.MaxAttempts)
	}
	if c.RetryBaseSeconds <= 0 {
		return fmt.Errorf("RETRY_BASE_SECONDS must be > 0, got %g", c.RetryBaseSeconds)
	}
	if c.RetryCapSeconds < c.RetryBaseSeconds {
		return fmt.Errorf("RETRY_CAP_SECONDS must be >= RETRY_BASE_SECONDS, got %g < %g",
			c.RetryCapSeconds, c.RetryBaseSeconds)
	}
	if c.DrainTimeoutSeconds < 1 {
		return fmt.Errorf("DRAIN_TIMEOUT_SECONDS must be > 0, got %d", c.DrainTimeoutSeconds)
	}
	if c.SimilarityThreshold < 0 || c.SimilarityThreshold > 64 {
		return fmt.Errorf("SIMILARITY_THRESHOLD must be between 0 and 64, got %d", c.SimilarityThreshold)
	}
	if c.MetricsInterval <= 0 {
		return fmt.Errorf("METRICS_INTERVAL must be > 0, got %s", c.MetricsInterval)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be > 0, got %s", c.SweepInterval)
	}
	if c.SenderProbeInterval <= 0 {
		return fmt.Errorf("SENDER_PROBE_INTERVAL must be > 0, got %s", c.SenderProbeInterval)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "text": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, text, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// RetryBase returns the backoff base as a duration.
func (c *Config) RetryBase() time.Duration {
	return time.Duration(c.RetryBaseSeconds * float64(time.Second))
}

// RetryCap returns the backoff ceiling as a duration.
func (c *Config) RetryCap() time.Duration {
	return time.Duration(c.RetryCapSeconds * float64(time.Second))
}

// DrainTimeout returns the shutdown drain bound as a duration.
func (c *Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// LogConfig logs configuration using structured logging
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("db_path", c.DBPath).
		Str("nats_url", c.NATSUrl).
		Str("nats_prefix", c.NATSPrefix).
		Str("ops_addr", c.OpsAddr).
		Int("max_workers", c.MaxWorkers).
		Int("queue_capacity", c.QueueCapacity).
		Int("max_attempts", c.MaxAttempts).
		Dur("retry_base", c.RetryBase()).
		Dur("retry_cap", c.RetryCap()).
		Dur("drain_timeout", c.DrainTimeout()).
		Int("max_concurrent_downloads", c.MaxConcurrentDownloads).
		Int("similarity_threshold", c.SimilarityThreshold).
		Dur("metrics_interval", c.MetricsInterval).
		Dur("sweep_interval", c.SweepInterval).
		Dur("sender_probe_interval", c.SenderProbeInterval).
		Int("admin_users", len(c.AdminUsers)).
		Int("global_blocked_words", len(c.GlobalBlockedWords)).
		Bool("slack_alerts", c.SlackWebhookURL != "").
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Service configuration loaded")
}
