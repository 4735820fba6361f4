// Package config loads service configuration from an optional .env file and
// the environment. Flags parsed in main override the loaded values.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config is the shared configuration for the main server and the persona
// workers. Workers receive their persona and port via flags.
type Config struct {
	Port      int    `env:"PORT" envDefault:"8000"`
	TLSCert   string `env:"TLS_CERT"`
	TLSKey    string `env:"TLS_KEY"`
	StaticDir string `env:"STATIC_DIR" envDefault:"client"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	ServerMode      string `env:"SERVER_MODE" envDefault:"isp"` // central or isp
	EnableWorkers   bool   `env:"ENABLE_SIMPLE_MULTIPROCESS" envDefault:"true"`
	EnableTelemetry bool   `env:"ENABLE_TELEMETRY" envDefault:"false"`

	PingPort int `env:"PING_PORT" envDefault:"8005"`

	// Rate-limit overrides; zero means package default.
	RateLimitDownloadsPerHour int           `env:"RATE_LIMIT_DOWNLOADS_PER_HOUR"`
	RateLimitBandwidthGBHour  float64       `env:"RATE_LIMIT_BANDWIDTH_GB_PER_HOUR"`
	RateLimitSessions         int           `env:"RATE_LIMIT_WEBSOCKET_SESSIONS"`
	RateLimitCleanupInterval  time.Duration `env:"RATE_LIMIT_CLEANUP_INTERVAL"`

	// Central-fleet bypass. Empty disables it.
	TrustedAgentPrefix string `env:"TRUSTED_AGENT_PREFIX"`

	// Upload body cap and per-pattern rate ceilings.
	UploadMaxBytes         int64   `env:"UPLOAD_MAX_BYTES" envDefault:"536870912"`
	UploadCeilingMbps      float64 `env:"UPLOAD_CEILING_MBPS" envDefault:"2000"`
	UploadCeilingBatchMbps float64 `env:"UPLOAD_CEILING_BATCH_MBPS" envDefault:"1000"`
	UploadCeilingPrioMbps  float64 `env:"UPLOAD_CEILING_PRIORITY_MBPS" envDefault:"4000"`
}

// Load reads .env if present, parses the environment, and validates.
func Load() (*Config, error) {
	// Missing .env is fine; env vars alone are a supported deployment.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT %d out of range", c.Port)
	}
	if c.PingPort < 1 || c.PingPort > 65535 {
		return fmt.Errorf("PING_PORT %d out of range", c.PingPort)
	}
	if c.PingPort == c.Port {
		return fmt.Errorf("PING_PORT must differ from PORT")
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("TLS_CERT and TLS_KEY must be set together")
	}
	if c.ServerMode != "central" && c.ServerMode != "isp" {
		return fmt.Errorf("SERVER_MODE %q: must be central or isp", c.ServerMode)
	}
	if c.UploadMaxBytes <= 0 {
		return fmt.Errorf("UPLOAD_MAX_BYTES must be positive")
	}
	if c.UploadCeilingMbps <= 0 || c.UploadCeilingBatchMbps <= 0 || c.UploadCeilingPrioMbps <= 0 {
		return fmt.Errorf("upload ceilings must be positive")
	}
	return nil
}

// TLSEnabled reports whether the main server should terminate TLS.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}

// Log writes the effective configuration at startup.
func (c *Config) Log(logger zerolog.Logger) {
	logger.Info().
		Int("port", c.Port).
		Int("ping_port", c.PingPort).
		Bool("tls", c.TLSEnabled()).
		Str("server_mode", c.ServerMode).
		Bool("workers_enabled", c.EnableWorkers).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}
