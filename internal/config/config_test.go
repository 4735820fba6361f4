package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Port)
	assert.Equal(t, 8005, cfg.PingPort)
	assert.Equal(t, "isp", cfg.ServerMode)
	assert.True(t, cfg.EnableWorkers)
	assert.False(t, cfg.EnableTelemetry)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, int64(512*1024*1024), cfg.UploadMaxBytes)
	assert.Equal(t, 2000.0, cfg.UploadCeilingMbps)
	assert.False(t, cfg.TLSEnabled())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("SERVER_MODE", "central")
	t.Setenv("TRUSTED_AGENT_PREFIX", "Bloatline-Central/")
	t.Setenv("RATE_LIMIT_DOWNLOADS_PER_HOUR", "32")
	t.Setenv("RATE_LIMIT_CLEANUP_INTERVAL", "1m")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "central", cfg.ServerMode)
	assert.Equal(t, "Bloatline-Central/", cfg.TrustedAgentPrefix)
	assert.Equal(t, 32, cfg.RateLimitDownloadsPerHour)
	assert.Equal(t, "1m0s", cfg.RateLimitCleanupInterval.String())
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Port:                   8000,
			PingPort:               8005,
			ServerMode:             "isp",
			UploadMaxBytes:         1,
			UploadCeilingMbps:      1,
			UploadCeilingBatchMbps: 1,
			UploadCeilingPrioMbps:  1,
		}
	}

	ok := base()
	assert.NoError(t, ok.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port out of range", func(c *Config) { c.Port = 0 }},
		{"ping port out of range", func(c *Config) { c.PingPort = 70000 }},
		{"ping port collides", func(c *Config) { c.PingPort = c.Port }},
		{"cert without key", func(c *Config) { c.TLSCert = "server.crt" }},
		{"key without cert", func(c *Config) { c.TLSKey = "server.key" }},
		{"bad server mode", func(c *Config) { c.ServerMode = "hybrid" }},
		{"zero upload cap", func(c *Config) { c.UploadMaxBytes = 0 }},
		{"negative ceiling", func(c *Config) { c.UploadCeilingBatchMbps = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestTLSEnabled(t *testing.T) {
	c := Config{TLSCert: "a.crt", TLSKey: "a.key"}
	assert.True(t, c.TLSEnabled())
	assert.False(t, (&Config{}).TLSEnabled())
}
