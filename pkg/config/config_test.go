package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 6*time.Hour, cfg.Engine.FreshnessWindow)
	assert.Equal(t, 1, cfg.Engine.MaxPerUser, "analyses for one user never overlap by default")
	assert.Equal(t, 8, cfg.LLM.TimeoutSec)
	assert.Equal(t, 1, cfg.LLM.MaxRetries)
	assert.Equal(t, 8*time.Second, cfg.LLM.Timeout())
	assert.Equal(t, "balanced", cfg.Engine.DefaultDepth)
	assert.False(t, cfg.Redis.Enabled)
}

func TestLoad_EnvOverride(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("INSIGHT_ENGINE_ENGINE_MAXPERUSER", "5")
	t.Setenv("INSIGHT_ENGINE_LLM_MODEL", "gpt-4o")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Engine.MaxPerUser)
	assert.Equal(t, "gpt-4o", cfg.LLM.Model)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			LLM:    LLMConfig{TimeoutSec: 8, MaxRetries: 1},
			Engine: EngineConfig{FreshnessWindow: time.Hour, MaxPerUser: 1, DefaultDepth: "minimal"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"zero window", func(c *Config) { c.Engine.FreshnessWindow = 0 }, true},
		{"no concurrency", func(c *Config) { c.Engine.MaxPerUser = 0 }, true},
		{"two retries", func(c *Config) { c.LLM.MaxRetries = 2 }, true},
		{"unknown depth", func(c *Config) { c.Engine.DefaultDepth = "deep" }, true},
		{"no timeout", func(c *Config) { c.LLM.TimeoutSec = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
