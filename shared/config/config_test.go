package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.App.Port)
	assert.Equal(t, "info", cfg.Logging.Level)

	assert.Equal(t, 60*time.Second, cfg.Tracker.MinCheckInterval)
	assert.Equal(t, 60*time.Second, cfg.Tracker.PollFloor)
	assert.Equal(t, time.Hour, cfg.Tracker.CleanupInterval)
	assert.Equal(t, 15*time.Minute, cfg.Tracker.CatchupInterval)

	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Retry.Delay)

	assert.Equal(t, 600, cfg.Primary.BudgetCalls)
	assert.Equal(t, time.Minute, cfg.Primary.BudgetWindow)
	assert.Equal(t, 30, cfg.Primary.MaxBatch)
	assert.Equal(t, 30, cfg.Fallback.BudgetCalls)
}

func TestLoadConfigOverridesFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tracker:
  min_check_interval: 90s
retry:
  max_attempts: 5
primary:
  budget_calls: 100
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 90*time.Second, cfg.Tracker.MinCheckInterval)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 100, cfg.Primary.BudgetCalls)
	// untouched keys keep their defaults
	assert.Equal(t, 60*time.Second, cfg.Tracker.PollFloor)
	assert.Equal(t, 2*time.Second, cfg.Retry.Delay)
}

func TestGlobalConfigRoundTrip(t *testing.T) {
	cfg := &Config{}
	cfg.App.Port = "9090"
	SetGlobalConfig(cfg)
	got := GetGlobalConfig()
	require.NotNil(t, got)
	assert.Equal(t, "9090", got.App.Port)
}
