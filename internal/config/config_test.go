package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/copyd/copyd/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.NoError(t, err)
	assert.Equal(t, "/run/copyd/copyd.sock", cfg.SocketPath)
	assert.Equal(t, 4, cfg.MaxConcurrentJobs)
	assert.Equal(t, 256, cfg.MaxJobQueueSize)
	assert.Equal(t, int64(1<<20), cfg.DefaultBlockSize)
	assert.Equal(t, 7, cfg.JobHistoryDays)
	assert.Equal(t, 5, cfg.CheckpointIntervalSecs)
	assert.Equal(t, 256, cfg.IOURingEntries)
	assert.True(t, cfg.WatchdogEnabled)
}

func TestLoadOverridesSpecifiedFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "copyd.toml")
	content := `
socket_path = "/tmp/copyd-test.sock"
max_concurrent_jobs = 8
max_rate_mbps = 100
metrics_bind_addr = "127.0.0.1:9090"
log_level = "debug"
enable_compression = true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/copyd-test.sock", cfg.SocketPath)
	assert.Equal(t, 8, cfg.MaxConcurrentJobs)
	assert.Equal(t, int64(100), cfg.MaxRateMbps)
	assert.Equal(t, "127.0.0.1:9090", cfg.MetricsBindAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.EnableCompression)

	// Fields absent from the file keep their defaults.
	assert.Equal(t, 256, cfg.MaxJobQueueSize)
	assert.Equal(t, 7, cfg.JobHistoryDays)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "copyd.toml")
	require.NoError(t, os.WriteFile(path, []byte("bogus_field = true\n"), 0o644))

	_, err := config.Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsInvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "copyd.toml")
	require.NoError(t, os.WriteFile(path, []byte("invalid [[["), 0o644))

	_, err := config.Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "copyd.toml")
	require.NoError(t, os.WriteFile(path, []byte("max_concurrent_jobs = 0\n"), 0o644))

	_, err := config.Load(path)
	assert.Error(t, err)
}

func TestPathHonorsEnvOverride(t *testing.T) {
	t.Setenv("COPYD_CONFIG_PATH", "/custom/copyd.toml")
	assert.Equal(t, "/custom/copyd.toml", config.Path())
}

func TestCheckpointIntervalConversion(t *testing.T) {
	cfg := config.Daemon{CheckpointIntervalSecs: 5}
	assert.Equal(t, 5*time.Second, cfg.CheckpointInterval())
}

func TestMaxRateBpsConversion(t *testing.T) {
	cfg := config.Daemon{MaxRateMbps: 8}
	// 8 Mbps == 1 MiB/s.
	assert.Equal(t, int64(1<<20), cfg.MaxRateBps())
}
