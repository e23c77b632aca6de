package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PIPEJOBS_ROOT_DIR", "PIPEJOBS_DAEMONS_DIR", "PIPEJOBS_LOGS_DIR", "PIPEJOBS_SYSTEMD_DIR",
		"PIPEJOBS_UNIT_DIR", "LOG_LEVEL", "PIPEJOBS_LOG_FILE", "PIPEJOBS_LOG_MAX_FILE_SIZE",
		"PIPEJOBS_LOG_NUM_FILES_TO_KEEP", "PIPEJOBS_LOG_TIMESTAMPS", "PIPEJOBS_STDIN_RETRY_INTERVAL",
		"PIPEJOBS_RESTART_INTERVAL", "PIPEJOBS_STOP_TIMEOUT", "PIPEJOBS_EXECUTOR", "HTTP_LISTEN_ADDR",
		"METRICS_LISTEN_ADDR", "PIPEJOBS_EXECUTABLE", "PIPEJOBS_CONFIG",
	} {
		// t.Setenv registers the restore; Unsetenv then clears it for this test.
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("PIPEJOBS_ROOT_DIR", "/srv/pipejobs")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/srv/pipejobs", cfg.RootDir)
	assert.Equal(t, "/srv/pipejobs/jobs", cfg.DaemonsDir)
	assert.Equal(t, "/srv/pipejobs/logs", cfg.LogsDir)
	assert.Equal(t, "/srv/pipejobs/systemd", cfg.SystemdDir)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, int64(100_000), cfg.LogMaxFileSize)
	assert.Equal(t, 5, cfg.LogNumFilesToKeep)
	assert.False(t, cfg.LogWriteTimestamps)
	assert.Equal(t, 100*time.Millisecond, cfg.StdinRetryInterval)
	assert.Equal(t, time.Second, cfg.RestartInterval)
	assert.Equal(t, 8*time.Second, cfg.StopTimeout)
	assert.Equal(t, "local", cfg.DefaultExecutor)
	assert.Equal(t, ":8400", cfg.HTTPListenAddr)
	assert.Equal(t, ":9400", cfg.MetricsListenAddr)
	assert.Equal(t, "/srv/pipejobs/restart.lock", cfg.LockPath())
	assert.Empty(t, cfg.Remotes)
	require.NoError(t, cfg.Validate())
}

func TestLoad_AllEnvVars(t *testing.T) {
	clearEnv(t)
	t.Setenv("PIPEJOBS_ROOT_DIR", "/data")
	t.Setenv("PIPEJOBS_DAEMONS_DIR", "/data/d")
	t.Setenv("PIPEJOBS_LOGS_DIR", "/data/l")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("PIPEJOBS_LOG_MAX_FILE_SIZE", "2048")
	t.Setenv("PIPEJOBS_LOG_NUM_FILES_TO_KEEP", "3")
	t.Setenv("PIPEJOBS_LOG_TIMESTAMPS", "true")
	t.Setenv("PIPEJOBS_STDIN_RETRY_INTERVAL", "250ms")
	t.Setenv("PIPEJOBS_RESTART_INTERVAL", "5s")
	t.Setenv("PIPEJOBS_EXECUTOR", "systemd")
	t.Setenv("HTTP_LISTEN_ADDR", ":7071")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/data/d", cfg.DaemonsDir)
	assert.Equal(t, "/data/l", cfg.LogsDir)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, int64(2048), cfg.LogMaxFileSize)
	assert.Equal(t, 3, cfg.LogNumFilesToKeep)
	assert.True(t, cfg.LogWriteTimestamps)
	assert.Equal(t, 250*time.Millisecond, cfg.StdinRetryInterval)
	assert.Equal(t, 5*time.Second, cfg.RestartInterval)
	assert.Equal(t, "systemd", cfg.DefaultExecutor)
	assert.Equal(t, ":7071", cfg.HTTPListenAddr)
}

func TestLoad_InvalidNumber(t *testing.T) {
	clearEnv(t)
	t.Setenv("PIPEJOBS_LOG_MAX_FILE_SIZE", "lots")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PIPEJOBS_LOG_MAX_FILE_SIZE")
}

func TestLoad_ConfigFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "pipejobs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
root_dir: /opt/pipejobs
log_level: warn
remotes:
  main: http://10.0.0.5:8400
logs:
  max_file_size: 500
  num_files_to_keep: 2
`), 0o644))
	t.Setenv("PIPEJOBS_CONFIG", path)
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/opt/pipejobs", cfg.RootDir)
	assert.Equal(t, "/opt/pipejobs/jobs", cfg.DaemonsDir)
	// Environment wins over the file.
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "http://10.0.0.5:8400", cfg.Remotes["main"])
	assert.Equal(t, int64(500), cfg.LogMaxFileSize)
	assert.Equal(t, 2, cfg.LogNumFilesToKeep)
}

func TestLoad_ConfigFileMissing(t *testing.T) {
	clearEnv(t)
	t.Setenv("PIPEJOBS_CONFIG", filepath.Join(t.TempDir(), "nope.yaml"))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config file")
}

func TestValidate_InvalidLogSettings(t *testing.T) {
	cfg := &Config{RootDir: "/x", LogMaxFileSize: 0, LogNumFilesToKeep: 1}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PIPEJOBS_LOG_MAX_FILE_SIZE")
	assert.Contains(t, err.Error(), "PIPEJOBS_LOG_NUM_FILES_TO_KEEP")
}
