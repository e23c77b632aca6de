package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// RootDir holds every job directory, log and lock file unless the
	// individual directories below are overridden.
	RootDir     string
	DaemonsDir  string
	LogsDir     string
	SystemdDir  string
	UnitDir     string
	ServiceName string

	LogLevel string
	// LogFile sends the service's own logs to a size-rotated file instead of stdout.
	LogFile string

	LogMaxFileSize     int64
	LogNumFilesToKeep  int
	LogWriteTimestamps bool

	StdinRetryInterval time.Duration
	RestartInterval    time.Duration
	StopTimeout        time.Duration

	DefaultExecutor   string
	HTTPListenAddr    string
	MetricsListenAddr string

	// Executable is the host program re-invoked as the detached child.
	// Empty means os.Executable().
	Executable string

	// Remotes maps peer names (as in "api:<peer>") to API base URLs.
	Remotes map[string]string

	ConfigFile string
}

// fileConfig is the optional YAML overlay loaded from PIPEJOBS_CONFIG.
type fileConfig struct {
	RootDir         string            `yaml:"root_dir"`
	LogLevel        string            `yaml:"log_level"`
	DefaultExecutor string            `yaml:"default_executor"`
	HTTPListenAddr  string            `yaml:"http_listen_addr"`
	Remotes         map[string]string `yaml:"remotes"`
	Logs            struct {
		MaxFileSize    int64 `yaml:"max_file_size"`
		NumFilesToKeep int   `yaml:"num_files_to_keep"`
		Timestamps     *bool `yaml:"timestamps"`
	} `yaml:"logs"`
}

func Load() (*Config, error) {
	cfg := &Config{
		RootDir:           getEnv("PIPEJOBS_ROOT_DIR", defaultRootDir()),
		ServiceName:       getEnv("SERVICE_NAME", "pipejobs"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogFile:           getEnv("PIPEJOBS_LOG_FILE", ""),
		DefaultExecutor:   getEnv("PIPEJOBS_EXECUTOR", "local"),
		HTTPListenAddr:    getEnv("HTTP_LISTEN_ADDR", ":8400"),
		MetricsListenAddr: getEnv("METRICS_LISTEN_ADDR", ":9400"),
		Executable:        getEnv("PIPEJOBS_EXECUTABLE", ""),
		ConfigFile:        getEnv("PIPEJOBS_CONFIG", ""),
		Remotes:           map[string]string{},
	}

	var err error
	if cfg.LogMaxFileSize, err = getEnvInt64("PIPEJOBS_LOG_MAX_FILE_SIZE", 100_000); err != nil {
		return nil, err
	}
	numFiles, err := getEnvInt64("PIPEJOBS_LOG_NUM_FILES_TO_KEEP", 5)
	if err != nil {
		return nil, err
	}
	cfg.LogNumFilesToKeep = int(numFiles)
	if cfg.LogWriteTimestamps, err = getEnvBool("PIPEJOBS_LOG_TIMESTAMPS", false); err != nil {
		return nil, err
	}
	if cfg.StdinRetryInterval, err = getEnvDuration("PIPEJOBS_STDIN_RETRY_INTERVAL", 100*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.RestartInterval, err = getEnvDuration("PIPEJOBS_RESTART_INTERVAL", time.Second); err != nil {
		return nil, err
	}
	if cfg.StopTimeout, err = getEnvDuration("PIPEJOBS_STOP_TIMEOUT", 8*time.Second); err != nil {
		return nil, err
	}

	if cfg.ConfigFile != "" {
		if err := cfg.loadFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	// Directories derive from the root after the file overlay so a root_dir
	// in the file moves all of them.
	cfg.DaemonsDir = getEnv("PIPEJOBS_DAEMONS_DIR", filepath.Join(cfg.RootDir, "jobs"))
	cfg.LogsDir = getEnv("PIPEJOBS_LOGS_DIR", filepath.Join(cfg.RootDir, "logs"))
	cfg.SystemdDir = getEnv("PIPEJOBS_SYSTEMD_DIR", filepath.Join(cfg.RootDir, "systemd"))
	cfg.UnitDir = getEnv("PIPEJOBS_UNIT_DIR", defaultUnitDir())

	return cfg, nil
}

// Validate checks the settings that have no safe fallback.
func (c *Config) Validate() error {
	var missing []string
	if c.RootDir == "" {
		missing = append(missing, "PIPEJOBS_ROOT_DIR")
	}
	if c.LogMaxFileSize < 1 {
		missing = append(missing, "PIPEJOBS_LOG_MAX_FILE_SIZE (>= 1)")
	}
	if c.LogNumFilesToKeep < 2 {
		missing = append(missing, "PIPEJOBS_LOG_NUM_FILES_TO_KEEP (>= 2)")
	}
	if len(missing) > 0 {
		return fmt.Errorf("invalid configuration: %v", missing)
	}
	return nil
}

// LockPath is the cross-process lock guarding the restart loop.
func (c *Config) LockPath() string {
	return filepath.Join(c.RootDir, "restart.lock")
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if fc.RootDir != "" && os.Getenv("PIPEJOBS_ROOT_DIR") == "" {
		c.RootDir = fc.RootDir
	}
	if fc.LogLevel != "" && os.Getenv("LOG_LEVEL") == "" {
		c.LogLevel = fc.LogLevel
	}
	if fc.DefaultExecutor != "" && os.Getenv("PIPEJOBS_EXECUTOR") == "" {
		c.DefaultExecutor = fc.DefaultExecutor
	}
	if fc.HTTPListenAddr != "" && os.Getenv("HTTP_LISTEN_ADDR") == "" {
		c.HTTPListenAddr = fc.HTTPListenAddr
	}
	if fc.Logs.MaxFileSize > 0 && os.Getenv("PIPEJOBS_LOG_MAX_FILE_SIZE") == "" {
		c.LogMaxFileSize = fc.Logs.MaxFileSize
	}
	if fc.Logs.NumFilesToKeep > 0 && os.Getenv("PIPEJOBS_LOG_NUM_FILES_TO_KEEP") == "" {
		c.LogNumFilesToKeep = fc.Logs.NumFilesToKeep
	}
	if fc.Logs.Timestamps != nil && os.Getenv("PIPEJOBS_LOG_TIMESTAMPS") == "" {
		c.LogWriteTimestamps = *fc.Logs.Timestamps
	}
	for name, url := range fc.Remotes {
		c.Remotes[name] = url
	}
	return nil
}

func defaultRootDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "pipejobs")
	}
	return filepath.Join(home, ".local", "share", "pipejobs")
}

func defaultUnitDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "systemd", "user")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "systemd", "user")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}
