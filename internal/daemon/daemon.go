// Package daemon runs an action as a detached OS process and tracks it
// through files in a per-daemon directory: a PID file, persisted properties,
// the target record, a stop file, a rotating log and a stdin FIFO.
package daemon

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/edvin/pipejobs/internal/config"
	"github.com/edvin/pipejobs/internal/logrotate"
	"github.com/edvin/pipejobs/internal/stdinfile"
)

// Environment passed to the re-invoked child process.
const (
	EnvDaemonID   = "PIPEJOBS_DAEMON_ID"
	EnvResultPath = "PIPEJOBS_RESULT_PATH"
)

const (
	pidFile        = "process.pid"
	propertiesFile = "properties.json"
	targetFile     = "target.json"
	stopFile       = "stop.json"
	stdinFile      = "input.stdin"
	resultFile     = "result.json"
)

// ErrNotFound is returned by Load when the daemon directory does not exist.
var ErrNotFound = errors.New("daemon not found")

type Status string

const (
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusStopped Status = "stopped"
)

type Options struct {
	DaemonsDir         string
	LogsDir            string
	LogMaxFileSize     int64
	LogNumFilesToKeep  int
	LogTimestamps      bool
	StdinRetryInterval time.Duration
	StopTimeout        time.Duration

	// Executable is re-invoked as the child; empty means os.Executable().
	Executable string
	// EntryArgs returns the arguments that route the re-invoked executable
	// into the child entrypoint.
	EntryArgs func(id string) []string

	Logger zerolog.Logger
}

// OptionsFromConfig derives daemon options from the loaded configuration.
func OptionsFromConfig(cfg *config.Config, logger zerolog.Logger) Options {
	return Options{
		DaemonsDir:         cfg.DaemonsDir,
		LogsDir:            cfg.LogsDir,
		LogMaxFileSize:     cfg.LogMaxFileSize,
		LogNumFilesToKeep:  cfg.LogNumFilesToKeep,
		LogTimestamps:      cfg.LogWriteTimestamps,
		StdinRetryInterval: cfg.StdinRetryInterval,
		StopTimeout:        cfg.StopTimeout,
		Executable:         cfg.Executable,
		Logger:             logger,
	}
}

// DefaultEntryArgs routes the host program into the hidden "_daemon" command.
func DefaultEntryArgs(id string) []string {
	return []string{"_daemon", id}
}

type Daemon struct {
	ID string

	opts   Options
	logger zerolog.Logger

	mu    sync.Mutex
	log   *logrotate.RotatingFile
	stdin *stdinfile.File
}

// NewID returns a short random daemon id.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// ValidateID rejects ids that cannot be used as a directory name.
func ValidateID(id string) error {
	if id == "" || id == "." || id == ".." || strings.HasPrefix(id, ".") {
		return fmt.Errorf("invalid daemon id %q", id)
	}
	if strings.ContainsAny(id, `/\`) || strings.ContainsRune(id, 0) {
		return fmt.Errorf("invalid daemon id %q: contains a path separator", id)
	}
	return nil
}

// New returns a handle for daemon id, generating an id when empty. Nothing is
// written to disk until Run.
func New(opts Options, id string) (*Daemon, error) {
	if id == "" {
		id = NewID()
	}
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	if opts.EntryArgs == nil {
		opts.EntryArgs = DefaultEntryArgs
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 8 * time.Second
	}
	return &Daemon{
		ID:     id,
		opts:   opts,
		logger: opts.Logger.With().Str("component", "daemon").Logger(),
	}, nil
}

// Load returns a handle for an existing daemon.
func Load(opts Options, id string) (*Daemon, error) {
	d, err := New(opts, id)
	if err != nil {
		return nil, err
	}
	if !d.Exists() {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return d, nil
}

// List returns the ids of all daemons under the configured directory.
func List(opts Options) ([]string, error) {
	entries, err := os.ReadDir(opts.DaemonsDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list daemons: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && ValidateID(e.Name()) == nil {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (d *Daemon) Dir() string            { return filepath.Join(d.opts.DaemonsDir, d.ID) }
func (d *Daemon) PIDPath() string        { return filepath.Join(d.Dir(), pidFile) }
func (d *Daemon) PropertiesPath() string { return filepath.Join(d.Dir(), propertiesFile) }
func (d *Daemon) TargetPath() string     { return filepath.Join(d.Dir(), targetFile) }
func (d *Daemon) StopPath() string       { return filepath.Join(d.Dir(), stopFile) }
func (d *Daemon) StdinPath() string      { return filepath.Join(d.Dir(), stdinFile) }
func (d *Daemon) ResultPath() string     { return filepath.Join(d.Dir(), resultFile) }
func (d *Daemon) LogPath() string        { return filepath.Join(d.opts.LogsDir, d.ID+".log") }

// Exists reports whether the daemon directory is present.
func (d *Daemon) Exists() bool {
	info, err := os.Stat(d.Dir())
	return err == nil && info.IsDir()
}

// RotatingLog returns the daemon's log, opening it on first use.
func (d *Daemon) RotatingLog() (*logrotate.RotatingFile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.log != nil {
		return d.log, nil
	}
	log, err := d.OpenLog()
	if err != nil {
		return nil, err
	}
	d.log = log
	return log, nil
}

// OpenLog opens a new handle on the daemon's log with its own read cursor.
func (d *Daemon) OpenLog() (*logrotate.RotatingFile, error) {
	maxSize := d.opts.LogMaxFileSize
	if maxSize == 0 {
		maxSize = logrotate.DefaultMaxFileSize
	}
	keep := d.opts.LogNumFilesToKeep
	if keep == 0 {
		keep = logrotate.DefaultNumFilesToKeep
	}
	opts := []logrotate.Option{
		logrotate.WithMaxFileSize(maxSize),
		logrotate.WithNumFilesToKeep(keep),
	}
	if d.opts.LogTimestamps {
		opts = append(opts, logrotate.WithTimestamps(""))
	}
	log, err := logrotate.New(d.LogPath(), opts...)
	if err != nil {
		return nil, fmt.Errorf("open rotating log: %w", err)
	}
	return log, nil
}

// StdinFile returns the daemon's stdin FIFO handle.
func (d *Daemon) StdinFile() *stdinfile.File {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stdin == nil {
		d.stdin = stdinfile.New(d.StdinPath(), stdinfile.WithRetryInterval(d.opts.StdinRetryInterval))
	}
	return d.stdin
}

// PID returns the PID recorded in the PID file.
func (d *Daemon) PID() (int, bool) {
	data, err := os.ReadFile(d.PIDPath())
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func (d *Daemon) writePID(pid int) error {
	if err := os.WriteFile(d.PIDPath(), []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// removePIDFile deletes the PID file if it still records pid.
func (d *Daemon) removePIDFile(pid int) {
	if current, ok := d.PID(); ok && current != pid {
		return
	}
	if err := os.Remove(d.PIDPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		d.logger.Warn().Err(err).Str("daemon", d.ID).Msg("could not remove pid file")
	}
}

// Cleanup stops the daemon if needed and removes its directory. Logs are
// removed too unless keepLogs is set.
func (d *Daemon) Cleanup(keepLogs bool) Result {
	if d.Status() != StatusStopped {
		if res := d.Quit(d.opts.StopTimeout); !res.Success {
			if res := d.Kill(d.opts.StopTimeout); !res.Success {
				return res
			}
		}
	}

	if err := os.RemoveAll(d.Dir()); err != nil {
		return Failure("Failed to remove directory of daemon '%s': %v", d.ID, err)
	}
	if !keepLogs {
		log, err := d.RotatingLog()
		if err == nil {
			err = log.Delete()
		}
		if err != nil {
			return Failure("Failed to remove logs of daemon '%s': %v", d.ID, err)
		}
	}
	d.logger.Info().Str("daemon", d.ID).Bool("keep_logs", keepLogs).Msg("daemon cleaned up")
	return Success("Cleaned up daemon '%s'.", d.ID)
}
