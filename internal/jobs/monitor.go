package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/edvin/pipejobs/internal/logrotate"
)

const (
	DefaultMonitorLines     = 30
	DefaultMonitorHeartbeat = 5 * time.Second
)

// MonitorOptions configures MonitorLogs. Any callback may return
// ErrStopMonitoring to end monitoring without an error.
type MonitorOptions struct {
	// Lines is how many lines of existing output are emitted first.
	Lines int
	// Callback receives log output as it is written.
	Callback func(text string) error
	// InputCallback is called when the job blocks reading stdin. A non-empty
	// return value is written to the job's stdin.
	InputCallback func() (string, error)
	// StopCallback is called once each time the job is observed stopped.
	StopCallback func(result *Result) error
	// Heartbeat bounds how long a missed filesystem event can delay output
	// or the stop notification.
	Heartbeat time.Duration
}

func (o MonitorOptions) withDefaults() MonitorOptions {
	if o.Lines <= 0 {
		o.Lines = DefaultMonitorLines
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = DefaultMonitorHeartbeat
	}
	return o
}

// monitorSource is what a file-backed executor exposes to the monitor.
type monitorSource struct {
	openLog    func() (*logrotate.RotatingFile, error)
	watchDirs  []string
	blockPath  string
	pidPath    string
	status     func() Status
	result     func() *Result
	writeStdin func(string) error
}

type monitorState struct {
	src    monitorSource
	opts   MonitorOptions
	logger zerolog.Logger

	log       *logrotate.RotatingFile
	logPrefix string

	inputPending bool
	stopped      bool
}

// monitor streams a job's rotating log until ctx is done or a callback ends
// it. Output is re-read on fsnotify events for the active subfile and on
// every heartbeat.
func monitor(ctx context.Context, src monitorSource, opts MonitorOptions, logger zerolog.Logger) error {
	opts = opts.withDefaults()

	log, err := src.openLog()
	if err != nil {
		return err
	}
	m := &monitorState{
		src:       src,
		opts:      opts,
		logger:    logger,
		log:       log,
		logPrefix: filepath.Clean(log.Path()) + ".",
	}

	lines, err := log.Tail(opts.Lines)
	if err != nil {
		return fmt.Errorf("tail log: %w", err)
	}
	if len(lines) > 0 {
		if err := m.emit(strings.Join(lines, "")); err != nil {
			return stopped(err)
		}
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	for _, dir := range src.watchDirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
		if err := w.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	// Catch up on anything that happened before the watches were in place.
	if err := m.heartbeat(); err != nil {
		return stopped(err)
	}

	ticker := time.NewTicker(opts.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			err = m.handle(ev)
		case werr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(werr).Msg("log watcher error")
		case <-ticker.C:
			err = m.heartbeat()
		}
		if err != nil {
			return stopped(err)
		}
	}
}

// stopped maps ErrStopMonitoring to a clean return.
func stopped(err error) error {
	if errors.Is(err, ErrStopMonitoring) {
		return nil
	}
	return err
}

func (m *monitorState) handle(ev fsnotify.Event) error {
	name := filepath.Clean(ev.Name)

	switch {
	case name == m.src.blockPath:
		if ev.Has(fsnotify.Create) && !m.inputPending {
			return m.input()
		}
		if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
			m.inputPending = false
		}
	case name == m.src.pidPath:
		if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
			return m.checkStopped()
		}
		if ev.Has(fsnotify.Create) {
			m.stopped = false
		}
	case strings.HasPrefix(name, m.logPrefix):
		if (ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) && name == filepath.Clean(m.log.LatestSubfilePath()) {
			return m.flush()
		}
	}
	return nil
}

func (m *monitorState) heartbeat() error {
	if err := m.flush(); err != nil {
		return err
	}
	if _, err := os.Stat(m.src.blockPath); err == nil {
		if !m.inputPending {
			if err := m.input(); err != nil {
				return err
			}
		}
	} else {
		m.inputPending = false
	}
	return m.checkStopped()
}

func (m *monitorState) emit(text string) error {
	if m.opts.Callback == nil || text == "" {
		return nil
	}
	return m.opts.Callback(text)
}

func (m *monitorState) flush() error {
	data, err := m.log.Read()
	if err != nil {
		m.logger.Warn().Err(err).Msg("could not read log")
		return nil
	}
	return m.emit(string(data))
}

// input runs the input callback once per blocking read.
func (m *monitorState) input() error {
	m.inputPending = true
	if m.opts.InputCallback == nil {
		return nil
	}
	data, err := m.opts.InputCallback()
	if err != nil {
		if errors.Is(err, ErrStopMonitoring) {
			return err
		}
		m.logger.Warn().Err(err).Msg("input callback failed")
		return nil
	}
	if data == "" || m.src.writeStdin == nil {
		return nil
	}
	if err := m.src.writeStdin(data); err != nil {
		m.logger.Warn().Err(err).Msg("could not write input to stdin")
	}
	return nil
}

func (m *monitorState) checkStopped() error {
	if m.src.status() != StatusStopped {
		m.stopped = false
		return nil
	}
	if m.stopped {
		return nil
	}
	m.stopped = true

	// Deliver the last output before reporting the stop.
	if err := m.flush(); err != nil {
		return err
	}
	if m.opts.StopCallback == nil {
		return nil
	}
	if err := m.opts.StopCallback(m.src.result()); err != nil {
		if errors.Is(err, ErrStopMonitoring) {
			return err
		}
		m.logger.Warn().Err(err).Msg("stop callback failed")
	}
	return nil
}
