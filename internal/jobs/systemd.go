package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/pipejobs/internal/daemon"
	"github.com/edvin/pipejobs/internal/stdinfile"
)

const (
	unitPrefix = "pipejobs-job-"

	// systemdTimeLayout is how systemctl show prints timestamps.
	systemdTimeLayout = "Mon 2006-01-02 15:04:05 MST"

	// killWait bounds the wait for systemd to notice a SIGKILLed unit.
	killWait = 2 * time.Second
)

const serviceTemplate = `[Unit]
Description=pipejobs job {{ .Name }}
Requires={{ .Socket }}
After={{ .Socket }}

[Service]
Type=simple
ExecStart={{ .ExecStart }}
{{- range .Environment }}
Environment={{ . }}
{{- end }}
StandardInput=socket
StandardOutput=journal
StandardError=journal
KillSignal=SIGTERM
TimeoutStopSec={{ .TimeoutStopSec }}
Restart={{ if .Restart }}always{{ else }}no{{ end }}
RestartSec=1

[Install]
WantedBy=default.target
`

const socketTemplate = `[Unit]
Description=stdin of pipejobs job {{ .Name }}

[Socket]
ListenFIFO={{ .StdinPath }}
FileDescriptorName=stdin
RemoveOnStop=true
SocketMode=0660

[Install]
WantedBy=sockets.target
`

var (
	serviceTmpl = template.Must(template.New("service").Parse(serviceTemplate))
	socketTmpl  = template.Must(template.New("socket").Parse(socketTemplate))
)

type unitData struct {
	Name           string
	Socket         string
	ExecStart      string
	Environment    []string
	TimeoutStopSec int
	Restart        bool
	StdinPath      string
}

// SystemdExecutor hosts each job as a systemd user service with a companion
// socket unit feeding its stdin. Properties, stop file, logs and result live
// in a hidden daemon directory that the service itself never manages.
type SystemdExecutor struct {
	units       unitManager
	hidden      daemon.Options
	unitDir     string
	executable  string
	stopTimeout time.Duration
	logger      zerolog.Logger
}

func newSystemdExecutor(r *Registry, _ string) (Executor, error) {
	opts := r.daemonOptions()
	opts.DaemonsDir = filepath.Join(r.cfg.SystemdDir, "jobs")
	opts.LogsDir = filepath.Join(r.cfg.SystemdDir, "logs")
	return NewSystemdExecutor(r.systemctl, opts, r.cfg.UnitDir, r.logger), nil
}

// NewSystemdExecutor builds a systemd executor. hidden locates the per-job
// metadata directories and log settings.
func NewSystemdExecutor(sysctl Systemctl, hidden daemon.Options, unitDir string, logger zerolog.Logger) *SystemdExecutor {
	stopTimeout := hidden.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = 8 * time.Second
	}
	return &SystemdExecutor{
		units:       unitManager{sysctl: sysctl},
		hidden:      hidden,
		unitDir:     unitDir,
		executable:  hidden.Executable,
		stopTimeout: stopTimeout,
		logger:      logger.With().Str("executor", "systemd").Logger(),
	}
}

func (e *SystemdExecutor) Keys() string { return "systemd" }

func serviceName(name string) string { return unitPrefix + name + ".service" }
func socketName(name string) string  { return unitPrefix + name + ".socket" }

func (e *SystemdExecutor) servicePath(name string) string {
	return filepath.Join(e.unitDir, serviceName(name))
}

func (e *SystemdExecutor) socketPath(name string) string {
	return filepath.Join(e.unitDir, socketName(name))
}

func (e *SystemdExecutor) daemon(name string) (*daemon.Daemon, error) {
	return daemon.New(e.hidden, name)
}

func (e *SystemdExecutor) JobExists(_ context.Context, name string) (bool, error) {
	if err := daemon.ValidateID(name); err != nil {
		return false, err
	}
	_, err := os.Stat(e.servicePath(name))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (e *SystemdExecutor) Jobs(_ context.Context) ([]*Job, error) {
	entries, err := os.ReadDir(e.unitDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list units: %w", err)
	}
	var names []string
	for _, entry := range entries {
		name, ok := strings.CutPrefix(entry.Name(), unitPrefix)
		if !ok {
			continue
		}
		if name, ok = strings.CutSuffix(name, ".service"); ok && daemon.ValidateID(name) == nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	jobs := make([]*Job, 0, len(names))
	for _, name := range names {
		d, err := e.daemon(name)
		if err != nil {
			continue
		}
		jobs = append(jobs, newJob(e, name, d.Properties().Target.SysArgs(), e.logger))
	}
	return jobs, nil
}

func (e *SystemdExecutor) CreateJob(ctx context.Context, spec Spec) Result {
	d, err := e.daemon(spec.Name)
	if err != nil {
		return daemon.Failure("Invalid job name '%s': %v", spec.Name, err)
	}
	if exists, _ := e.JobExists(ctx, spec.Name); exists {
		return daemon.Failure("Job '%s' already exists.", spec.Name)
	}
	target, err := daemon.TargetFromSysArgs(spec.SysArgs)
	if err != nil {
		return daemon.Failure("Cannot create job '%s': %v", spec.Name, err)
	}
	target.Kw = spec.Kw

	if err := os.MkdirAll(d.Dir(), 0o755); err != nil {
		return daemon.Failure("Cannot create job '%s': %v", spec.Name, err)
	}
	if err := d.WriteTarget(target); err != nil {
		return daemon.Failure("Cannot create job '%s': %v", spec.Name, err)
	}
	patch := spec.Patch.Overlay(daemon.Patch{
		Target:      &target,
		Began:       daemon.Now(),
		Ended:       daemon.Clear(),
		Paused:      daemon.Clear(),
		ClearResult: true,
		Extra: map[string]string{
			"executor":           "systemd",
			"unit":               serviceName(spec.Name),
			"externally_managed": "true",
		},
	})
	props, err := d.PatchProperties(patch)
	if err != nil {
		return daemon.Failure("Cannot create job '%s': %v", spec.Name, err)
	}
	if err := d.RemoveStopFile(); err != nil {
		return daemon.Failure("Cannot create job '%s': %v", spec.Name, err)
	}

	if err := e.writeUnits(d, props); err != nil {
		return daemon.Failure("Cannot create job '%s': %v", spec.Name, err)
	}
	if err := e.units.DaemonReload(ctx); err != nil {
		return daemon.Failure("Failed to reload units for job '%s': %v", spec.Name, err)
	}
	if err := e.units.Start(ctx, socketName(spec.Name)); err != nil {
		return daemon.Failure("Failed to start stdin socket of job '%s': %v", spec.Name, err)
	}
	if err := e.units.Start(ctx, serviceName(spec.Name)); err != nil {
		return daemon.Failure("Failed to start job '%s': %v", spec.Name, err)
	}

	e.logger.Info().Str("job", spec.Name).Str("unit", serviceName(spec.Name)).Strs("sysargs", spec.SysArgs).Msg("systemd job created")
	return daemon.Success("Started job '%s' as %s.", spec.Name, serviceName(spec.Name))
}

func (e *SystemdExecutor) writeUnits(d *daemon.Daemon, props daemon.Properties) error {
	exe := e.executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return fmt.Errorf("resolve executable: %w", err)
		}
	}

	data := unitData{
		Name:           d.ID,
		Socket:         socketName(d.ID),
		ExecStart:      execStart(append([]string{exe, "_exec"}, props.Target.SysArgs()...)),
		Environment:    e.unitEnvironment(d, props),
		TimeoutStopSec: int(e.stopTimeout.Seconds()),
		Restart:        props.Restart,
		StdinPath:      d.StdinPath(),
	}
	if data.TimeoutStopSec < 1 {
		data.TimeoutStopSec = 1
	}

	var service, socket bytes.Buffer
	if err := serviceTmpl.Execute(&service, data); err != nil {
		return fmt.Errorf("render service unit: %w", err)
	}
	if err := socketTmpl.Execute(&socket, data); err != nil {
		return fmt.Errorf("render socket unit: %w", err)
	}

	if err := os.MkdirAll(e.unitDir, 0o755); err != nil {
		return fmt.Errorf("create unit directory: %w", err)
	}
	if err := os.WriteFile(e.servicePath(d.ID), service.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write service unit: %w", err)
	}
	if err := os.WriteFile(e.socketPath(d.ID), socket.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write socket unit: %w", err)
	}
	e.logger.Debug().Str("job", d.ID).Str("path", e.servicePath(d.ID)).Msg("wrote systemd units")
	return nil
}

// unitEnvironment points the re-invoked program at the hidden daemon.
func (e *SystemdExecutor) unitEnvironment(d *daemon.Daemon, props daemon.Properties) []string {
	vars := map[string]string{
		daemon.EnvDaemonID:               d.ID,
		daemon.EnvResultPath:             d.ResultPath(),
		"PIPEJOBS_JOB_NAME":              d.ID,
		"PIPEJOBS_DAEMONS_DIR":           e.hidden.DaemonsDir,
		"PIPEJOBS_LOGS_DIR":              e.hidden.LogsDir,
		"PIPEJOBS_STDIN_PATH":            d.StdinPath(),
		"PIPEJOBS_LOG_TIMESTAMPS":        strconv.FormatBool(e.hidden.LogTimestamps),
		"PIPEJOBS_LOG_MAX_FILE_SIZE":     strconv.FormatInt(e.hidden.LogMaxFileSize, 10),
		"PIPEJOBS_LOG_NUM_FILES_TO_KEEP": strconv.Itoa(e.hidden.LogNumFilesToKeep),
	}
	if e.hidden.LogMaxFileSize <= 0 {
		delete(vars, "PIPEJOBS_LOG_MAX_FILE_SIZE")
	}
	if e.hidden.LogNumFilesToKeep <= 0 {
		delete(vars, "PIPEJOBS_LOG_NUM_FILES_TO_KEEP")
	}
	for k, v := range props.Env {
		vars[k] = v
	}

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, quoteEnvironment(k+"="+vars[k]))
	}
	return env
}

// execStart renders a command line for ExecStart=.
func execStart(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = quoteUnitArg(a)
	}
	return strings.Join(quoted, " ")
}

// quoteUnitArg escapes specifiers and variable expansion, and double-quotes
// words that contain whitespace, quotes or backslashes.
func quoteUnitArg(s string) string {
	s = strings.ReplaceAll(s, "%", "%%")
	s = strings.ReplaceAll(s, "$", "$$")
	if s != "" && !strings.ContainsAny(s, " \t\n\"'\\;") {
		return s
	}
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\t", `\t`)
	return `"` + r.Replace(s) + `"`
}

// quoteEnvironment is quoteUnitArg for Environment=, where $ is not expanded.
func quoteEnvironment(s string) string {
	s = strings.ReplaceAll(s, "%", "%%")
	if !strings.ContainsAny(s, " \t\n\"'\\") {
		return s
	}
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\t", `\t`)
	return `"` + r.Replace(s) + `"`
}

func (e *SystemdExecutor) StartJob(ctx context.Context, name string) Result {
	d, err := e.daemon(name)
	if err != nil {
		return daemon.Failure("Invalid job name '%s': %v", name, err)
	}
	if exists, _ := e.JobExists(ctx, name); !exists {
		return daemon.Failure("Job '%s' does not exist.", name)
	}

	status, err := e.JobStatus(ctx, name)
	if err != nil {
		return daemon.Failure("Failed to get status of job '%s': %v", name, err)
	}
	switch status {
	case StatusRunning:
		return daemon.Success("Job '%s' is already running.", name)
	case StatusPaused:
		if err := e.units.Signal(ctx, serviceName(name), "SIGCONT"); err != nil {
			return daemon.Failure("Failed to resume job '%s': %v", name, err)
		}
		if _, err := d.PatchProperties(daemon.Patch{Paused: daemon.Clear()}); err != nil {
			e.logger.Warn().Err(err).Str("job", name).Msg("could not record resume")
		}
		if err := d.RemoveStopFile(); err != nil {
			e.logger.Warn().Err(err).Str("job", name).Msg("could not remove stop file")
		}
		return daemon.Success("Resumed job '%s'.", name)
	}

	if err := d.RemoveStopFile(); err != nil {
		return daemon.Failure("Cannot start job '%s': %v", name, err)
	}
	if err := os.Remove(d.ResultPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return daemon.Failure("Cannot start job '%s': %v", name, err)
	}
	patch := daemon.Patch{Began: daemon.Now(), Ended: daemon.Clear(), Paused: daemon.Clear(), ClearResult: true}
	if _, err := d.PatchProperties(patch); err != nil {
		return daemon.Failure("Cannot start job '%s': %v", name, err)
	}
	if err := e.units.Start(ctx, socketName(name)); err != nil {
		return daemon.Failure("Failed to start stdin socket of job '%s': %v", name, err)
	}
	if err := e.units.Start(ctx, serviceName(name)); err != nil {
		return daemon.Failure("Failed to start job '%s': %v", name, err)
	}
	return daemon.Success("Started job '%s'.", name)
}

func (e *SystemdExecutor) StopJob(ctx context.Context, name string, timeout time.Duration) Result {
	d, err := e.daemon(name)
	if err != nil {
		return daemon.Failure("Invalid job name '%s': %v", name, err)
	}
	if exists, _ := e.JobExists(ctx, name); !exists {
		return daemon.Success("Job '%s' does not exist.", name)
	}
	status, err := e.JobStatus(ctx, name)
	if err != nil {
		return daemon.Failure("Failed to get status of job '%s': %v", name, err)
	}
	if status == StatusStopped {
		return daemon.Success("Job '%s' is not running.", name)
	}

	if err := d.WriteStopFile(daemon.StopActionQuit); err != nil {
		return daemon.Failure("Failed to stop job '%s': %v", name, err)
	}
	if status == StatusPaused {
		_ = e.units.Signal(ctx, serviceName(name), "SIGCONT")
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	err = e.units.Stop(stopCtx, serviceName(name))
	timedOut := ctx.Err() == nil && errors.Is(stopCtx.Err(), context.DeadlineExceeded)
	cancel()

	killed := false
	if err != nil {
		if !timedOut {
			return daemon.Failure("Failed to stop job '%s': %v", name, err)
		}
		if err := e.killUnit(ctx, name); err != nil {
			return daemon.Failure("Job '%s' did not stop within %s and could not be killed: %v", name, timeout, err)
		}
		killed = true
	}
	if _, err := d.PatchProperties(daemon.Patch{Ended: daemon.Now(), Paused: daemon.Clear()}); err != nil {
		e.logger.Warn().Err(err).Str("job", name).Msg("could not record stop")
	}
	if killed {
		return daemon.Success("Killed job '%s' after it did not stop within %s.", name, timeout)
	}
	return daemon.Success("Successfully stopped job '%s'.", name)
}

// killUnit SIGKILLs a unit whose stop timed out, waits for systemd to see it
// gone and leaves it disabled.
func (e *SystemdExecutor) killUnit(ctx context.Context, name string) error {
	if err := e.units.Signal(ctx, serviceName(name), "SIGKILL"); err != nil {
		return err
	}
	gone := waitUntil(ctx, killWait, func() bool {
		st, err := e.JobStatus(ctx, name)
		return err == nil && st == StatusStopped
	})
	if !gone {
		return fmt.Errorf("unit still active %s after SIGKILL", killWait)
	}
	return e.units.Disable(ctx, serviceName(name))
}

func (e *SystemdExecutor) PauseJob(ctx context.Context, name string, timeout time.Duration) Result {
	d, err := e.daemon(name)
	if err != nil {
		return daemon.Failure("Invalid job name '%s': %v", name, err)
	}
	if exists, _ := e.JobExists(ctx, name); !exists {
		return daemon.Failure("Job '%s' does not exist.", name)
	}
	status, err := e.JobStatus(ctx, name)
	if err != nil {
		return daemon.Failure("Failed to get status of job '%s': %v", name, err)
	}
	switch status {
	case StatusStopped:
		return daemon.Success("Job '%s' is not running.", name)
	case StatusPaused:
		return daemon.Success("Job '%s' is already paused.", name)
	}

	if err := e.units.Signal(ctx, serviceName(name), "SIGSTOP"); err != nil {
		return daemon.Failure("Failed to pause job '%s': %v", name, err)
	}
	paused := waitUntil(ctx, timeout, func() bool {
		st, err := e.JobStatus(ctx, name)
		return err == nil && st == StatusPaused
	})
	if !paused {
		return daemon.Failure("Job '%s' did not pause within %s.", name, timeout)
	}
	if _, err := d.PatchProperties(daemon.Patch{Paused: daemon.Now()}); err != nil {
		return daemon.Failure("Paused job '%s' but could not record it: %v", name, err)
	}
	if err := d.WriteStopFile(daemon.StopActionPause); err != nil {
		return daemon.Failure("Paused job '%s' but could not record it: %v", name, err)
	}
	return daemon.Success("Paused job '%s'.", name)
}

// DeleteJob tears the job down step by step. The first failing step ends the
// deletion and is named in the result.
func (e *SystemdExecutor) DeleteJob(ctx context.Context, name string) Result {
	d, err := e.daemon(name)
	if err != nil {
		return daemon.Failure("Invalid job name '%s': %v", name, err)
	}
	exists, _ := e.JobExists(ctx, name)
	if !exists && !d.Exists() {
		return daemon.Success("Job '%s' does not exist.", name)
	}

	steps := []struct {
		name string
		run  func() error
	}{
		{"stop", func() error {
			if !exists {
				return nil
			}
			if res := e.StopJob(ctx, name, e.stopTimeout); !res.Success {
				return errors.New(res.Message)
			}
			return nil
		}},
		{"disable", func() error {
			if !exists {
				return nil
			}
			if err := e.units.Disable(ctx, serviceName(name)); err != nil {
				return err
			}
			return e.units.Stop(ctx, socketName(name))
		}},
		{"remove service unit", func() error { return removeIfExists(e.servicePath(name)) }},
		{"remove socket unit", func() error { return removeIfExists(e.socketPath(name)) }},
		{"remove result file", func() error { return removeIfExists(d.ResultPath()) }},
		{"remove logs", func() error {
			log, err := d.OpenLog()
			if err != nil {
				return err
			}
			return log.Delete()
		}},
		{"remove job directory", func() error { return os.RemoveAll(d.Dir()) }},
		{"daemon-reload", func() error { return e.units.DaemonReload(ctx) }},
	}
	for _, step := range steps {
		if err := step.run(); err != nil {
			e.logger.Warn().Err(err).Str("job", name).Str("step", step.name).Msg("job deletion failed")
			return daemon.Failure("Failed to delete job '%s' at step '%s': %v", name, step.name, err)
		}
	}
	e.logger.Info().Str("job", name).Msg("systemd job deleted")
	return daemon.Success("Deleted job '%s'.", name)
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// JobStatus reads the unit state. An inactive unit or one without a main
// process is stopped; a suspended main process is paused.
func (e *SystemdExecutor) JobStatus(ctx context.Context, name string) (Status, error) {
	st, err := e.units.Show(ctx, serviceName(name))
	if err != nil {
		return StatusStopped, err
	}
	return unitStatus(st), nil
}

func unitStatus(st unitState) Status {
	if st.MainPID == 0 || st.ActiveState != "active" {
		return StatusStopped
	}
	return daemon.ProcessStatus(st.MainPID)
}

func (e *SystemdExecutor) JobPID(ctx context.Context, name string) (int, error) {
	st, err := e.units.Show(ctx, serviceName(name))
	if err != nil {
		return 0, err
	}
	if unitStatus(st) == StatusStopped {
		return 0, nil
	}
	return st.MainPID, nil
}

// JobProperties returns the hidden daemon's properties reconciled with the
// result file and the unit's own timestamps, which win over cached values.
func (e *SystemdExecutor) JobProperties(ctx context.Context, name string) (daemon.Properties, error) {
	d, err := e.daemon(name)
	if err != nil {
		return daemon.Properties{}, err
	}
	props := d.Properties()

	if res, err := daemon.ReadResultFile(d.ResultPath()); err != nil {
		e.logger.Warn().Err(err).Str("job", name).Msg("could not read result file")
	} else if res != nil {
		props.Result = res
	}

	st, err := e.units.Show(ctx, serviceName(name))
	if err != nil {
		return props, nil
	}
	if t, ok := parseSystemdTime(st.ExecMainStartAt); ok {
		props.Process.Began = &t
	}
	if unitStatus(st) == StatusStopped {
		if t, ok := parseSystemdTime(st.ExecMainExitAt); ok {
			props.Process.Ended = &t
		}
		props.Process.Paused = nil
	}
	return props, nil
}

func parseSystemdTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" || s == "n/a" {
		return time.Time{}, false
	}
	t, err := time.Parse(systemdTimeLayout, s)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

func (e *SystemdExecutor) JobStopTime(_ context.Context, name string) (*time.Time, error) {
	d, err := e.daemon(name)
	if err != nil {
		return nil, err
	}
	return d.StopTime(), nil
}

func (e *SystemdExecutor) Logs(_ context.Context, name string) (string, error) {
	d, err := e.daemon(name)
	if err != nil {
		return "", err
	}
	log, err := d.OpenLog()
	if err != nil {
		return "", err
	}
	data, err := log.Read()
	if err != nil {
		return "", fmt.Errorf("read logs of job '%s': %w", name, err)
	}
	return string(data), nil
}

func (e *SystemdExecutor) MonitorLogs(ctx context.Context, name string, opts MonitorOptions) error {
	d, err := e.daemon(name)
	if err != nil {
		return err
	}
	if exists, _ := e.JobExists(ctx, name); !exists {
		return fmt.Errorf("job '%s': %w", name, daemon.ErrNotFound)
	}
	src := daemonMonitorSource(d, e.hidden.StdinRetryInterval)
	src.status = func() Status {
		st, err := e.JobStatus(ctx, name)
		if err != nil {
			return StatusStopped
		}
		return st
	}
	src.result = func() *Result {
		props, _ := e.JobProperties(ctx, name)
		return props.Result
	}
	return monitor(ctx, src, opts, e.logger.With().Str("job", name).Logger())
}

func (e *SystemdExecutor) WriteStdin(ctx context.Context, name, data string) error {
	d, err := e.daemon(name)
	if err != nil {
		return err
	}
	if exists, _ := e.JobExists(ctx, name); !exists {
		return fmt.Errorf("job '%s': %w", name, daemon.ErrNotFound)
	}
	return writeStdin(d.StdinPath(), e.hidden.StdinRetryInterval, data)
}

func (e *SystemdExecutor) BlockedOnStdin(_ context.Context, name string) (bool, error) {
	d, err := e.daemon(name)
	if err != nil {
		return false, err
	}
	return stdinfile.New(d.StdinPath()).Blocked(), nil
}

// waitUntil polls cond until it holds, timeout elapses or ctx is done.
func waitUntil(ctx context.Context, timeout time.Duration, cond func() bool) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if cond() {
			return true
		}
		select {
		case <-ctx.Done():
			return cond()
		case <-ticker.C:
		}
	}
}
