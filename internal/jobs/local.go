package jobs

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/pipejobs/internal/daemon"
	"github.com/edvin/pipejobs/internal/stdinfile"
)

// LocalExecutor hosts each job as a detached daemon on this machine. The job
// name is the daemon id.
type LocalExecutor struct {
	opts   daemon.Options
	logger zerolog.Logger
}

func newLocalExecutor(r *Registry, _ string) (Executor, error) {
	return NewLocalExecutor(r.daemonOptions(), r.logger), nil
}

func NewLocalExecutor(opts daemon.Options, logger zerolog.Logger) *LocalExecutor {
	return &LocalExecutor{
		opts:   opts,
		logger: logger.With().Str("executor", "local").Logger(),
	}
}

func (e *LocalExecutor) Keys() string { return "local" }

func (e *LocalExecutor) daemon(name string) (*daemon.Daemon, error) {
	return daemon.New(e.opts, name)
}

func (e *LocalExecutor) JobExists(_ context.Context, name string) (bool, error) {
	d, err := e.daemon(name)
	if err != nil {
		return false, err
	}
	return d.Exists(), nil
}

func (e *LocalExecutor) Jobs(_ context.Context) ([]*Job, error) {
	ids, err := daemon.List(e.opts)
	if err != nil {
		return nil, err
	}
	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		d, err := e.daemon(id)
		if err != nil {
			continue
		}
		jobs = append(jobs, newJob(e, id, d.Properties().Target.SysArgs(), e.logger))
	}
	return jobs, nil
}

func (e *LocalExecutor) CreateJob(_ context.Context, spec Spec) Result {
	d, err := e.daemon(spec.Name)
	if err != nil {
		return daemon.Failure("Invalid job name '%s': %v", spec.Name, err)
	}
	if d.Exists() {
		return daemon.Failure("Job '%s' already exists.", spec.Name)
	}
	target, err := daemon.TargetFromSysArgs(spec.SysArgs)
	if err != nil {
		return daemon.Failure("Cannot create job '%s': %v", spec.Name, err)
	}
	target.Kw = spec.Kw
	return d.Run(daemon.RunOptions{Target: &target, Patch: spec.Patch})
}

func (e *LocalExecutor) StartJob(_ context.Context, name string) Result {
	d, err := e.daemon(name)
	if err != nil || !d.Exists() {
		return daemon.Failure("Job '%s' does not exist.", name)
	}
	switch d.Status() {
	case StatusRunning:
		return daemon.Success("Job '%s' is already running.", name)
	case StatusPaused:
		return d.Resume(e.opts.StopTimeout)
	}
	return d.Run(daemon.RunOptions{AllowDirtyRun: true})
}

func (e *LocalExecutor) StopJob(_ context.Context, name string, timeout time.Duration) Result {
	d, err := e.daemon(name)
	if err != nil || !d.Exists() {
		return daemon.Success("Job '%s' does not exist.", name)
	}
	if d.Status() == StatusStopped {
		return daemon.Success("Job '%s' is not running.", name)
	}
	if res := d.Quit(timeout); res.Success {
		return daemon.Success("Successfully stopped job '%s'.", name)
	}
	e.logger.Warn().Str("job", name).Dur("timeout", timeout).Msg("job did not quit in time, killing")
	if res := d.Kill(timeout); !res.Success {
		return res
	}
	return daemon.Success("Successfully killed job '%s'.", name)
}

func (e *LocalExecutor) PauseJob(_ context.Context, name string, timeout time.Duration) Result {
	d, err := e.daemon(name)
	if err != nil || !d.Exists() {
		return daemon.Failure("Job '%s' does not exist.", name)
	}
	if d.Status() == StatusStopped {
		return daemon.Success("Job '%s' is not running.", name)
	}
	return d.Pause(timeout)
}

func (e *LocalExecutor) DeleteJob(_ context.Context, name string) Result {
	d, err := e.daemon(name)
	if err != nil || !d.Exists() {
		return daemon.Success("Job '%s' does not exist.", name)
	}
	if res := d.Cleanup(false); !res.Success {
		return res
	}
	return daemon.Success("Deleted job '%s'.", name)
}

func (e *LocalExecutor) JobStatus(_ context.Context, name string) (Status, error) {
	d, err := e.daemon(name)
	if err != nil {
		return StatusStopped, err
	}
	return d.Status(), nil
}

func (e *LocalExecutor) JobPID(_ context.Context, name string) (int, error) {
	d, err := e.daemon(name)
	if err != nil {
		return 0, err
	}
	if d.Status() == StatusStopped {
		return 0, nil
	}
	pid, _ := d.PID()
	return pid, nil
}

func (e *LocalExecutor) JobProperties(_ context.Context, name string) (daemon.Properties, error) {
	d, err := e.daemon(name)
	if err != nil {
		return daemon.Properties{}, err
	}
	return d.Properties(), nil
}

func (e *LocalExecutor) JobStopTime(_ context.Context, name string) (*time.Time, error) {
	d, err := e.daemon(name)
	if err != nil {
		return nil, err
	}
	return d.StopTime(), nil
}

func (e *LocalExecutor) Logs(_ context.Context, name string) (string, error) {
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

func (e *LocalExecutor) MonitorLogs(ctx context.Context, name string, opts MonitorOptions) error {
	d, err := e.daemon(name)
	if err != nil {
		return err
	}
	if !d.Exists() {
		return fmt.Errorf("job '%s': %w", name, daemon.ErrNotFound)
	}
	return monitor(ctx, daemonMonitorSource(d, e.opts.StdinRetryInterval), opts, e.logger.With().Str("job", name).Logger())
}

func (e *LocalExecutor) WriteStdin(_ context.Context, name, data string) error {
	d, err := e.daemon(name)
	if err != nil {
		return err
	}
	if !d.Exists() {
		return fmt.Errorf("job '%s': %w", name, daemon.ErrNotFound)
	}
	return writeStdin(d.StdinPath(), e.opts.StdinRetryInterval, data)
}

func (e *LocalExecutor) BlockedOnStdin(_ context.Context, name string) (bool, error) {
	d, err := e.daemon(name)
	if err != nil {
		return false, err
	}
	return stdinfile.New(d.StdinPath()).Blocked(), nil
}

// daemonMonitorSource watches the files of d. Systemd jobs reuse it for
// their hidden daemons.
func daemonMonitorSource(d *daemon.Daemon, retry time.Duration) monitorSource {
	return monitorSource{
		openLog:   d.OpenLog,
		watchDirs: []string{filepath.Dir(d.LogPath()), d.Dir()},
		blockPath: filepath.Clean(stdinfile.New(d.StdinPath()).BlockingPath()),
		pidPath:   filepath.Clean(d.PIDPath()),
		status:    d.Status,
		result:    func() *Result { return d.Properties().Result },
		writeStdin: func(data string) error {
			return writeStdin(d.StdinPath(), retry, data)
		},
	}
}

func writeStdin(path string, retry time.Duration, data string) error {
	err := stdinfile.New(path, stdinfile.WithRetryInterval(retry)).WriteLine(data)
	if errors.Is(err, stdinfile.ErrNoReader) {
		return fmt.Errorf("job is not reading its stdin: %w", err)
	}
	return err
}
