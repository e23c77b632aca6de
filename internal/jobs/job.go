package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/pipejobs/internal/daemon"
	"github.com/edvin/pipejobs/internal/metrics"
)

// Job is a named handle on a job hosted by an executor. Its state lives in
// the backend; the handle itself only carries the name, the sysargs used to
// create it and a properties patch layered over what the backend reports.
type Job struct {
	name     string
	sysargs  []string
	kw       map[string]string
	patch    daemon.Patch
	executor Executor
	logger   zerolog.Logger
}

func newJob(e Executor, name string, sysargs []string, logger zerolog.Logger) *Job {
	return &Job{
		name:     name,
		sysargs:  sysargs,
		executor: e,
		logger:   logger.With().Str("job", name).Str("executor", e.Keys()).Logger(),
	}
}

func (j *Job) Name() string         { return j.name }
func (j *Job) SysArgs() []string    { return j.sysargs }
func (j *Job) ExecutorKeys() string { return j.executor.Keys() }
func (j *Job) Executor() Executor   { return j.executor }
func (j *Job) IsLocal() bool        { return ExecutorType(j.executor.Keys()) == "local" }

// SetKw sets keyword arguments passed to the action when the job is created.
func (j *Job) SetKw(kw map[string]string) { j.kw = kw }

func (j *Job) String() string {
	return fmt.Sprintf("Job('%s', executor='%s')", j.name, j.executor.Keys())
}

// do runs a lifecycle operation, converting panics into a failed Result and
// recording the outcome.
func (j *Job) do(action string, fn func() Result) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = daemon.Failure("Failed to %s job '%s': %v", action, j.name, r)
		}
		metrics.JobActionsTotal.WithLabelValues(ExecutorType(j.executor.Keys()), action, metrics.Outcome(res.Success)).Inc()
		event := j.logger.Info()
		if !res.Success {
			event = j.logger.Warn()
		}
		event.Str("action", action).Bool("success", res.Success).Msg(res.Message)
	}()
	return fn()
}

func (j *Job) Exists(ctx context.Context) bool {
	exists, err := j.executor.JobExists(ctx, j.name)
	if err != nil {
		j.logger.Warn().Err(err).Msg("could not check job existence")
		return false
	}
	return exists
}

// Start creates the job if it does not exist yet, otherwise starts it. Starting
// a running job succeeds without restarting it; a paused job is resumed.
func (j *Job) Start(ctx context.Context) Result {
	return j.do("start", func() Result {
		if j.Exists(ctx) {
			return j.executor.StartJob(ctx, j.name)
		}
		if len(j.sysargs) == 0 {
			return daemon.Failure("Job '%s' does not exist and has no sysargs to create it.", j.name)
		}
		return j.executor.CreateJob(ctx, Spec{Name: j.name, SysArgs: j.sysargs, Kw: j.kw, Patch: j.patch})
	})
}

// Stop asks the job to quit and falls back to killing it after timeout.
func (j *Job) Stop(ctx context.Context, timeout time.Duration) Result {
	return j.do("stop", func() Result {
		return j.executor.StopJob(ctx, j.name, timeout)
	})
}

func (j *Job) Pause(ctx context.Context, timeout time.Duration) Result {
	return j.do("pause", func() Result {
		return j.executor.PauseJob(ctx, j.name, timeout)
	})
}

// Delete stops the job and removes everything it left behind. Deleting a job
// that does not exist succeeds.
func (j *Job) Delete(ctx context.Context) Result {
	return j.do("delete", func() Result {
		return j.executor.DeleteJob(ctx, j.name)
	})
}

// Status reports stopped when the backend cannot be reached.
func (j *Job) Status(ctx context.Context) Status {
	status, err := j.executor.JobStatus(ctx, j.name)
	if err != nil {
		j.logger.Warn().Err(err).Msg("could not get job status")
		return StatusStopped
	}
	return status
}

func (j *Job) PID(ctx context.Context) int {
	pid, err := j.executor.JobPID(ctx, j.name)
	if err != nil {
		return 0
	}
	return pid
}

// Properties returns the backend's properties with the handle's patch applied.
func (j *Job) Properties(ctx context.Context) daemon.Properties {
	props, err := j.executor.JobProperties(ctx, j.name)
	if err != nil {
		j.logger.Warn().Err(err).Msg("could not get job properties")
	}
	merged, err := props.Merge(j.patch)
	if err != nil {
		return props
	}
	return merged
}

func (j *Job) Began(ctx context.Context) *time.Time  { return j.Properties(ctx).Process.Began }
func (j *Job) Ended(ctx context.Context) *time.Time  { return j.Properties(ctx).Process.Ended }
func (j *Job) Paused(ctx context.Context) *time.Time { return j.Properties(ctx).Process.Paused }
func (j *Job) Restart(ctx context.Context) bool      { return j.Properties(ctx).Restart }
func (j *Job) Label(ctx context.Context) string      { return j.Properties(ctx).Label }
func (j *Job) Result(ctx context.Context) *Result    { return j.Properties(ctx).Result }

// StopTime is set only by an explicit stop or pause.
func (j *Job) StopTime(ctx context.Context) *time.Time {
	t, err := j.executor.JobStopTime(ctx, j.name)
	if err != nil {
		j.logger.Warn().Err(err).Msg("could not get job stop time")
		return nil
	}
	return t
}

// CheckRestart starts the job again if it has stopped on its own and is
// flagged for restarts. Explicitly stopped or paused jobs are left alone.
func (j *Job) CheckRestart(ctx context.Context) Result {
	due, reason := j.restartCheck(ctx)
	if !due {
		return daemon.Success("%s", reason)
	}
	return j.Start(ctx)
}

// RestartDue reports whether CheckRestart would start the job.
func (j *Job) RestartDue(ctx context.Context) bool {
	due, _ := j.restartCheck(ctx)
	return due
}

func (j *Job) restartCheck(ctx context.Context) (bool, string) {
	if j.Status(ctx) == StatusRunning {
		return false, fmt.Sprintf("Job '%s' is running.", j.name)
	}
	if !j.Restart(ctx) {
		return false, fmt.Sprintf("Job '%s' does not need to be restarted.", j.name)
	}
	if j.StopTime(ctx) != nil {
		return false, fmt.Sprintf("Job '%s' was manually stopped.", j.name)
	}
	return true, ""
}

func (j *Job) Logs(ctx context.Context) (string, error) {
	return j.executor.Logs(ctx, j.name)
}

// MonitorLogs streams the job's output to opts.Callback until ctx is
// cancelled or a callback returns ErrStopMonitoring.
func (j *Job) MonitorLogs(ctx context.Context, opts MonitorOptions) error {
	metrics.LogMonitors.Inc()
	defer metrics.LogMonitors.Dec()
	return j.executor.MonitorLogs(ctx, j.name, opts)
}

// MonitorLogsAsync runs MonitorLogs in a goroutine. The channel receives its
// result and is then closed.
func (j *Job) MonitorLogsAsync(ctx context.Context, opts MonitorOptions) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		errCh <- j.MonitorLogs(ctx, opts)
	}()
	return errCh
}

func (j *Job) WriteStdin(ctx context.Context, data string) error {
	return j.executor.WriteStdin(ctx, j.name, data)
}

func (j *Job) BlockedOnStdin(ctx context.Context) bool {
	blocked, err := j.executor.BlockedOnStdin(ctx, j.name)
	return err == nil && blocked
}

// Info is the wire representation of a job.
type Info struct {
	Name           string            `json:"name"`
	Executor       string            `json:"executor"`
	Exists         bool              `json:"exists"`
	Status         Status            `json:"status"`
	PID            int               `json:"pid,omitempty"`
	SysArgs        []string          `json:"sysargs"`
	Properties     daemon.Properties `json:"properties"`
	StopTime       *time.Time        `json:"stop_time,omitempty"`
	BlockedOnStdin bool              `json:"blocked_on_stdin"`
}

// Info collects the job's current state.
func (j *Job) Info(ctx context.Context) Info {
	info := Info{
		Name:     j.name,
		Executor: j.executor.Keys(),
		Exists:   j.Exists(ctx),
		SysArgs:  j.sysargs,
		Status:   StatusStopped,
	}
	if !info.Exists {
		return info
	}
	info.Status = j.Status(ctx)
	info.PID = j.PID(ctx)
	info.Properties = j.Properties(ctx)
	info.StopTime = j.StopTime(ctx)
	info.BlockedOnStdin = j.BlockedOnStdin(ctx)
	if len(info.SysArgs) == 0 {
		info.SysArgs = info.Properties.Target.SysArgs()
	}
	return info
}
