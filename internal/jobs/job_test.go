package jobs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/pipejobs/internal/daemon"
)

func TestJob_ETLScenario(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	j := startJob(t, r, "etl-job", daemon.Patch{Restart: boolPtr(true)}, "sync", "pipes")
	require.Eventually(t, func() bool { return j.Status(ctx) == StatusRunning }, 2*time.Second, 20*time.Millisecond)
	assert.Greater(t, j.PID(ctx), 0)
	assert.True(t, j.Restart(ctx))
	assert.NotNil(t, j.Began(ctx))

	res := j.Stop(ctx, 5*time.Second)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "Successfully stopped job 'etl-job'.", res.Message)
	assert.Equal(t, StatusStopped, j.Status(ctx))
	assert.NotNil(t, j.StopTime(ctx))

	res = j.CheckRestart(ctx)
	assert.True(t, res.Success)
	assert.Contains(t, res.Message, "manually stopped")
	assert.Equal(t, StatusStopped, j.Status(ctx))

	result := j.Result(ctx)
	require.NotNil(t, result)
	assert.Contains(t, result.Message, "interrupted")
}

func TestJob_StartRunningJobDoesNotRestart(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	j := startJob(t, r, "busy", daemon.Patch{}, "sync", "a")
	pid := j.PID(ctx)

	res := j.Start(ctx)
	assert.True(t, res.Success)
	assert.Contains(t, res.Message, "already running")
	assert.Equal(t, pid, j.PID(ctx))
}

func TestJob_StartWithoutSysArgs(t *testing.T) {
	r := newTestRegistry(t)
	j, err := r.NewJob("nothing", nil, "local", daemon.Patch{})
	require.NoError(t, err)

	res := j.Start(context.Background())
	assert.False(t, res.Success)
	assert.False(t, j.Exists(context.Background()))
}

func TestJob_CheckRestart_RelaunchesJobThatStoppedOnItsOwn(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	j := startJob(t, r, "flaky", daemon.Patch{Restart: boolPtr(true)}, "once", "flaky")
	require.Eventually(t, func() bool {
		return j.Result(ctx) != nil && j.Status(ctx) == StatusStopped
	}, 10*time.Second, 50*time.Millisecond)
	require.Nil(t, j.StopTime(ctx))

	res := j.CheckRestart(ctx)
	require.True(t, res.Success, res.Message)
	assert.Contains(t, res.Message, "Started")
}

func TestJob_CheckRestart_WithoutRestartFlag(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	j := startJob(t, r, "oneshot", daemon.Patch{}, "once", "x")
	require.Eventually(t, func() bool {
		return j.Result(ctx) != nil && j.Status(ctx) == StatusStopped
	}, 10*time.Second, 50*time.Millisecond)

	res := j.CheckRestart(ctx)
	assert.True(t, res.Success)
	assert.Contains(t, res.Message, "does not need to be restarted")
}

func TestJob_StopStoppedJobSucceeds(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	j := startJob(t, r, "done", daemon.Patch{}, "once", "bye")
	require.Eventually(t, func() bool { return j.Status(ctx) == StatusStopped }, 10*time.Second, 50*time.Millisecond)

	res := j.Stop(ctx, time.Second)
	assert.True(t, res.Success)
	assert.Contains(t, res.Message, "not running")
	// A stop without a running process records no stop time.
	assert.Nil(t, j.StopTime(ctx))
}

func TestJob_PauseAndResume(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	j := startJob(t, r, "pausable", daemon.Patch{Restart: boolPtr(true)}, "sync", "p")

	res := j.Pause(ctx, 5*time.Second)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, StatusPaused, j.Status(ctx))
	assert.NotNil(t, j.Paused(ctx))

	res = j.CheckRestart(ctx)
	assert.True(t, res.Success)
	assert.Equal(t, StatusPaused, j.Status(ctx))

	res = j.Start(ctx)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, StatusRunning, j.Status(ctx))
	assert.Nil(t, j.Paused(ctx))
	assert.Nil(t, j.StopTime(ctx))
}

func TestJob_Delete(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	j := startJob(t, r, "doomed", daemon.Patch{}, "sync", "x")

	res := j.Delete(ctx)
	require.True(t, res.Success, res.Message)
	assert.False(t, j.Exists(ctx))

	res = j.Delete(ctx)
	assert.True(t, res.Success)
	assert.Contains(t, res.Message, "does not exist")
}

func TestJob_PropertiesIncludePatch(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	label := "nightly"
	j := startJob(t, r, "labelled", daemon.Patch{Label: &label, Env: map[string]string{"STAGE": "prod"}}, "once", "x")

	assert.Equal(t, "nightly", j.Label(ctx))
	assert.Equal(t, "prod", j.Properties(ctx).Env["STAGE"])

	again, err := r.Job(ctx, "labelled", "local")
	require.NoError(t, err)
	assert.Equal(t, []string{"once", "x"}, again.SysArgs())
	assert.Equal(t, "nightly", again.Label(ctx))
}

func TestJob_Info(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	missing, err := r.Job(ctx, "ghost", "")
	require.NoError(t, err)
	info := missing.Info(ctx)
	assert.False(t, info.Exists)
	assert.Equal(t, StatusStopped, info.Status)

	j := startJob(t, r, "described", daemon.Patch{}, "sync", "y")
	info = j.Info(ctx)
	assert.True(t, info.Exists)
	assert.Equal(t, "local", info.Executor)
	assert.Equal(t, StatusRunning, info.Status)
	assert.Equal(t, []string{"sync", "y"}, info.SysArgs)
}

func TestJob_MonitorLogsWithInput(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	r := newTestRegistry(t)
	j := startJob(t, r, "chatty", daemon.Patch{}, "echo", "ready")

	var (
		mu     sync.Mutex
		output strings.Builder
		inputs = []string{"hello", "exit"}
		final  *Result
	)
	err := j.MonitorLogs(ctx, MonitorOptions{
		Heartbeat: 200 * time.Millisecond,
		Callback: func(text string) error {
			mu.Lock()
			defer mu.Unlock()
			output.WriteString(text)
			return nil
		},
		InputCallback: func() (string, error) {
			if len(inputs) == 0 {
				return "", nil
			}
			next := inputs[0]
			inputs = inputs[1:]
			return next, nil
		},
		StopCallback: func(res *Result) error {
			final = res
			return ErrStopMonitoring
		},
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, output.String(), "ready\n")
	assert.Contains(t, output.String(), "hello\n")
	require.NotNil(t, final)
	assert.True(t, final.Success)
	assert.Equal(t, "Echoed 1 lines.", final.Message)
}

func TestJob_MonitorLogsAsync_CallbackError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	r := newTestRegistry(t)
	j := startJob(t, r, "ticker", daemon.Patch{}, "sync", "z")

	boom := errors.New("boom")
	errCh := j.MonitorLogsAsync(ctx, MonitorOptions{
		Heartbeat: 100 * time.Millisecond,
		Callback: func(text string) error {
			if strings.Contains(text, "batch") {
				return boom
			}
			return nil
		},
	})

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, boom)
	case <-ctx.Done():
		t.Fatal("monitor did not return")
	}
	_, open := <-errCh
	assert.False(t, open)
}

func TestJob_WriteStdinAndBlocked(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	j := startJob(t, r, "reader", daemon.Patch{}, "echo", "go")

	require.Eventually(t, func() bool { return j.BlockedOnStdin(ctx) }, 10*time.Second, 20*time.Millisecond)
	require.NoError(t, j.WriteStdin(ctx, "line one"))
	require.NoError(t, j.WriteStdin(ctx, "exit"))

	require.Eventually(t, func() bool { return j.Status(ctx) == StatusStopped }, 10*time.Second, 50*time.Millisecond)
	logs, err := j.Logs(ctx)
	require.NoError(t, err)
	assert.Equal(t, "go\nline one\n", logs)

	missing, err := r.NewJob("absent", nil, "local", daemon.Patch{})
	require.NoError(t, err)
	assert.ErrorIs(t, missing.WriteStdin(ctx, "x"), daemon.ErrNotFound)
}
