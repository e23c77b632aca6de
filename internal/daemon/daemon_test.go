package daemon

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_GeneratesID(t *testing.T) {
	d, err := New(testOptions(t), "")
	require.NoError(t, err)
	assert.Len(t, d.ID, 12)
	assert.False(t, d.Exists())
}

func TestNew_InvalidID(t *testing.T) {
	for _, id := range []string{"..", "a/b", ".hidden"} {
		_, err := New(testOptions(t), id)
		assert.Error(t, err, id)
	}
}

func TestLoad_NotFound(t *testing.T) {
	_, err := Load(testOptions(t), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRun_CompletesAndRecordsResult(t *testing.T) {
	d := startDaemon(t, testOptions(t), "echo-job", "echo", "hello", "world")

	require.Eventually(t, func() bool {
		return d.Properties().Result != nil
	}, 10*time.Second, 50*time.Millisecond)

	props := d.Properties()
	assert.True(t, props.Result.Success)
	assert.Equal(t, "echoed", props.Result.Message)
	assert.NotNil(t, props.Process.Began)
	assert.NotNil(t, props.Process.Ended)
	assert.Equal(t, []string{"echo", "hello", "world"}, props.Target.SysArgs())

	require.Eventually(t, func() bool { return d.Status() == StatusStopped }, 5*time.Second, 50*time.Millisecond)
	_, err := os.Stat(d.PIDPath())
	assert.True(t, os.IsNotExist(err))
	assert.Contains(t, readLog(t, d), "hello world\n")
}

func TestRun_RefusesDirtyDirectory(t *testing.T) {
	opts := testOptions(t)
	d := startDaemon(t, opts, "dirty", "echo", "once")
	require.Eventually(t, func() bool {
		return d.Properties().Result != nil && d.Status() == StatusStopped
	}, 10*time.Second, 50*time.Millisecond)

	res := d.Run(RunOptions{})
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "already exists")

	// Reruns reuse the stored target.
	res = d.Run(RunOptions{AllowDirtyRun: true})
	require.True(t, res.Success, res.Message)
	require.Eventually(t, func() bool { return d.Properties().Result != nil }, 10*time.Second, 50*time.Millisecond)
	assert.Equal(t, "echo", d.Properties().Target.Name)
}

func TestRun_AlreadyRunning(t *testing.T) {
	d := startDaemon(t, testOptions(t), "busy", "sleep")
	require.Eventually(t, func() bool { return d.Status() == StatusRunning }, 5*time.Second, 50*time.Millisecond)

	res := d.Run(RunOptions{AllowDirtyRun: true})
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "already running")
}

func TestQuit(t *testing.T) {
	d := startDaemon(t, testOptions(t), "quitter", "sleep")
	require.Eventually(t, func() bool { return d.Status() == StatusRunning }, 5*time.Second, 50*time.Millisecond)

	res := d.Quit(5 * time.Second)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, StatusStopped, d.Status())
	assert.NotNil(t, d.StopTime())
	assert.Equal(t, StopActionQuit, d.ReadStopFile().Action)

	require.Eventually(t, func() bool { return d.Properties().Result != nil }, 5*time.Second, 50*time.Millisecond)
	assert.False(t, d.Properties().Result.Success)

	// Quitting again is a no-op.
	res = d.Quit(time.Second)
	assert.True(t, res.Success)
	assert.Contains(t, res.Message, "not running")
}

func TestQuit_TimeoutThenKill(t *testing.T) {
	d := startDaemon(t, testOptions(t), "stubborn", "stubborn")
	require.Eventually(t, func() bool { return d.Status() == StatusRunning }, 5*time.Second, 50*time.Millisecond)

	res := d.Quit(300 * time.Millisecond)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "did not stop within")

	res = d.Kill(5 * time.Second)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, StatusStopped, d.Status())
	_, err := os.Stat(d.PIDPath())
	assert.True(t, os.IsNotExist(err))

	props := d.Properties()
	require.NotNil(t, props.Result)
	assert.Contains(t, props.Result.Message, "killed")
	assert.NotNil(t, props.Process.Ended)
}

func TestPauseResume(t *testing.T) {
	d := startDaemon(t, testOptions(t), "pauser", "sleep")
	require.Eventually(t, func() bool { return d.Status() == StatusRunning }, 5*time.Second, 50*time.Millisecond)

	res := d.Pause(5 * time.Second)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, StatusPaused, d.Status())
	assert.NotNil(t, d.Properties().Process.Paused)
	assert.Equal(t, StopActionPause, d.ReadStopFile().Action)

	res = d.Pause(time.Second)
	assert.True(t, res.Success)
	assert.Contains(t, res.Message, "already paused")

	res = d.Resume(5 * time.Second)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, StatusRunning, d.Status())
	assert.Nil(t, d.Properties().Process.Paused)
	assert.Nil(t, d.StopTime())

	// Quitting a paused daemon resumes it first.
	require.True(t, d.Pause(5*time.Second).Success)
	res = d.Quit(5 * time.Second)
	require.True(t, res.Success, res.Message)
}

func TestStdin(t *testing.T) {
	d := startDaemon(t, testOptions(t), "reader", "read")

	require.Eventually(t, d.StdinFile().Blocked, 10*time.Second, 20*time.Millisecond)
	require.NoError(t, d.StdinFile().WriteLine("hello"))

	require.Eventually(t, func() bool { return d.Properties().Result != nil }, 10*time.Second, 50*time.Millisecond)
	assert.True(t, d.Properties().Result.Success)
	assert.Contains(t, readLog(t, d), "got hello\n")
	assert.False(t, d.StdinFile().Blocked())
}

func TestRun_PanicIsRecorded(t *testing.T) {
	d := startDaemon(t, testOptions(t), "panicky", "panic")

	require.Eventually(t, func() bool { return d.Properties().Result != nil }, 10*time.Second, 50*time.Millisecond)
	result := d.Properties().Result
	assert.False(t, result.Success)
	assert.Contains(t, result.Message, "boom")
}

func TestRun_DeleteAfterCompletion(t *testing.T) {
	opts := testOptions(t)
	d, err := New(opts, "ephemeral")
	require.NoError(t, err)
	target := Target{Name: "echo", Args: []string{"bye"}}
	yes := true

	res := d.Run(RunOptions{Target: &target, Patch: Patch{DeleteAfterCompletion: &yes}})
	require.True(t, res.Success, res.Message)

	require.Eventually(t, func() bool { return !d.Exists() }, 10*time.Second, 50*time.Millisecond)
}

func TestStatus_StalePIDFile(t *testing.T) {
	d, err := New(testOptions(t), "stale")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(d.Dir(), 0o755))
	// Larger than any pid_max, so no such process exists.
	require.NoError(t, d.writePID(99_999_999))

	assert.Equal(t, StatusStopped, d.Status())
	_, err = os.Stat(d.PIDPath())
	assert.True(t, os.IsNotExist(err))
}

func TestStatus_ReusedPID(t *testing.T) {
	d, err := New(testOptions(t), "reused")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(d.Dir(), 0o755))
	// The test process is alive, but its command line does not name the daemon.
	require.NoError(t, d.writePID(os.Getpid()))

	assert.Equal(t, StatusStopped, d.Status())
}

func TestCleanup(t *testing.T) {
	d := startDaemon(t, testOptions(t), "cleanme", "sleep")
	require.Eventually(t, func() bool { return d.Status() == StatusRunning }, 5*time.Second, 50*time.Millisecond)

	log, err := d.RotatingLog()
	require.NoError(t, err)
	_, err = log.WriteString("some output\n")
	require.NoError(t, err)

	res := d.Cleanup(true)
	require.True(t, res.Success, res.Message)
	assert.False(t, d.Exists())
	paths, err := log.SubfilePaths()
	require.NoError(t, err)
	assert.NotEmpty(t, paths)

	res = d.Cleanup(false)
	require.True(t, res.Success, res.Message)
	paths, err = log.SubfilePaths()
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestList(t *testing.T) {
	opts := testOptions(t)
	for _, id := range []string{"b", "a"} {
		d, err := New(opts, id)
		require.NoError(t, err)
		require.NoError(t, os.MkdirAll(d.Dir(), 0o755))
	}

	ids, err := List(opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
}
