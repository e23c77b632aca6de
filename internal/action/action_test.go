package action

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/pipejobs/internal/daemon"
	"github.com/edvin/pipejobs/internal/stdinfile"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(zerolog.Nop())
	RegisterBuiltins(r)
	return r
}

func TestRegistry_Register(t *testing.T) {
	r := newTestRegistry(t)

	err := r.Register("sync", func(context.Context, daemon.Stdio, []string, map[string]string) daemon.Result {
		return daemon.Success("synced")
	})
	require.NoError(t, err)

	err = r.Register("sync", func(context.Context, daemon.Stdio, []string, map[string]string) daemon.Result {
		return daemon.Success("again")
	})
	assert.Error(t, err)
	assert.Error(t, r.Register("", nil))

	assert.Equal(t, []string{"echo", "exec", "sleep", "sync"}, r.Names())
}

func TestRegistry_Run(t *testing.T) {
	r := newTestRegistry(t)
	var gotArgs []string
	var gotKw map[string]string
	r.MustRegister("sync", func(_ context.Context, _ daemon.Stdio, args []string, kw map[string]string) daemon.Result {
		gotArgs, gotKw = args, kw
		return daemon.Success("synced")
	})

	res := r.Run(context.Background(), daemon.Stdio{}, daemon.Target{
		Name: "sync",
		Args: []string{"pipes"},
		Kw:   map[string]string{"loop": "true"},
	})
	assert.True(t, res.Success)
	assert.Equal(t, []string{"pipes"}, gotArgs)
	assert.Equal(t, "true", gotKw["loop"])

	res = r.Run(context.Background(), daemon.Stdio{}, daemon.Target{Name: "nope"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "Unknown action")
}

func TestExec(t *testing.T) {
	var out bytes.Buffer
	stdio := daemon.Stdio{Stdin: strings.NewReader(""), Stdout: &out, Stderr: &out}

	res := Exec(context.Background(), stdio, []string{"sh", "-c", "echo from-shell"}, nil)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "from-shell\n", out.String())

	res = Exec(context.Background(), stdio, []string{"sh", "-c", "exit 3"}, nil)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "exit status 3")

	res = Exec(context.Background(), stdio, nil, nil)
	assert.False(t, res.Success)
}

func TestExec_JobStdinNotReadByDefault(t *testing.T) {
	in := stdinfile.New(filepath.Join(t.TempDir(), "input.stdin"), stdinfile.WithRetryInterval(20*time.Millisecond))
	defer in.Close()

	var sawBlocked atomic.Bool
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-time.After(10 * time.Millisecond):
				if in.Blocked() {
					sawBlocked.Store(true)
				}
			}
		}
	}()

	var out bytes.Buffer
	start := time.Now()
	res := Exec(context.Background(), daemon.Stdio{Stdin: in, Stdout: &out, Stderr: &out}, []string{"sh", "-c", "sleep 0.3; echo done"}, nil)
	elapsed := time.Since(start)
	close(done)

	require.True(t, res.Success, res.Message)
	assert.Equal(t, "done\n", out.String())
	assert.Less(t, elapsed, 3*time.Second)
	assert.False(t, sawBlocked.Load())
	assert.False(t, in.Blocked())
}

func TestExec_ForwardsJobStdin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.stdin")
	in := stdinfile.New(path, stdinfile.WithRetryInterval(20*time.Millisecond))
	defer in.Close()
	writer := stdinfile.New(path)

	var out bytes.Buffer
	start := time.Now()
	resCh := make(chan daemon.Result, 1)
	go func() {
		resCh <- Exec(context.Background(), daemon.Stdio{Stdin: in, Stdout: &out, Stderr: &out},
			[]string{"sh", "-c", "read line; echo got:$line"}, map[string]string{"stdin": "true"})
	}()

	require.Eventually(t, in.Blocked, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, writer.WriteLine("pipes"))

	select {
	case res := <-resCh:
		require.True(t, res.Success, res.Message)
	case <-time.After(10 * time.Second):
		t.Fatal("exec did not return")
	}
	assert.Equal(t, "got:pipes\n", out.String())
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestExec_Cancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	res := Exec(ctx, daemon.Stdio{}, []string{"sleep", "30"}, nil)
	assert.False(t, res.Success)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestSleep(t *testing.T) {
	res := Sleep(context.Background(), daemon.Stdio{}, []string{"10ms"}, nil)
	assert.True(t, res.Success)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res = Sleep(ctx, daemon.Stdio{}, []string{"1h"}, nil)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "interrupted")

	res = Sleep(context.Background(), daemon.Stdio{}, []string{"soon"}, nil)
	assert.False(t, res.Success)
}

func TestEcho(t *testing.T) {
	var out bytes.Buffer
	stdio := daemon.Stdio{Stdin: strings.NewReader("a\nb\nexit\nc\n"), Stdout: &out}

	res := Echo(context.Background(), stdio, []string{"hello"}, map[string]string{"prefix": "> "})
	require.True(t, res.Success)
	assert.Equal(t, "hello\n> a\n> b\n", out.String())
	assert.Contains(t, res.Message, "2 lines")
}
