package action

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/edvin/pipejobs/internal/daemon"
)

// RegisterBuiltins adds the exec, sleep and echo actions to r.
func RegisterBuiltins(r *Registry) {
	r.MustRegister("exec", Exec)
	r.MustRegister("sleep", Sleep)
	r.MustRegister("echo", Echo)
}

// killGrace is how long a command gets between SIGINT and SIGKILL once the
// job is stopped.
const killGrace = 5 * time.Second

// Exec runs an external command. With kw["pty"] == "true" it runs on a
// pseudo-terminal so the command sees an interactive session. Otherwise the
// job's stdin is forwarded only with kw["stdin"] == "true"; a command without
// it reads from /dev/null and never marks the job as blocked on input.
func Exec(ctx context.Context, stdio daemon.Stdio, args []string, kw map[string]string) daemon.Result {
	if len(args) == 0 {
		return daemon.Failure("exec: no command given")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGINT) }
	cmd.WaitDelay = killGrace
	if dir := kw["dir"]; dir != "" {
		cmd.Dir = dir
	}

	var err error
	if kw["pty"] == "true" {
		err = runPTY(cmd, stdio)
	} else {
		err = runPiped(cmd, stdio, kw["stdin"] == "true")
	}
	return commandResult(cmd, err)
}

func runPiped(cmd *exec.Cmd, stdio daemon.Stdio, forwardStdin bool) error {
	cmd.Stdout = stdio.Stdout
	cmd.Stderr = stdio.Stderr
	if !forwardStdin || stdio.Stdin == nil {
		return cmd.Run()
	}

	// Wait closes the pipe once the command exits, so a copy still blocked
	// on the job's stdin does not hold up the result.
	in, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() {
		_, _ = io.Copy(in, stdio.Stdin)
		in.Close()
	}()
	return cmd.Wait()
}

func runPTY(cmd *exec.Cmd, stdio daemon.Stdio) error {
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("start on pty: %w", err)
	}
	defer ptmx.Close()

	if stdio.Stdin != nil {
		go func() { _, _ = io.Copy(ptmx, stdio.Stdin) }()
	}
	// Reading the pty ends with EIO once the command exits.
	_, _ = io.Copy(stdio.Stdout, ptmx)
	return cmd.Wait()
}

func commandResult(cmd *exec.Cmd, err error) daemon.Result {
	name := cmd.Args[0]
	// A background process can keep the output pipes open past the command's
	// exit; that alone is not a failure.
	if errors.Is(err, exec.ErrWaitDelay) && cmd.ProcessState != nil && cmd.ProcessState.Success() {
		err = nil
	}
	if err == nil {
		return daemon.Success("Command '%s' completed.", name)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return daemon.Failure("Command '%s' failed: %s", name, exitErr.ProcessState.String())
	}
	return daemon.Failure("Command '%s' failed: %v", name, err)
}

// Sleep waits for the duration in args[0] (default 1s).
func Sleep(ctx context.Context, _ daemon.Stdio, args []string, _ map[string]string) daemon.Result {
	d := time.Second
	if len(args) > 0 {
		parsed, err := time.ParseDuration(args[0])
		if err != nil {
			return daemon.Failure("sleep: invalid duration %q", args[0])
		}
		d = parsed
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return daemon.Failure("Sleep interrupted.")
	case <-timer.C:
		return daemon.Success("Slept for %s.", d)
	}
}

// Echo prints its arguments, then copies stdin lines to stdout until EOF or
// a line reading "exit".
func Echo(ctx context.Context, stdio daemon.Stdio, args []string, kw map[string]string) daemon.Result {
	if len(args) > 0 {
		fmt.Fprintln(stdio.Stdout, strings.Join(args, " "))
	}
	if stdio.Stdin == nil || kw["interactive"] == "false" {
		return daemon.Success("Echoed %d arguments.", len(args))
	}

	prefix := kw["prefix"]
	lines := 0
	scanner := bufio.NewScanner(stdio.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := scanner.Text()
		if line == "exit" {
			break
		}
		fmt.Fprintln(stdio.Stdout, prefix+line)
		lines++
	}
	if err := scanner.Err(); err != nil {
		return daemon.Failure("echo: %v", err)
	}
	return daemon.Success("Echoed %d lines.", lines)
}
