package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/edvin/pipejobs/internal/config"
	"github.com/edvin/pipejobs/internal/logging"
)

// Stdio is handed to the action running inside the child.
type Stdio struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Runner executes a target inside the detached child. The context is
// cancelled when the child is asked to quit.
type Runner interface {
	Run(ctx context.Context, stdio Stdio, target Target) Result
}

type ChildOptions struct {
	// Target overrides the stored target record.
	Target *Target
	// ResultPath, when set, also receives the result as a [success, message] pair.
	ResultPath string
}

// ChildMain is the entrypoint of the re-invoked host program for a local
// daemon. It returns the process exit code.
func ChildMain(runner Runner) int {
	return childMain(runner, os.Getenv(EnvDaemonID), ChildOptions{ResultPath: os.Getenv(EnvResultPath)})
}

// ExternalMain is the entrypoint used when an init system starts the host
// program directly with the job's sysargs.
func ExternalMain(runner Runner, sysargs []string) int {
	target, err := TargetFromSysArgs(sysargs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	return childMain(runner, os.Getenv(EnvDaemonID), ChildOptions{Target: &target, ResultPath: os.Getenv(EnvResultPath)})
}

func childMain(runner Runner, id string, co ChildOptions) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}
	logger := logging.NewConsoleLogger(cfg, os.Stdout)

	d, err := New(OptionsFromConfig(cfg, logger), id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "daemon %q: %v\n", id, err)
		return 1
	}
	if err := os.MkdirAll(d.Dir(), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "daemon %q: %v\n", id, err)
		return 1
	}

	if res := d.RunChild(context.Background(), runner, co); !res.Success {
		return 1
	}
	return 0
}

// RunChild runs the daemon's action in the current process with stdout and
// stderr redirected into the rotating log and stdin read from the FIFO.
func (d *Daemon) RunChild(ctx context.Context, runner Runner, co ChildOptions) Result {
	target := co.Target
	if target == nil {
		t, err := d.ReadTarget()
		if err != nil {
			d.logger.Error().Err(err).Str("daemon", d.ID).Msg("cannot start child")
			return Failure("Cannot run daemon '%s': %v", d.ID, err)
		}
		target = &t
	} else if stored, err := d.ReadTarget(); err == nil && stored.Name == target.Name && target.Kw == nil {
		// Keyword arguments only travel through the target record.
		target.Kw = stored.Kw
	}

	pid := os.Getpid()
	if err := d.writePID(pid); err != nil {
		return Failure("Cannot run daemon '%s': %v", d.ID, err)
	}
	defer d.removePIDFile(pid)

	log, err := d.RotatingLog()
	if err != nil {
		return Failure("Cannot run daemon '%s': %v", d.ID, err)
	}
	var writeErrors atomic.Int64
	flush, err := redirectOutput(log, func(error) { writeErrors.Add(1) })
	if err != nil {
		return Failure("Cannot run daemon '%s': %v", d.ID, err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stdin := d.StdinFile()
	stopStdin := context.AfterFunc(ctx, func() { stdin.Close() })
	defer stopStdin()

	stdio := Stdio{Stdin: stdin, Stdout: os.Stdout, Stderr: os.Stderr}
	res := runSafely(ctx, runner, stdio, *target)
	if ctx.Err() != nil && res.Success {
		res.Message += " (interrupted)"
	}

	stdin.Close()
	if n := writeErrors.Load(); n > 0 {
		fmt.Fprintf(os.Stderr, "%d log writes failed\n", n)
	}
	flush()
	_ = log.Close()

	props, err := d.PatchProperties(Patch{Result: &res, Ended: Now(), Paused: Clear()})
	if err != nil {
		d.logger.Warn().Err(err).Str("daemon", d.ID).Msg("could not record result")
	}
	if co.ResultPath != "" {
		if err := WriteResultFile(co.ResultPath, res); err != nil {
			d.logger.Warn().Err(err).Str("daemon", d.ID).Msg("could not write result file")
		}
	}

	if props.DeleteAfterCompletion {
		d.removePIDFile(pid)
		d.Cleanup(false)
	}
	return res
}

func runSafely(ctx context.Context, runner Runner, stdio Stdio, target Target) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Failure("Action '%s' panicked: %v", target.Name, r)
		}
	}()
	return runner.Run(ctx, stdio, target)
}

// redirectOutput points file descriptors 1 and 2 at a pipe whose contents are
// copied into w. Write errors go to onError and never stop the copy. The
// returned flush detaches the descriptors and waits for the copy to drain.
func redirectOutput(w io.Writer, onError func(error)) (func(), error) {
	r, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create output pipe: %w", err)
	}
	for _, fd := range []int{1, 2} {
		if err := unix.Dup3(int(pw.Fd()), fd, 0); err != nil {
			r.Close()
			pw.Close()
			return nil, fmt.Errorf("redirect fd %d: %w", fd, err)
		}
	}
	pw.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 32*1024)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				if _, werr := w.Write(buf[:n]); werr != nil {
					onError(werr)
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					onError(err)
				}
				return
			}
		}
	}()

	flush := func() {
		if devnull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0); err == nil {
			for _, fd := range []int{1, 2} {
				_ = unix.Dup3(int(devnull.Fd()), fd, 0)
			}
			devnull.Close()
		}
		<-done
		r.Close()
	}
	return flush, nil
}
