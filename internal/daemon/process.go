package daemon

import (
	"errors"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"
)

const pollInterval = 50 * time.Millisecond

type procState int

const (
	procDead procState = iota
	procAlive
	procSuspended
)

// inspect reports the state of pid. A zombie counts as dead. When marker is
// non-empty and the command line is readable, a process whose command line
// does not contain it is treated as a reused PID.
func inspect(pid int, marker string) procState {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return procDead
	}
	statuses, err := p.Status()
	if err != nil {
		return procDead
	}
	if slices.Contains(statuses, process.Zombie) {
		return procDead
	}
	if marker != "" {
		if cmdline, err := p.Cmdline(); err == nil && cmdline != "" && !strings.Contains(cmdline, marker) {
			return procDead
		}
	}
	if slices.Contains(statuses, process.Stop) {
		return procSuspended
	}
	return procAlive
}

// ProcessStatus maps a raw PID to a status, with no PID-file bookkeeping.
func ProcessStatus(pid int) Status {
	if pid <= 0 {
		return StatusStopped
	}
	switch inspect(pid, "") {
	case procAlive:
		return StatusRunning
	case procSuspended:
		return StatusPaused
	}
	return StatusStopped
}

// Status is running iff the PID file names a live process, paused iff that
// process is suspended, and stopped otherwise. A stale PID file is removed.
func (d *Daemon) Status() Status {
	pid, ok := d.PID()
	if !ok {
		return StatusStopped
	}
	switch inspect(pid, d.ID) {
	case procAlive:
		return StatusRunning
	case procSuspended:
		return StatusPaused
	}
	d.removePIDFile(pid)
	return StatusStopped
}

// signalGroup signals the daemon's process group. The child runs in its own
// session, so the group id equals its pid.
func (d *Daemon) signalGroup(sig syscall.Signal) error {
	pid, ok := d.PID()
	if !ok {
		return unix.ESRCH
	}
	if err := unix.Kill(-pid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			// Fall back to the process alone if the group is already gone.
			return unix.Kill(pid, sig)
		}
		return err
	}
	return nil
}

// waitFor polls cond until it holds or timeout elapses.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(pollInterval)
	}
}

// Quit asks the daemon to stop with SIGINT and waits up to timeout.
func (d *Daemon) Quit(timeout time.Duration) Result {
	status := d.Status()
	if status == StatusStopped {
		return Success("Daemon '%s' is not running.", d.ID)
	}
	if err := d.WriteStopFile(StopActionQuit); err != nil {
		return Failure("Failed to stop daemon '%s': %v", d.ID, err)
	}
	if status == StatusPaused {
		_ = d.signalGroup(unix.SIGCONT)
	}
	if err := d.signalGroup(unix.SIGINT); err != nil && !errors.Is(err, unix.ESRCH) {
		return Failure("Failed to signal daemon '%s': %v", d.ID, err)
	}

	if !waitFor(timeout, func() bool { return d.Status() == StatusStopped }) {
		return Failure("Daemon '%s' did not stop within %s.", d.ID, timeout)
	}
	d.logger.Info().Str("daemon", d.ID).Msg("daemon stopped")
	return Success("Daemon '%s' has been stopped.", d.ID)
}

// Kill sends SIGKILL to the daemon's process group and waits up to timeout.
func (d *Daemon) Kill(timeout time.Duration) Result {
	pid, ok := d.PID()
	if !ok || d.Status() == StatusStopped {
		return Success("Daemon '%s' is not running.", d.ID)
	}
	if err := d.WriteStopFile(StopActionQuit); err != nil {
		return Failure("Failed to kill daemon '%s': %v", d.ID, err)
	}
	if err := d.signalGroup(unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return Failure("Failed to kill daemon '%s': %v", d.ID, err)
	}

	if !waitFor(timeout, func() bool { return inspect(pid, d.ID) == procDead }) {
		return Failure("Daemon '%s' did not die within %s.", d.ID, timeout)
	}

	d.removePIDFile(pid)
	patch := Patch{Ended: Now(), Paused: Clear()}
	// Run clears the result, so a nil result means the child never got to
	// record its own.
	if props := d.Properties(); props.Result == nil {
		r := Failure("Daemon '%s' was killed.", d.ID)
		patch.Result = &r
	}
	if _, err := d.PatchProperties(patch); err != nil {
		d.logger.Warn().Err(err).Str("daemon", d.ID).Msg("could not record kill")
	}
	d.logger.Info().Str("daemon", d.ID).Msg("daemon killed")
	return Success("Daemon '%s' has been killed.", d.ID)
}

// Pause suspends the daemon with SIGSTOP.
func (d *Daemon) Pause(timeout time.Duration) Result {
	switch d.Status() {
	case StatusPaused:
		return Success("Daemon '%s' is already paused.", d.ID)
	case StatusStopped:
		return Failure("Daemon '%s' is not running.", d.ID)
	}
	if err := d.signalGroup(unix.SIGSTOP); err != nil {
		return Failure("Failed to pause daemon '%s': %v", d.ID, err)
	}
	if !waitFor(timeout, func() bool { return d.Status() == StatusPaused }) {
		return Failure("Daemon '%s' did not pause within %s.", d.ID, timeout)
	}
	if _, err := d.PatchProperties(Patch{Paused: Now()}); err != nil {
		return Failure("Paused daemon '%s' but could not record it: %v", d.ID, err)
	}
	if err := d.WriteStopFile(StopActionPause); err != nil {
		return Failure("Paused daemon '%s' but could not record it: %v", d.ID, err)
	}
	d.logger.Info().Str("daemon", d.ID).Msg("daemon paused")
	return Success("Daemon '%s' has been paused.", d.ID)
}

// Resume continues a paused daemon with SIGCONT.
func (d *Daemon) Resume(timeout time.Duration) Result {
	switch d.Status() {
	case StatusRunning:
		return Success("Daemon '%s' is already running.", d.ID)
	case StatusStopped:
		return Failure("Daemon '%s' is not running.", d.ID)
	}
	if err := d.signalGroup(unix.SIGCONT); err != nil {
		return Failure("Failed to resume daemon '%s': %v", d.ID, err)
	}
	if !waitFor(timeout, func() bool { return d.Status() != StatusPaused }) {
		return Failure("Daemon '%s' did not resume within %s.", d.ID, timeout)
	}
	if _, err := d.PatchProperties(Patch{Paused: Clear()}); err != nil {
		return Failure("Resumed daemon '%s' but could not record it: %v", d.ID, err)
	}
	if err := d.RemoveStopFile(); err != nil {
		return Failure("Resumed daemon '%s' but could not record it: %v", d.ID, err)
	}
	d.logger.Info().Str("daemon", d.ID).Msg("daemon resumed")
	return Success("Daemon '%s' has been resumed.", d.ID)
}
