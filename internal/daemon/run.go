package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"
)

type RunOptions struct {
	// Target replaces the stored target. Nil reuses the existing target record.
	Target *Target
	Patch  Patch
	// AllowDirtyRun permits running in an existing daemon directory.
	AllowDirtyRun bool
}

// Run persists the daemon's state and spawns the detached child. It returns as
// soon as the child has been started.
func (d *Daemon) Run(ro RunOptions) Result {
	if status := d.Status(); status != StatusStopped {
		return Failure("Daemon '%s' is already %s.", d.ID, status)
	}
	if d.Exists() && !ro.AllowDirtyRun {
		return Failure("Daemon directory %s already exists; refusing to run without allowing a dirty run.", d.Dir())
	}
	if err := os.MkdirAll(d.Dir(), 0o755); err != nil {
		return Failure("Failed to create directory for daemon '%s': %v", d.ID, err)
	}

	target := ro.Target
	if target == nil {
		t, err := d.ReadTarget()
		if err != nil {
			return Failure("Cannot run daemon '%s': %v", d.ID, err)
		}
		target = &t
	} else if err := d.WriteTarget(*target); err != nil {
		return Failure("Cannot run daemon '%s': %v", d.ID, err)
	}

	patch := ro.Patch.Overlay(Patch{
		Target:      target,
		Began:       Now(),
		Ended:       Clear(),
		Paused:      Clear(),
		ClearResult: true,
	})
	props, err := d.PatchProperties(patch)
	if err != nil {
		return Failure("Cannot run daemon '%s': %v", d.ID, err)
	}
	if err := d.RemoveStopFile(); err != nil {
		return Failure("Cannot run daemon '%s': %v", d.ID, err)
	}

	cmd, err := d.command(props)
	if err != nil {
		return Failure("Cannot run daemon '%s': %v", d.ID, err)
	}
	if err := cmd.Start(); err != nil {
		return Failure("Failed to start daemon '%s': %v", d.ID, err)
	}
	pid := cmd.Process.Pid
	if err := d.writePID(pid); err != nil {
		_ = cmd.Process.Kill()
		return Failure("Failed to start daemon '%s': %v", d.ID, err)
	}

	// Reap the child when it exits so it never lingers as a zombie while
	// this process is alive.
	go cmd.Wait()

	d.logger.Info().Str("daemon", d.ID).Int("pid", pid).Strs("sysargs", target.SysArgs()).Msg("daemon started")
	return Success("Started daemon '%s' (pid %d).", d.ID, pid)
}

// command builds the re-invocation of the host program in a new session,
// detached from the caller's terminal and stdio.
func (d *Daemon) command(props Properties) (*exec.Cmd, error) {
	exe := d.opts.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
	}

	cmd := exec.Command(exe, d.opts.EntryArgs(d.ID)...)
	cmd.Env = append(os.Environ(), d.childEnv()...)
	for k, v := range props.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	return cmd, nil
}

// childEnv carries the settings the child needs to find its own files.
func (d *Daemon) childEnv() []string {
	env := []string{
		EnvDaemonID + "=" + d.ID,
		"PIPEJOBS_DAEMONS_DIR=" + d.opts.DaemonsDir,
		"PIPEJOBS_LOGS_DIR=" + d.opts.LogsDir,
		"PIPEJOBS_LOG_TIMESTAMPS=" + strconv.FormatBool(d.opts.LogTimestamps),
	}
	if d.opts.LogMaxFileSize > 0 {
		env = append(env, "PIPEJOBS_LOG_MAX_FILE_SIZE="+strconv.FormatInt(d.opts.LogMaxFileSize, 10))
	}
	if d.opts.LogNumFilesToKeep > 0 {
		env = append(env, "PIPEJOBS_LOG_NUM_FILES_TO_KEEP="+strconv.Itoa(d.opts.LogNumFilesToKeep))
	}
	if d.opts.StdinRetryInterval > 0 {
		env = append(env, "PIPEJOBS_STDIN_RETRY_INTERVAL="+d.opts.StdinRetryInterval.String())
	}
	return env
}
