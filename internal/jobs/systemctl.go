package jobs

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Systemctl runs systemctl commands and returns their combined output. Tests
// replace it with a mock.
type Systemctl interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// ---------------------------------------------------------------------------
// execSystemctl: the real systemctl binary
// ---------------------------------------------------------------------------

type execSystemctl struct {
	user bool
}

// NewSystemctl returns a Systemctl that shells out to systemctl, talking to
// the user's service manager when user is set.
func NewSystemctl(user bool) Systemctl {
	return &execSystemctl{user: user}
}

func (s *execSystemctl) Run(ctx context.Context, args ...string) (string, error) {
	if s.user {
		args = append([]string{"--user"}, args...)
	}
	cmd := exec.CommandContext(ctx, "systemctl", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("systemctl %v: %s: %w", args, strings.TrimSpace(string(output)), err)
	}
	return string(output), nil
}

// ---------------------------------------------------------------------------
// unitManager: the systemctl verbs the systemd executor uses
// ---------------------------------------------------------------------------

type unitManager struct {
	sysctl Systemctl
}

func (u unitManager) DaemonReload(ctx context.Context) error {
	_, err := u.sysctl.Run(ctx, "daemon-reload")
	return err
}

// Start enables and starts a unit.
func (u unitManager) Start(ctx context.Context, unit string) error {
	_, err := u.sysctl.Run(ctx, "enable", "--now", unit)
	return err
}

// Stop disables and stops a unit.
func (u unitManager) Stop(ctx context.Context, unit string) error {
	_, err := u.sysctl.Run(ctx, "disable", "--now", unit)
	return err
}

func (u unitManager) Disable(ctx context.Context, unit string) error {
	_, err := u.sysctl.Run(ctx, "disable", unit)
	return err
}

// Signal sends signal to every process of the unit.
func (u unitManager) Signal(ctx context.Context, unit, signal string) error {
	_, err := u.sysctl.Run(ctx, "kill", "--signal="+signal, unit)
	return err
}

// unitState is the subset of `systemctl show` the executor reads.
type unitState struct {
	ActiveState     string
	SubState        string
	MainPID         int
	ExecMainStartAt string
	ExecMainExitAt  string
}

var showProperties = []string{
	"ActiveState",
	"SubState",
	"MainPID",
	"ExecMainStartTimestamp",
	"ExecMainExitTimestamp",
}

func (u unitManager) Show(ctx context.Context, unit string) (unitState, error) {
	out, err := u.sysctl.Run(ctx, "show", unit, "--property="+strings.Join(showProperties, ","))
	if err != nil {
		return unitState{}, err
	}
	return parseShow(out), nil
}

// parseShow reads systemctl's key=value output. Unknown keys are ignored.
func parseShow(out string) unitState {
	var st unitState
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "ActiveState":
			st.ActiveState = value
		case "SubState":
			st.SubState = value
		case "MainPID":
			st.MainPID, _ = strconv.Atoi(value)
		case "ExecMainStartTimestamp":
			st.ExecMainStartAt = value
		case "ExecMainExitTimestamp":
			st.ExecMainExitAt = value
		}
	}
	return st
}
