package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/edvin/pipejobs/internal/daemon"
)

// daemonCmd is what a local daemon re-invokes: the detached child runs the
// job's action with its output going to the job's rotating log.
var daemonCmd = &cobra.Command{
	Use:    "_daemon ID",
	Short:  "internal command",
	Args:   cobra.ExactArgs(1),
	Hidden: true,
	Run: func(_ *cobra.Command, args []string) {
		if os.Getenv(daemon.EnvDaemonID) == "" {
			os.Setenv(daemon.EnvDaemonID, args[0])
		}
		os.Exit(daemon.ChildMain(newActions(zerolog.Nop())))
	},
}

// execCmd is the ExecStart of systemd job units. Everything after it is the
// job's sysargs, flags included.
var execCmd = &cobra.Command{
	Use:                "_exec ACTION [ARGS...]",
	Short:              "internal command",
	Hidden:             true,
	DisableFlagParsing: true,
	Run: func(_ *cobra.Command, args []string) {
		os.Exit(daemon.ExternalMain(newActions(zerolog.Nop()), args))
	},
}
