package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/edvin/pipejobs/internal/action"
	"github.com/edvin/pipejobs/internal/config"
	"github.com/edvin/pipejobs/internal/jobs"
	"github.com/edvin/pipejobs/internal/logging"
)

var (
	cfg      *config.Config
	logger   zerolog.Logger
	registry *jobs.Registry

	flagExecutor string
	flagVerbose  bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagExecutor, "executor", "e", "", "executor keys: local, systemd or api:<peer> (default from PIPEJOBS_EXECUTOR)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "log job actions to stderr")

	rootCmd.SilenceErrors = true
	rootCmd.PersistentPreRunE = initPipejobs
	rootCmd.PersistentPostRun = func(*cobra.Command, []string) {
		if registry != nil {
			registry.Close()
		}
	}

	rootCmd.AddCommand(
		startCmd, stopCmd, pauseCmd, deleteCmd,
		statusCmd, listCmd, logsCmd, stdinCmd,
		checkRestartCmd, serveCmd, superviseCmd,
		daemonCmd, execCmd,
	)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "pipejobs: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "pipejobs",
	Short:        "Run actions as detached jobs: locally, as systemd units or on a peer",
	SilenceUsage: true,
}

// initPipejobs loads the configuration and builds the job registry. The
// hidden re-entry commands load their own configuration in the child.
func initPipejobs(cmd *cobra.Command, _ []string) error {
	if cmd.Hidden {
		return nil
	}

	var err error
	cfg, err = config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	switch cmd.Name() {
	case serveCmd.Name(), superviseCmd.Name():
		logger = logging.NewLogger(cfg)
	default:
		// Verb commands print their own results; their logs are for debugging.
		logger = logging.NewConsoleLogger(cfg, os.Stderr)
		if !flagVerbose {
			logger = logger.Level(zerolog.WarnLevel)
		}
	}

	registry = jobs.NewRegistry(cfg, logger)
	return nil
}

// newActions returns the actions a job can run.
func newActions(logger zerolog.Logger) *action.Registry {
	r := action.NewRegistry(logger)
	action.RegisterBuiltins(r)
	return r
}
