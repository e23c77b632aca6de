package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/edvin/pipejobs/internal/daemon"
	"github.com/edvin/pipejobs/internal/jobs"
	"github.com/edvin/pipejobs/internal/restart"
)

var (
	flagRestart     bool
	flagEnv         map[string]string
	flagKw          map[string]string
	flagLabel       string
	flagDeleteAfter bool
	flagTimeout     time.Duration
	flagFollow      bool
	flagInput       bool
	flagLines       int
)

func init() {
	startCmd.Flags().BoolVar(&flagRestart, "restart", false, "restart the job when it stops on its own")
	startCmd.Flags().StringToStringVar(&flagEnv, "env", nil, "environment variables for the job (KEY=VALUE)")
	startCmd.Flags().StringToStringVar(&flagKw, "kw", nil, "keyword arguments for the action (KEY=VALUE)")
	startCmd.Flags().StringVar(&flagLabel, "label", "", "free-form label")
	startCmd.Flags().BoolVar(&flagDeleteAfter, "delete-after-completion", false, "delete the job once it has finished")

	for _, cmd := range []*cobra.Command{stopCmd, pauseCmd} {
		cmd.Flags().DurationVar(&flagTimeout, "timeout", 0, "how long to wait for the job (default PIPEJOBS_STOP_TIMEOUT)")
	}

	logsCmd.Flags().BoolVarP(&flagFollow, "follow", "f", false, "keep streaming output until the job stops")
	logsCmd.Flags().BoolVar(&flagInput, "input", false, "with --follow, forward terminal lines when the job reads stdin")
	logsCmd.Flags().IntVarP(&flagLines, "lines", "n", jobs.DefaultMonitorLines, "lines of existing output to show with --follow")
}

var startCmd = &cobra.Command{
	Use:   "start NAME [-- ACTION ARGS...]",
	Short: "Create and start a job, or start an existing one",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		patch := daemon.Patch{Env: flagEnv}
		if cmd.Flags().Changed("restart") {
			patch.Restart = &flagRestart
		}
		if flagLabel != "" {
			patch.Label = &flagLabel
		}
		if flagDeleteAfter {
			patch.DeleteAfterCompletion = &flagDeleteAfter
		}

		j, err := registry.NewJob(args[0], args[1:], flagExecutor, patch)
		if err != nil {
			return err
		}
		j.SetKw(flagKw)
		return printResult(cmd.OutOrStdout(), j.Start(cmd.Context()))
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop NAME",
	Short: "Stop a job, killing it if it does not quit in time",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		j, err := registry.Job(cmd.Context(), args[0], flagExecutor)
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), j.Stop(cmd.Context(), timeout()))
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause NAME",
	Short: "Suspend a running job; start resumes it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		j, err := registry.Job(cmd.Context(), args[0], flagExecutor)
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), j.Pause(cmd.Context(), timeout()))
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Stop a job and remove its files",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		j, err := registry.Job(cmd.Context(), args[0], flagExecutor)
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), j.Delete(cmd.Context()))
	},
}

var statusCmd = &cobra.Command{
	Use:   "status NAME",
	Short: "Show a job's state as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		j, err := registry.Job(cmd.Context(), args[0], flagExecutor)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(j.Info(cmd.Context()))
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		list, err := registry.Jobs(cmd.Context(), flagExecutor)
		if err != nil {
			return err
		}
		infos := make([]jobs.Info, 0, len(list))
		for _, j := range list {
			infos = append(infos, j.Info(cmd.Context()))
		}
		return printJobTable(cmd.OutOrStdout(), infos)
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs NAME",
	Short: "Print a job's output",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		j, err := registry.Job(cmd.Context(), args[0], flagExecutor)
		if err != nil {
			return err
		}
		if !j.Exists(cmd.Context()) {
			return fmt.Errorf("job '%s' does not exist", j.Name())
		}
		out := cmd.OutOrStdout()
		if !flagFollow {
			logs, err := j.Logs(cmd.Context())
			if err != nil {
				return err
			}
			_, err = io.WriteString(out, logs)
			return err
		}

		opts := jobs.MonitorOptions{
			Lines: flagLines,
			Callback: func(text string) error {
				_, err := io.WriteString(out, text)
				return err
			},
			StopCallback: func(res *jobs.Result) error {
				if res != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "-- %s\n", res)
				}
				return jobs.ErrStopMonitoring
			},
		}
		if flagInput {
			opts.InputCallback = terminalInput(cmd.InOrStdin())
		}
		return j.MonitorLogs(cmd.Context(), opts)
	},
}

var stdinCmd = &cobra.Command{
	Use:   "stdin NAME TEXT...",
	Short: "Write a line to a job's stdin",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		j, err := registry.Job(cmd.Context(), args[0], flagExecutor)
		if err != nil {
			return err
		}
		return j.WriteStdin(cmd.Context(), strings.Join(args[1:], " "))
	},
}

var checkRestartCmd = &cobra.Command{
	Use:   "check-restart [NAME]",
	Short: "Restart one job, or every local job, that stopped on its own",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			j, err := registry.Job(cmd.Context(), args[0], flagExecutor)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), j.CheckRestart(cmd.Context()))
		}

		report, err := restart.NewSupervisor(registry, logger).Scan(cmd.Context())
		if err != nil {
			return err
		}
		if report.Skipped {
			fmt.Fprintln(cmd.OutOrStdout(), "Another supervisor holds the restart lock; nothing checked.")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Checked %d jobs: %d restarted, %d failed.\n", report.Checked, report.Restarted, report.Failed)
		if report.Failed > 0 {
			return errors.New("some jobs failed to restart")
		}
		return nil
	},
}

func timeout() time.Duration {
	if flagTimeout > 0 {
		return flagTimeout
	}
	return cfg.StopTimeout
}

// printResult prints the message and turns a failed result into an error
// so the command exits non-zero.
func printResult(w io.Writer, res daemon.Result) error {
	if !res.Success {
		return errors.New(res.Message)
	}
	fmt.Fprintln(w, res.Message)
	return nil
}

func printJobTable(w io.Writer, infos []jobs.Info) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATUS\tPID\tRESTART\tLABEL\tSYSARGS")
	for _, info := range infos {
		pid := "-"
		if info.PID > 0 {
			pid = fmt.Sprint(info.PID)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%s\n",
			info.Name, info.Status, pid, info.Properties.Restart, info.Properties.Label, strings.Join(info.SysArgs, " "))
	}
	return tw.Flush()
}

// terminalInput prompts for one line each time the job blocks on stdin. End
// of input stops monitoring.
func terminalInput(in io.Reader) func() (string, error) {
	scanner := bufio.NewScanner(in)
	return func() (string, error) {
		fmt.Fprint(os.Stderr, "> ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return "", err
			}
			return "", jobs.ErrStopMonitoring
		}
		return scanner.Text(), nil
	}
}
