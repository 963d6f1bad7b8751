package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"toolgate/internal/daemonctl"
)

func newDaemonCommands(ctx *commandContext) []*cobra.Command {
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the shared daemon for the current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			cfg := ctx.configValue()

			result, err := daemonctl.EnsureStarted(cfg, launchOptions(ctx), nil)
			if err != nil {
				return err
			}
			if result.Launched {
				fmt.Fprintln(stdout, "Daemon not running, launching...")
			}
			switch result.State {
			case daemonctl.StartStateStarted:
				fmt.Fprintf(stdout, "Daemon started (pid %d, endpoint %s)\n", result.Entry.PID, result.Entry.Endpoint)
			case daemonctl.StartStateAlreadyRunning:
				fmt.Fprintf(stdout, "Daemon already running (pid %d, endpoint %s)\n", result.Entry.PID, result.Entry.Endpoint)
			}
			return nil
		},
	}

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the shared daemon (terminates the process)",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			result, err := daemonctl.StopAndTerminate(ctx.configValue(), 5*time.Second, nil)
			if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
				fmt.Fprintln(stdout, "Daemon is not running")
				return nil
			}
			if err != nil {
				return err
			}
			if result.ForcedKill {
				fmt.Fprintf(stdout, "Daemon did not exit in time, killed pid %d\n", result.PID)
			} else {
				fmt.Fprintf(stdout, "Daemon stopped (pid %d)\n", result.PID)
			}
			return nil
		},
	}

	restartCmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the shared daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			result, err := daemonctl.Restart(ctx.configValue(), launchOptions(ctx), 5*time.Second, nil)
			if err != nil {
				return err
			}
			if result.WasRunning {
				fmt.Fprintf(stdout, "Stopped daemon (pid %d)\n", result.Stop.PID)
			}
			fmt.Fprintf(stdout, "Daemon running (pid %d, endpoint %s)\n", result.Start.Entry.PID, result.Start.Entry.Endpoint)
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status for the current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.configValue()
			status, err := daemonctl.Snapshot(cmd.Context(), cfg, 5, nil)
			if err != nil {
				return err
			}
			renderStatus(cmd.OutOrStdout(), cfg, status)
			return nil
		},
	}

	return []*cobra.Command{startCmd, stopCmd, restartCmd, statusCmd}
}

func launchOptions(ctx *commandContext) daemonctl.LaunchOptions {
	opts := daemonctl.LaunchOptions{
		ConfigPath: ctx.configPath(),
		LogLevel:   ctx.logLevel(),
	}
	if exe, err := os.Executable(); err == nil {
		opts.ExecutablePath = exe
	}
	return opts
}
