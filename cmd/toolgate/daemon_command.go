package main

import (
	"errors"

	"github.com/spf13/cobra"

	"toolgate/internal/daemonrun"
)

func newDaemonRunCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:          "daemon",
		Short:        "Run the toolgate daemon in the foreground (internal)",
		Hidden:       true,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			err = daemonrun.Run(cmd.Context(), cfg, daemonrun.Options{
				LogLevel: ctx.logLevel(),
				Endpoint: ctx.endpoint(),
			})
			if errors.Is(err, daemonrun.ErrAlreadyRunning) {
				// Losing the startup race is a clean outcome.
				return nil
			}
			return err
		},
	}
}
