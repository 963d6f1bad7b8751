package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"toolgate/internal/bridge"
	"toolgate/internal/daemonctl"
	"toolgate/internal/logging"
)

// proxy is the command MCP clients configure as their server: it speaks
// newline-delimited JSON-RPC on stdio and relays to the shared daemon,
// spawning one when necessary.
func newProxyCommand(ctx *commandContext) *cobra.Command {
	var clientName string

	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Relay stdio JSON-RPC to the shared daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			// Logs go to stderr only; stdout is the protocol stream.
			logger, err := logging.New(logging.Options{
				Level:            firstNonEmpty(ctx.logLevel(), cfg.Logging.Level),
				Format:           cfg.Logging.Format,
				OutputPaths:      []string{"stderr"},
				ErrorOutputPaths: []string{"stderr"},
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			var spawner bridge.Spawner
			if exe, exeErr := os.Executable(); exeErr == nil {
				spawner = bridge.ExecSpawner{
					ExecutablePath: exe,
					Args:           daemonctl.LaunchOptions{ConfigPath: ctx.configPath(), LogLevel: ctx.logLevel()}.Args(),
				}
			}

			stdio := bridge.NewStdio(cmd.InOrStdin(), cmd.OutOrStdout(), logger)
			b, err := bridge.New(bridge.Options{
				Config:       cfg,
				Endpoint:     ctx.endpoint(),
				ClientIDHint: clientName,
				Spawner:      spawner,
				Logger:       logger,
			}, stdio)
			if err != nil {
				return err
			}
			if err := b.Start(cmd.Context()); err != nil {
				return err
			}
			return stdio.Run(cmd.Context(), b)
		},
	}

	cmd.Flags().StringVar(&clientName, "client-name", "", "Client identity hint reported to the daemon")
	return cmd
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
