package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"toolgate/internal/journal"
)

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent daemon session history",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.configValue()
			store, err := journal.Open(cfg.JournalPath())
			if err != nil {
				return fmt.Errorf("open journal: %w", err)
			}
			defer store.Close()

			events, err := store.Recent(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("read journal: %w", err)
			}
			stdout := cmd.OutOrStdout()
			if len(events) == 0 {
				fmt.Fprintln(stdout, "No history recorded yet")
				return nil
			}
			fmt.Fprintln(stdout, renderTable(
				[]string{"Time", "Event", "Session", "Client", "Detail"},
				eventRows(events),
				[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
			))
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 25, "Maximum number of events to show")
	return cmd
}

func eventRows(events []journal.Event) [][]string {
	rows := make([][]string, 0, len(events))
	for _, ev := range events {
		session := ""
		if ev.SessionID != 0 {
			session = fmt.Sprintf("%d", ev.SessionID)
		}
		rows = append(rows, []string{
			ev.At.Local().Format("2006-01-02 15:04:05"),
			ev.Kind,
			session,
			ev.ClientID,
			ev.Detail,
		})
	}
	return rows
}
