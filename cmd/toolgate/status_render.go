package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"toolgate/internal/config"
	"toolgate/internal/daemonctl"
)

const (
	ansiBlue  = "\033[34m"
	ansiGreen = "\033[32m"
	ansiRed   = "\033[31m"
	ansiReset = "\033[0m"
)

func renderStatus(out io.Writer, cfg *config.Config, status daemonctl.Status) {
	colorize := shouldColorize(out)

	for _, line := range renderSectionHeader("Daemon Status", colorize) {
		fmt.Fprintln(out, line)
	}

	if status.Running {
		state := "running"
		if colorize {
			state = ansiGreen + state + ansiReset
		}
		fmt.Fprintf(out, "State:       %s\n", state)
		fmt.Fprintf(out, "Daemon ID:   %s\n", status.Entry.DaemonID)
		fmt.Fprintf(out, "PID:         %d\n", status.Entry.PID)
		fmt.Fprintf(out, "Endpoint:    %s\n", status.Entry.Endpoint)
		fmt.Fprintf(out, "Version:     %s\n", status.Entry.Version)
		fmt.Fprintf(out, "Uptime:      %s\n", status.Uptime.Round(time.Second))
	} else {
		state := "not running"
		if colorize {
			state = ansiRed + state + ansiReset
		}
		fmt.Fprintf(out, "State:       %s\n", state)
	}
	fmt.Fprintf(out, "Config hash: %s\n", cfg.Hash())
	fmt.Fprintf(out, "Registry:    %s\n", cfg.RegistryPath())
	fmt.Fprintf(out, "Secret set:  %s\n", yesNo(strings.TrimSpace(cfg.Daemon.SharedSecret) != ""))

	if len(status.EventCounts) > 0 {
		fmt.Fprintln(out)
		for _, line := range renderSectionHeader("Event Totals", colorize) {
			fmt.Fprintln(out, line)
		}
		kinds := make([]string, 0, len(status.EventCounts))
		for kind := range status.EventCounts {
			kinds = append(kinds, kind)
		}
		sort.Strings(kinds)
		rows := make([][]string, 0, len(kinds))
		for _, kind := range kinds {
			rows = append(rows, []string{kind, fmt.Sprintf("%d", status.EventCounts[kind])})
		}
		fmt.Fprintln(out, renderTable(
			[]string{"Event", "Count"},
			rows,
			[]columnAlignment{alignLeft, alignRight},
		))
	}

	if len(status.Recent) > 0 {
		fmt.Fprintln(out)
		for _, line := range renderSectionHeader("Recent Activity", colorize) {
			fmt.Fprintln(out, line)
		}
		fmt.Fprintln(out, renderTable(
			[]string{"Time", "Event", "Session", "Client", "Detail"},
			eventRows(status.Recent),
			[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
		))
	}
}

func renderSectionHeader(title string, colorize bool) []string {
	line := title
	rule := strings.Repeat("-", len(line))
	if colorize {
		line = ansiBlue + line + ansiReset
		rule = ansiBlue + rule + ansiReset
	}
	return []string{line, rule}
}
