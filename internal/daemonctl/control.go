// Package daemonctl orchestrates daemon processes from the CLI: idempotent
// start, graceful stop with a kill fallback, restart, and status snapshots.
package daemonctl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"syscall"
	"time"

	"toolgate/internal/config"
	"toolgate/internal/journal"
	"toolgate/internal/logging"
	"toolgate/internal/registry"
	"toolgate/internal/spawn"
)

// ErrDaemonNotRunning indicates no live daemon serves this configuration.
var ErrDaemonNotRunning = errors.New("daemon not running")

const pollInterval = 200 * time.Millisecond

// LaunchOptions controls daemon process launch behavior.
type LaunchOptions struct {
	ExecutablePath string
	ConfigPath     string
	LogLevel       string
}

// Args renders the daemon invocation for a launch.
func (o LaunchOptions) Args() []string {
	args := []string{"daemon"}
	if cfg := strings.TrimSpace(o.ConfigPath); cfg != "" {
		args = append(args, "--config", cfg)
	}
	if level := strings.TrimSpace(o.LogLevel); level != "" {
		args = append(args, "--log-level", level)
	}
	return args
}

type StartState string

const (
	StartStateStarted        StartState = "started"
	StartStateAlreadyRunning StartState = "already_running"
)

// StartResult captures daemon start orchestration state.
type StartResult struct {
	State    StartState
	Launched bool
	Entry    registry.Entry
}

// EnsureStarted returns a live daemon for cfg, launching one when needed.
func EnsureStarted(cfg *config.Config, opts LaunchOptions, logger *slog.Logger) (StartResult, error) {
	store := registry.NewStore(cfg.RegistryPath(), logger)
	if entry, ok := store.LoadLive(); ok {
		return StartResult{State: StartStateAlreadyRunning, Entry: entry}, nil
	}

	if _, err := spawn.Launch(opts.ExecutablePath, opts.Args()...); err != nil {
		return StartResult{}, err
	}
	entry, err := WaitForEntry(store, cfg.SpawnPollInterval(), cfg.SpawnStartupTimeout())
	if err != nil {
		return StartResult{}, fmt.Errorf("daemon failed to start: %w", err)
	}
	return StartResult{State: StartStateStarted, Launched: true, Entry: entry}, nil
}

// WaitForEntry polls the registry until a live entry appears.
func WaitForEntry(store *registry.Store, poll, timeout time.Duration) (registry.Entry, error) {
	if poll <= 0 {
		poll = pollInterval
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if entry, ok := store.LoadLive(); ok {
			return entry, nil
		}
		time.Sleep(poll)
	}
	return registry.Entry{}, fmt.Errorf("no live daemon registered within %s", timeout)
}

// StopResult captures daemon stop/termination outcome.
type StopResult struct {
	PID        int
	ForcedKill bool
}

// StopAndTerminate asks the daemon to exit with SIGTERM and escalates to
// SIGKILL when it is still registered after gracePeriod.
func StopAndTerminate(cfg *config.Config, gracePeriod time.Duration, logger *slog.Logger) (StopResult, error) {
	store := registry.NewStore(cfg.RegistryPath(), logger)
	entry, ok := store.LoadLive()
	if !ok {
		return StopResult{}, ErrDaemonNotRunning
	}

	if err := syscall.Kill(entry.PID, syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			store.Remove(entry.DaemonID)
			return StopResult{}, ErrDaemonNotRunning
		}
		return StopResult{}, fmt.Errorf("signal daemon pid %d: %w", entry.PID, err)
	}

	if gracePeriod <= 0 {
		gracePeriod = 5 * time.Second
	}
	deadline := time.Now().Add(gracePeriod)
	for time.Now().Before(deadline) {
		if !store.IsAlive(entry) {
			store.Remove(entry.DaemonID)
			return StopResult{PID: entry.PID}, nil
		}
		time.Sleep(pollInterval)
	}

	if err := syscall.Kill(entry.PID, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return StopResult{PID: entry.PID}, fmt.Errorf("kill daemon pid %d: %w", entry.PID, err)
	}
	store.Remove(entry.DaemonID)
	return StopResult{PID: entry.PID, ForcedKill: true}, nil
}

// RestartResult captures stop/start outcomes for daemon restart.
type RestartResult struct {
	WasRunning bool
	Stop       StopResult
	Start      StartResult
}

// Restart stops any live daemon and launches a fresh one.
func Restart(cfg *config.Config, opts LaunchOptions, gracePeriod time.Duration, logger *slog.Logger) (RestartResult, error) {
	var result RestartResult

	stop, err := StopAndTerminate(cfg, gracePeriod, logger)
	switch {
	case err == nil:
		result.WasRunning = true
		result.Stop = stop
	case errors.Is(err, ErrDaemonNotRunning):
	default:
		return result, err
	}

	start, err := EnsureStarted(cfg, opts, logger)
	if err != nil {
		return result, err
	}
	result.Start = start
	return result, nil
}

// Status describes what is currently running for a configuration.
type Status struct {
	Running     bool
	Entry       registry.Entry
	Uptime      time.Duration
	EventCounts map[string]int64
	Recent      []journal.Event
}

// Snapshot collects registry and journal state for status output. Journal
// failures degrade to an empty history rather than an error.
func Snapshot(ctx context.Context, cfg *config.Config, recentLimit int, logger *slog.Logger) (Status, error) {
	store := registry.NewStore(cfg.RegistryPath(), logger)
	status := Status{}
	if entry, ok := store.LoadLive(); ok {
		status.Running = true
		status.Entry = entry
		status.Uptime = time.Since(entry.StartedAt)
	}

	jstore, err := journal.Open(cfg.JournalPath())
	if err != nil {
		logging.WithComponent(logger, "daemonctl").Warn("journal unavailable", logging.Error(err))
		return status, nil
	}
	defer jstore.Close()

	if counts, err := jstore.CountByKind(ctx); err == nil {
		status.EventCounts = counts
	}
	if recent, err := jstore.Recent(ctx, recentLimit); err == nil {
		status.Recent = recent
	}
	return status, nil
}
