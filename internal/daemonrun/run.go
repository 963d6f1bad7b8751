// Package daemonrun wires configuration, logging, journal, registry, and the
// daemon server into one foreground process run.
package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"toolgate/internal/backend"
	"toolgate/internal/config"
	"toolgate/internal/daemon"
	"toolgate/internal/journal"
	"toolgate/internal/logging"
	"toolgate/internal/registry"
)

// Version is stamped into registry entries so status output can report what
// is actually running.
const Version = "0.1.0"

// ErrAlreadyRunning indicates a live daemon already serves this
// configuration. Callers treat it as success for idempotent starts.
var ErrAlreadyRunning = errors.New("daemon already running for this configuration")

// Options configures daemon process runtime behavior.
type Options struct {
	// LogLevel overrides the configured level when non-empty.
	LogLevel string
	// Endpoint overrides the configured daemon endpoint when non-empty.
	Endpoint string
}

// Run starts the toolgate daemon runtime loop and blocks until shutdown.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("toolgated-%s.log", runID))

	level := opts.LogLevel
	if level == "" {
		level = cfg.Logging.Level
	}
	logger, err := logging.New(logging.Options{
		Level:            level,
		Format:           cfg.Logging.Format,
		OutputPaths:      []string{"stdout", logPath},
		ErrorOutputPaths: []string{"stderr", logPath},
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if err := ensureCurrentLogPointer(cfg.Paths.LogDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update toolgated.log link: %v\n", err)
	}
	logging.CleanupOldLogs(logger, cfg.Logging.RetentionDays,
		logging.RetentionTarget{Dir: cfg.Paths.LogDir, Pattern: "toolgated-*.log", Exclude: []string{logPath}},
	)

	// The startup claim serializes concurrent spawn attempts: one launched
	// process becomes the daemon, the rest defer to the registry entry the
	// winner writes.
	claim, claimed, err := registry.TryClaim(cfg.ClaimPath())
	if err != nil {
		return fmt.Errorf("claim startup lock: %w", err)
	}
	store := registry.NewStore(cfg.RegistryPath(), logger)
	if !claimed {
		if _, ok := store.LoadLive(); ok {
			logger.Info("daemon already running, exiting",
				logging.String(logging.FieldConfigHash, cfg.Hash()))
			return ErrAlreadyRunning
		}
		return fmt.Errorf("startup lock %s held but no live daemon registered", cfg.ClaimPath())
	}
	defer claim.Release()

	// An older daemon may still be serving even though the claim was free.
	if entry, ok := store.LoadLive(); ok {
		logger.Info("daemon already running, exiting",
			logging.String(logging.FieldDaemonID, entry.DaemonID),
			logging.String(logging.FieldEndpoint, entry.Endpoint))
		return ErrAlreadyRunning
	}

	jstore, err := journal.Open(cfg.JournalPath())
	if err != nil {
		logger.Warn("journal unavailable, continuing without history", logging.Error(err))
		jstore = nil
	} else {
		defer jstore.Close()
	}

	daemonID := uuid.NewString()
	hooks := daemon.Hooks{
		OnIdle:        cancel,
		OnBackendExit: func(error) { cancel() },
		OnEvent: func(ev daemon.Event) {
			if jstore == nil {
				return
			}
			record := journal.Event{
				DaemonID:  daemonID,
				SessionID: ev.SessionID,
				ClientID:  ev.ClientID,
				Kind:      ev.Kind,
				Detail:    ev.Detail,
			}
			if err := jstore.Append(context.Background(), record); err != nil {
				logger.Warn("journal append failed", logging.Error(err))
			}
		},
	}
	factory := func(ctx context.Context, receiver backend.Receiver) (backend.Backend, error) {
		return backend.StartProcess(cfg.Backend.Command, cfg.Backend.Args, receiver, logger)
	}

	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = cfg.DaemonEndpoint()
	}
	srv, err := daemon.New(daemon.Config{
		DaemonID:         daemonID,
		Endpoint:         endpoint,
		SharedSecret:     cfg.Daemon.SharedSecret,
		HeartbeatTimeout: cfg.HeartbeatTimeout(),
		IdleTimeout:      cfg.IdleTimeout(),
	}, factory, hooks, logger)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}

	if err := srv.Start(signalCtx); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	entry := registry.Entry{
		DaemonID:     daemonID,
		Endpoint:     srv.Endpoint(),
		PID:          os.Getpid(),
		StartedAt:    time.Now().UTC(),
		Version:      Version,
		ConfigHash:   cfg.Hash(),
		SharedSecret: cfg.Daemon.SharedSecret,
	}
	if err := store.Write(entry); err != nil {
		srv.Stop()
		return fmt.Errorf("register daemon: %w", err)
	}

	<-signalCtx.Done()
	logger.Info("toolgate daemon shutting down",
		logging.String(logging.FieldDaemonID, daemonID))
	srv.Stop()
	store.Remove(daemonID)
	return nil
}

func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, "toolgated.log")
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}
