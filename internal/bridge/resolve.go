package bridge

import (
	"context"
	"fmt"
	"time"

	"toolgate/internal/config"
	"toolgate/internal/logging"
	"toolgate/internal/spawn"
)

// Spawner launches a daemon process for a configuration.
type Spawner interface {
	SpawnDaemon(cfg *config.Config) error
}

// ExecSpawner starts a daemon by running an executable with fixed arguments.
// The launched process is expected to register itself before the startup
// timeout elapses.
type ExecSpawner struct {
	ExecutablePath string
	Args           []string
}

func (s ExecSpawner) SpawnDaemon(cfg *config.Config) error {
	_, err := spawn.Launch(s.ExecutablePath, s.Args...)
	return err
}

// resolveEndpoint finds the daemon to connect to: an explicit endpoint wins,
// then a live registry entry, then a freshly spawned daemon polled until it
// registers. With spawning disabled the derived per-hash socket path is used
// as-is and the dial decides whether anyone is listening.
func (b *Bridge) resolveEndpoint(ctx context.Context) (string, error) {
	if b.explicit != "" {
		return b.explicit, nil
	}

	if entry, ok := b.store.LoadLive(); ok {
		return entry.Endpoint, nil
	}

	if b.spawner == nil {
		endpoint := b.cfg.SocketPath()
		b.logger.Debug("no live registry entry, using derived endpoint",
			logging.String(logging.FieldEndpoint, endpoint))
		return endpoint, nil
	}

	b.logger.Info("no live daemon, spawning",
		logging.String(logging.FieldConfigHash, b.cfg.Hash()))
	if err := b.spawner.SpawnDaemon(b.cfg); err != nil {
		return "", fmt.Errorf("spawn daemon: %w", err)
	}

	// The spawned process may lose the startup claim to a concurrent bridge;
	// either way a live entry appears, so polling the registry covers both
	// outcomes.
	poll := b.cfg.SpawnPollInterval()
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	timeout := b.cfg.SpawnStartupTimeout()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if entry, ok := b.store.LoadLive(); ok {
			return entry.Endpoint, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(poll):
		}
	}
	return "", fmt.Errorf("daemon did not register within %s", timeout)
}
