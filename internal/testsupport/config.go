// Package testsupport provides shared fixtures for package tests.
package testsupport

import (
	"path/filepath"
	"testing"

	"toolgate/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test
// and timeouts tightened for test runs.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.RuntimeDir = filepath.Join(base, "run")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Backend.Command = "cat"
	cfg.Logging.Format = "json"
	cfg.Bridge.DialTimeoutMS = 2000
	cfg.Bridge.SpawnStartupTimeoutMS = 2000
	cfg.Bridge.SpawnPollIntervalMS = 50

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure config directories: %v", err)
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &cfg
}

// WithBackend overrides the backend command line on the test config.
func WithBackend(command string, args ...string) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Backend.Command = command
		cfg.Backend.Args = args
	}
}

// WithSharedSecret sets the handshake secret on the test config.
func WithSharedSecret(secret string) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Daemon.SharedSecret = secret
	}
}
