package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	RuntimeDir string `toml:"runtime_dir"`
	LogDir     string `toml:"log_dir"`
}

// Daemon contains the daemon-side session knobs.
type Daemon struct {
	Endpoint           string `toml:"endpoint"`
	SharedSecret       string `toml:"shared_secret"`
	HeartbeatTimeoutMS int    `toml:"heartbeat_timeout_ms"`
	IdleTimeoutMS      int    `toml:"idle_timeout_ms"`
}

// Bridge contains the client-side bridge knobs.
type Bridge struct {
	DialTimeoutMS         int `toml:"dial_timeout_ms"`
	HeartbeatIntervalMS   int `toml:"heartbeat_interval_ms"`
	SpawnStartupTimeoutMS int `toml:"spawn_startup_timeout_ms"`
	SpawnPollIntervalMS   int `toml:"spawn_poll_interval_ms"`
}

// Backend describes the shared tool backend the daemon hosts.
type Backend struct {
	Command string   `toml:"command"`
	Args    []string `toml:"args"`
}

// Logging contains log output configuration.
type Logging struct {
	Level         string `toml:"level"`
	Format        string `toml:"format"`
	RetentionDays int    `toml:"retention_days"`
}

// Config centralizes every knob the daemon, bridge, and CLI need.
type Config struct {
	Paths   Paths   `toml:"paths"`
	Daemon  Daemon  `toml:"daemon"`
	Bridge  Bridge  `toml:"bridge"`
	Backend Backend `toml:"backend"`
	Logging Logging `toml:"logging"`
}

// Load reads configuration from path, or from the default locations when
// path is empty. It returns the parsed config, the resolved path, and
// whether a file existed there.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := ExpandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("toolgate.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}
	return defaultPath, false, nil
}

// DefaultConfigPath returns the expanded default config file location.
func DefaultConfigPath() (string, error) {
	return ExpandPath("~/.config/toolgate/config.toml")
}

// ExpandPath resolves ~ prefixes and returns an absolute path.
func ExpandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", errors.New("path is empty")
	}
	if trimmed == "~" || strings.HasPrefix(trimmed, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if trimmed == "~" {
			trimmed = home
		} else {
			trimmed = filepath.Join(home, trimmed[2:])
		}
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve path %q: %w", path, err)
	}
	return abs, nil
}

// EnsureDirectories creates the runtime and log directories if missing.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.RuntimeDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// CreateSample writes the embedded sample configuration to path.
func CreateSample(path string) error {
	return os.WriteFile(path, []byte(sampleConfig), 0o644)
}

// SampleConfig returns the embedded sample configuration text.
func SampleConfig() string {
	return sampleConfig
}

// HeartbeatTimeout returns the daemon-side heartbeat eviction threshold.
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.Daemon.HeartbeatTimeoutMS) * time.Millisecond
}

// IdleTimeout returns how long a daemon lingers with zero sessions before
// exiting. Zero disables idle self-termination.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Daemon.IdleTimeoutMS) * time.Millisecond
}

// DialTimeout returns the outbound transport connect timeout.
func (c *Config) DialTimeout() time.Duration {
	return time.Duration(c.Bridge.DialTimeoutMS) * time.Millisecond
}

// HeartbeatInterval returns the client heartbeat cadence.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Bridge.HeartbeatIntervalMS) * time.Millisecond
}

// SpawnStartupTimeout returns how long the bridge polls the registry after
// launching a daemon.
func (c *Config) SpawnStartupTimeout() time.Duration {
	return time.Duration(c.Bridge.SpawnStartupTimeoutMS) * time.Millisecond
}

// SpawnPollInterval returns the registry polling cadence during spawn.
func (c *Config) SpawnPollInterval() time.Duration {
	return time.Duration(c.Bridge.SpawnPollIntervalMS) * time.Millisecond
}

// RegistryPath returns the registry entry file for this configuration.
func (c *Config) RegistryPath() string {
	return filepath.Join(c.Paths.RuntimeDir, fmt.Sprintf("daemon-%s.json", c.Hash()))
}

// SocketPath returns the per-hash unix socket endpoint used when no explicit
// daemon endpoint is configured.
func (c *Config) SocketPath() string {
	return filepath.Join(c.Paths.RuntimeDir, fmt.Sprintf("daemon-%s.sock", c.Hash()))
}

// ClaimPath returns the flock file guarding daemon startup for this
// configuration.
func (c *Config) ClaimPath() string {
	return filepath.Join(c.Paths.RuntimeDir, fmt.Sprintf("daemon-%s.lock", c.Hash()))
}

// JournalPath returns the SQLite journal location.
func (c *Config) JournalPath() string {
	return filepath.Join(c.Paths.RuntimeDir, "journal.db")
}

// DaemonEndpoint returns the configured endpoint, falling back to the
// per-hash socket path.
func (c *Config) DaemonEndpoint() string {
	if ep := strings.TrimSpace(c.Daemon.Endpoint); ep != "" {
		return ep
	}
	return c.SocketPath()
}
