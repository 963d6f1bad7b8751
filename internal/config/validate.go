package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateBackend(); err != nil {
		return err
	}
	if err := c.validateDaemon(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateBackend() error {
	if c.Backend.Command == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			defaultPath = "~/.config/toolgate/config.toml"
		}
		return fmt.Errorf("backend.command is required. Edit %s (create with 'toolgate config init')", defaultPath)
	}
	return nil
}

func (c *Config) validateDaemon() error {
	if ep := c.Daemon.Endpoint; ep != "" {
		if strings.HasPrefix(ep, "tcp://") {
			host := strings.TrimPrefix(ep, "tcp://")
			if !strings.Contains(host, ":") {
				return fmt.Errorf("daemon.endpoint %q must include a port", ep)
			}
		}
	}
	if c.Daemon.HeartbeatTimeoutMS < 1000 {
		return errors.New("daemon.heartbeat_timeout_ms must be at least 1000")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
		return nil
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
}
