package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeDaemon()
	c.normalizeBridge()
	c.normalizeBackend()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.RuntimeDir) == "" {
		c.Paths.RuntimeDir = defaultRuntimeDir
	}
	if c.Paths.RuntimeDir, err = ExpandPath(c.Paths.RuntimeDir); err != nil {
		return fmt.Errorf("paths.runtime_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = ExpandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeDaemon() {
	c.Daemon.Endpoint = strings.TrimSpace(c.Daemon.Endpoint)
	if c.Daemon.SharedSecret == "" {
		if value, ok := os.LookupEnv("TOOLGATE_SHARED_SECRET"); ok {
			c.Daemon.SharedSecret = value
		}
	}
	if c.Daemon.HeartbeatTimeoutMS <= 0 {
		c.Daemon.HeartbeatTimeoutMS = defaultHeartbeatTimeoutMS
	}
	if c.Daemon.IdleTimeoutMS < 0 {
		c.Daemon.IdleTimeoutMS = 0
	}
}

func (c *Config) normalizeBridge() {
	if c.Bridge.DialTimeoutMS <= 0 {
		c.Bridge.DialTimeoutMS = defaultDialTimeoutMS
	}
	if c.Bridge.HeartbeatIntervalMS <= 0 {
		c.Bridge.HeartbeatIntervalMS = defaultHeartbeatIntervalMS
	}
	if c.Bridge.SpawnStartupTimeoutMS <= 0 {
		c.Bridge.SpawnStartupTimeoutMS = defaultSpawnStartupTimeoutMS
	}
	if c.Bridge.SpawnPollIntervalMS <= 0 {
		c.Bridge.SpawnPollIntervalMS = defaultSpawnPollIntervalMS
	}
}

func (c *Config) normalizeBackend() {
	c.Backend.Command = strings.TrimSpace(c.Backend.Command)
	args := make([]string, 0, len(c.Backend.Args))
	for _, arg := range c.Backend.Args {
		args = append(args, arg)
	}
	c.Backend.Args = args
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}
