package config

const (
	defaultRuntimeDir = "~/.local/share/toolgate"
	defaultLogDir     = "~/.local/share/toolgate/logs"

	defaultHeartbeatTimeoutMS = 15000
	defaultIdleTimeoutMS      = 300000

	defaultDialTimeoutMS         = 5000
	defaultHeartbeatIntervalMS   = 5000
	defaultSpawnStartupTimeoutMS = 5000
	defaultSpawnPollIntervalMS   = 100

	defaultLogFormat        = "console"
	defaultLogLevel         = "info"
	defaultLogRetentionDays = 30
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			RuntimeDir: defaultRuntimeDir,
			LogDir:     defaultLogDir,
		},
		Daemon: Daemon{
			HeartbeatTimeoutMS: defaultHeartbeatTimeoutMS,
			IdleTimeoutMS:      defaultIdleTimeoutMS,
		},
		Bridge: Bridge{
			DialTimeoutMS:         defaultDialTimeoutMS,
			HeartbeatIntervalMS:   defaultHeartbeatIntervalMS,
			SpawnStartupTimeoutMS: defaultSpawnStartupTimeoutMS,
			SpawnPollIntervalMS:   defaultSpawnPollIntervalMS,
		},
		Logging: Logging{
			Level:         defaultLogLevel,
			Format:        defaultLogFormat,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
