package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// hashedFields captures every knob that partitions daemons. Two configs with
// equal hashedFields may safely share one daemon process; anything that
// changes backend identity or reachability must appear here.
type hashedFields struct {
	RuntimeDir     string   `json:"runtimeDir"`
	Endpoint       string   `json:"endpoint"`
	SharedSecret   string   `json:"sharedSecret"`
	BackendCommand string   `json:"backendCommand"`
	BackendArgs    []string `json:"backendArgs"`
}

// Hash returns the short configuration hash used in registry and socket
// names. It is stable across field ordering and whitespace in the TOML file.
func (c *Config) Hash() string {
	fields := hashedFields{
		RuntimeDir:     strings.TrimSpace(c.Paths.RuntimeDir),
		Endpoint:       strings.TrimSpace(c.Daemon.Endpoint),
		SharedSecret:   c.Daemon.SharedSecret,
		BackendCommand: c.Backend.Command,
		BackendArgs:    c.Backend.Args,
	}
	encoded, err := json.Marshal(fields)
	if err != nil {
		// Marshal of plain strings cannot fail; keep a deterministic fallback.
		encoded = []byte(fields.BackendCommand)
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])[:12]
}
