package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"toolgate/internal/logging"
	"toolgate/internal/transport"
)

// DefaultProbeTimeout bounds the socket half of a liveness check.
const DefaultProbeTimeout = 300 * time.Millisecond

// Entry advertises one live daemon for one configuration hash.
type Entry struct {
	DaemonID     string    `json:"daemonId"`
	Endpoint     string    `json:"endpoint"`
	PID          int       `json:"pid"`
	StartedAt    time.Time `json:"startedAt"`
	Version      string    `json:"version,omitempty"`
	ConfigHash   string    `json:"configHash,omitempty"`
	SharedSecret string    `json:"sharedSecret,omitempty"`
}

func (e Entry) valid() bool {
	return strings.TrimSpace(e.DaemonID) != "" &&
		strings.TrimSpace(e.Endpoint) != "" &&
		e.PID > 0 &&
		!e.StartedAt.IsZero()
}

// Store reads and writes the registry entry at a fixed path.
type Store struct {
	path         string
	probeTimeout time.Duration
	logger       *slog.Logger
}

// Option customizes store construction.
type Option func(*Store)

// WithProbeTimeout overrides the socket probe timeout.
func WithProbeTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.probeTimeout = d
		}
	}
}

// NewStore creates a store for the entry file at path.
func NewStore(path string, logger *slog.Logger, opts ...Option) *Store {
	store := &Store{
		path:         path,
		probeTimeout: DefaultProbeTimeout,
		logger:       logging.WithComponent(logger, "registry"),
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// Path returns the entry file location.
func (s *Store) Path() string {
	return s.path
}

// Write serializes entry to a temp file beside the target and atomically
// renames it into place, so readers never observe a partial entry. The file
// is restricted to the owning user.
func (s *Store) Write(entry Entry) error {
	if !entry.valid() {
		return errors.New("write registry: entry missing required fields")
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry entry: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ensure registry directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".registry-*")
	if err != nil {
		return fmt.Errorf("create registry temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod registry temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write registry temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close registry temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("publish registry entry: %w", err)
	}
	return nil
}

// Read parses the entry file. Any parse failure or shape mismatch is treated
// as "no entry", never propagated as an error.
func (s *Store) Read() (Entry, bool) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return Entry{}, false
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		s.logger.Debug("registry entry unparseable, treating as absent",
			logging.String("path", s.path),
			logging.Error(err))
		return Entry{}, false
	}
	if !entry.valid() {
		s.logger.Debug("registry entry missing required fields, treating as absent",
			logging.String("path", s.path))
		return Entry{}, false
	}
	return entry, true
}

// IsAlive reports whether entry points at a trusted-live daemon: the pid
// must exist and a fresh connect to the endpoint must succeed within the
// probe timeout. A live process with a dead socket is not alive.
func (s *Store) IsAlive(entry Entry) bool {
	if !pidExists(entry.PID) {
		return false
	}
	conn, err := transport.DialEndpoint(entry.Endpoint, s.probeTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// LoadLive returns the entry only when it passes the liveness check. Stale
// entries are deleted on the way out so the next reader skips the probe.
func (s *Store) LoadLive() (Entry, bool) {
	entry, ok := s.Read()
	if !ok {
		return Entry{}, false
	}
	if !s.IsAlive(entry) {
		s.logger.Info("removing stale registry entry",
			logging.String(logging.FieldDaemonID, entry.DaemonID),
			logging.String(logging.FieldEndpoint, entry.Endpoint),
			logging.Int("pid", entry.PID),
			logging.String(logging.FieldEventType, "registry_stale_removed"))
		_ = os.Remove(s.path)
		return Entry{}, false
	}
	return entry, true
}

// Remove deletes the entry, but only while it still belongs to daemonID.
// A daemon shutting down must not erase a successor's registration.
func (s *Store) Remove(daemonID string) {
	entry, ok := s.Read()
	if ok && entry.DaemonID != daemonID {
		return
	}
	_ = os.Remove(s.path)
}

// pidExists checks process existence with a null signal. EPERM means the
// process exists but belongs to another user, which still counts as running.
func pidExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, unix.EPERM)
}
