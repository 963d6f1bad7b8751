// Package logging assembles structured slog loggers shared by the toolgate
// daemon, proxy bridge, and CLI.
//
// It owns the configurable console/JSON handlers, centralizes level and
// output plumbing, and standardizes field keys so session, daemon, and
// client identifiers appear with the same shape everywhere. The package also
// provides a no-op logger for tests and wiring code that cannot fail, plus
// retention cleanup for per-run daemon log files.
//
// Prefer these constructors over hand-rolled slog setup so new components
// emit data with the same shape and routing guarantees as the rest of the
// system.
package logging
