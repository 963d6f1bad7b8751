package logging

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldDaemonID is the standardized structured logging key for daemon identifiers.
	FieldDaemonID = "daemon_id"
	// FieldSessionID is the standardized structured logging key for session identifiers.
	FieldSessionID = "session_id"
	// FieldClientID is the standardized structured logging key for client-supplied identifiers.
	FieldClientID = "client_id"
	// FieldEndpoint is the standardized structured logging key for socket endpoints.
	FieldEndpoint = "endpoint"
	// FieldConfigHash is the standardized structured logging key for configuration hashes.
	FieldConfigHash = "config_hash"
	// FieldEventType tags log lines with a machine-readable event name.
	FieldEventType = "event_type"
	// FieldErrorHint carries the recommended next step when something fails.
	FieldErrorHint = "error_hint"
	// FieldImpact carries the user-facing consequence of a warning.
	FieldImpact = "impact"
)
