package backend

import (
	"context"
	"encoding/json"
)

// Receiver consumes everything a backend produces. It is wired once at
// backend construction and never replaced.
type Receiver interface {
	// HandleBackendMessage delivers one JSON-RPC response or notification.
	HandleBackendMessage(payload json.RawMessage)
	// HandleBackendClose fires once when the backend stops producing, with
	// the terminal error if there was one.
	HandleBackendClose(err error)
}

// Backend accepts JSON-RPC payloads destined for the shared tool backend.
type Backend interface {
	Send(ctx context.Context, payload json.RawMessage) error
	Close() error
}

// Factory builds the backend for a daemon, wiring the daemon in as the
// receiver. The daemon calls it during startup so neither side carries a
// half-constructed reference to the other.
type Factory func(ctx context.Context, receiver Receiver) (Backend, error)
