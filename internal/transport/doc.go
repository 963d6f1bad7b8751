// Package transport provides the bidirectional framed channel used between
// bridges and the daemon.
//
// A Transport wraps one net.Conn and separates the data plane (opaque mcp
// payloads) from the control plane (handshake, heartbeat, ownership) even
// though both share the wire. Handlers are fixed at construction so routing
// cannot be silently reassigned after wiring, and no frame is read until
// Start. Endpoints are either unix socket paths or tcp://host:port strings;
// Listen and DialEndpoint accept both.
package transport
