// Package daemon implements the shared server that multiplexes many client
// sessions onto one backend process.
//
// The server owns the session table: handshakes, heartbeats, ownership, and
// the id remapping that keeps concurrent JSON-RPC requests from different
// clients distinguishable on the single backend stream. All session state is
// guarded by one mutex; transports deliver into it from their own read
// goroutines.
package daemon
