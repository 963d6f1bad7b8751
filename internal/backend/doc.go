// Package backend defines the contract between the daemon and the shared
// tool backend, plus the subprocess implementation used in production.
//
// The daemon only assumes a narrow shape: a backend accepts one JSON-RPC
// payload at a time and asynchronously yields zero or more responses or
// notifications through a receiver fixed at construction. Process runs the
// configured backend command and speaks newline-delimited JSON-RPC over its
// stdin/stdout.
package backend
