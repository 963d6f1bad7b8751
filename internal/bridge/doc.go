// Package bridge is the client side of the control plane.
//
// A Bridge finds or starts the daemon for the current configuration,
// completes the session handshake, and then pumps JSON-RPC payloads in both
// directions while heartbeating in the background. The local process talks
// to the bridge through a Sink fixed at construction; the stdio adapter in
// this package connects that sink to a newline-delimited stream pair.
package bridge
