// Package frame defines the envelope model and length-prefixed codec used on
// every toolgate socket.
//
// Each frame is a 4-byte big-endian length followed by that many bytes of
// UTF-8 JSON encoding one Envelope. Exactly one envelope variant is active
// per frame: either an opaque mcp payload or one of the control variants
// (hello, helloAck, heartbeat, ownerChanged, goodbye, error). The Decoder is
// incremental and tolerates arbitrary read fragmentation; a frame whose
// payload fails JSON parsing is dropped and decoding resumes at the next
// frame boundary.
package frame
