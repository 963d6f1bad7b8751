package frame

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// MaxFrameSize caps a single frame's payload. A peer announcing a larger
// frame is treated as corrupt because the length prefix leaves no way to
// resynchronize past it.
const MaxFrameSize = 16 << 20

// ErrFrameTooLarge indicates a length prefix beyond MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

const headerSize = 4

// Encode serializes one envelope as a length-prefixed JSON frame.
func Encode(env Envelope) ([]byte, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	if len(body) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	out := make([]byte, headerSize+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(body)))
	copy(out[headerSize:], body)
	return out, nil
}

// Decoder incrementally decodes frames from a byte stream. It accumulates
// raw bytes across arbitrarily fragmented reads and emits zero or more fully
// decoded envelopes per Feed call, preserving stream order.
type Decoder struct {
	buf []byte
}

// Feed appends p to the internal buffer and returns every envelope that is
// now complete. A frame whose payload fails JSON parsing is skipped so one
// malformed message cannot poison the stream. The only error condition is a
// length prefix beyond MaxFrameSize, after which the stream is unusable.
func (d *Decoder) Feed(p []byte) ([]Envelope, error) {
	d.buf = append(d.buf, p...)

	var out []Envelope
	for {
		if len(d.buf) < headerSize {
			break
		}
		size := binary.BigEndian.Uint32(d.buf)
		if size > MaxFrameSize {
			return out, ErrFrameTooLarge
		}
		total := headerSize + int(size)
		if len(d.buf) < total {
			break
		}
		body := d.buf[headerSize:total]

		var env Envelope
		if err := json.Unmarshal(body, &env); err == nil && env.Type != "" {
			out = append(out, env)
		}

		remaining := len(d.buf) - total
		copy(d.buf, d.buf[total:])
		d.buf = d.buf[:remaining]
	}
	return out, nil
}

// Buffered returns how many undecoded bytes the decoder is holding.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}
