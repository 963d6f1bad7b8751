package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"

	"toolgate/internal/logging"
)

// maxLineSize bounds one newline-delimited JSON-RPC message on the local
// stream, matching the frame limit on the daemon wire.
const maxLineSize = 16 * 1024 * 1024

// Stdio adapts a newline-delimited JSON-RPC stream pair to a bridge. It is
// the Sink handed to New; Run drives the local read loop until EOF or the
// session ends.
type Stdio struct {
	in     io.Reader
	logger *slog.Logger

	mu  sync.Mutex
	out io.Writer

	done chan error
	once sync.Once
}

// NewStdio builds the adapter around a local stream pair.
func NewStdio(in io.Reader, out io.Writer, logger *slog.Logger) *Stdio {
	return &Stdio{
		in:     in,
		out:    out,
		logger: logging.WithComponent(logger, "stdio"),
		done:   make(chan error, 1),
	}
}

// DeliverToClient writes one payload as a line on the local stream.
func (s *Stdio) DeliverToClient(payload json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.out.Write(append(payload, '\n')); err != nil {
		s.logger.Warn("local write failed", logging.Error(err))
	}
}

// OwnerChanged is informational for a stdio client.
func (s *Stdio) OwnerChanged(ownerSessionID uint64, isOwner bool) {
	s.logger.Debug("owner changed",
		logging.Uint64("ownerSessionId", ownerSessionID), logging.Bool("owner", isOwner))
}

// BridgeClosed ends Run.
func (s *Stdio) BridgeClosed(err error) {
	s.once.Do(func() {
		s.done <- err
	})
}

// Run pumps local input into the bridge until EOF, context cancellation, or
// session close, then stops the bridge. The returned error is the session's
// terminal error, nil for a clean shutdown.
func (s *Stdio) Run(ctx context.Context, b *Bridge) error {
	go func() {
		scanner := bufio.NewScanner(s.in)
		scanner.Buffer(make([]byte, 64*1024), maxLineSize)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			if !json.Valid(line) {
				s.logger.Warn("skipping invalid JSON line from local stream")
				continue
			}
			if err := b.Deliver(append(json.RawMessage{}, line...)); err != nil {
				s.logger.Warn("deliver failed", logging.Error(err))
				return
			}
		}
		// Local peer is done talking; end the session.
		b.Stop()
	}()

	select {
	case err := <-s.done:
		b.Stop()
		return err
	case <-ctx.Done():
		b.Stop()
		// Wait for the close notification so the transport is fully down.
		return <-s.done
	}
}
