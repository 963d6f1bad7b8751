package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"

	"toolgate/internal/logging"
)

// maxLineSize bounds one JSON-RPC line from the backend. Tool results can be
// large, so this is generous.
const maxLineSize = 16 << 20

// ErrBackendClosed is returned by Send after the backend has terminated.
var ErrBackendClosed = errors.New("backend closed")

// Process is a backend running as a child process speaking newline-delimited
// JSON-RPC on stdin/stdout. Stderr is drained into the daemon log.
type Process struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	receiver Receiver
	logger   *slog.Logger

	writeMu sync.Mutex
	closed  bool

	closeOnce  sync.Once
	notifyOnce sync.Once
	done       chan struct{}
}

// StartProcess launches command with args and begins pumping its stdout to
// the receiver. The child's lifetime is tied to the daemon, not to ctx.
func StartProcess(command string, args []string, receiver Receiver, logger *slog.Logger) (*Process, error) {
	cmd := exec.Command(command, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("backend stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("backend stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("backend stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start backend %q: %w", command, err)
	}

	p := &Process{
		cmd:      cmd,
		stdin:    stdin,
		receiver: receiver,
		logger:   logging.WithComponent(logger, "backend"),
		done:     make(chan struct{}),
	}
	p.logger.Info("backend started",
		logging.String("command", command),
		logging.Int("pid", cmd.Process.Pid),
		logging.String(logging.FieldEventType, "backend_started"))

	go p.readLoop(stdout)
	go p.drainStderr(stderr)
	return p, nil
}

// Send writes one JSON-RPC payload as a single line on the backend's stdin.
func (p *Process) Send(ctx context.Context, payload json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line := append(json.RawMessage{}, payload...)
	line = append(line, '\n')

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.closed {
		return ErrBackendClosed
	}
	if _, err := p.stdin.Write(line); err != nil {
		return fmt.Errorf("write to backend: %w", err)
	}
	return nil
}

// Close terminates the backend process. Idempotent.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		p.writeMu.Lock()
		p.closed = true
		p.writeMu.Unlock()
		_ = p.stdin.Close()
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		<-p.done
		_ = p.cmd.Wait()
	})
	return nil
}

func (p *Process) readLoop(stdout io.Reader) {
	defer close(p.done)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			p.logger.Warn("discarding non-JSON backend output",
				logging.Int("bytes", len(line)),
				logging.String(logging.FieldEventType, "backend_bad_output"),
				logging.String(logging.FieldImpact, "one backend message was lost"))
			continue
		}
		p.receiver.HandleBackendMessage(append(json.RawMessage{}, line...))
	}

	err := scanner.Err()
	p.notifyOnce.Do(func() {
		p.receiver.HandleBackendClose(err)
	})
}

func (p *Process) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 16*1024), 1<<20)
	for scanner.Scan() {
		p.logger.Debug("backend stderr", logging.String("line", scanner.Text()))
	}
}
