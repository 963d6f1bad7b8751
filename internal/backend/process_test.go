package backend_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"toolgate/internal/backend"
	"toolgate/internal/logging"
)

type collectingReceiver struct {
	mu       sync.Mutex
	messages []string
	closed   chan error
}

func newCollectingReceiver() *collectingReceiver {
	return &collectingReceiver{closed: make(chan error, 1)}
}

func (r *collectingReceiver) HandleBackendMessage(payload json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, string(payload))
}

func (r *collectingReceiver) HandleBackendClose(err error) {
	r.closed <- err
}

func (r *collectingReceiver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func TestProcessEchoRoundTrip(t *testing.T) {
	receiver := newCollectingReceiver()
	// cat echoes every stdin line back on stdout, making it a minimal
	// newline-delimited JSON-RPC backend.
	proc, err := backend.StartProcess("cat", nil, receiver, logging.NewNop())
	if err != nil {
		t.Fatalf("StartProcess: %v", err)
	}
	defer proc.Close()

	payload := json.RawMessage(`{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`)
	if err := proc.Send(context.Background(), payload); err != nil {
		t.Fatalf("Send: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for receiver.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	receiver.mu.Lock()
	defer receiver.mu.Unlock()
	if len(receiver.messages) != 1 {
		t.Fatalf("received %d messages, want 1", len(receiver.messages))
	}
	if receiver.messages[0] != string(payload) {
		t.Fatalf("message = %s, want %s", receiver.messages[0], payload)
	}
}

func TestProcessSkipsNonJSONOutput(t *testing.T) {
	receiver := newCollectingReceiver()
	proc, err := backend.StartProcess("sh", []string{"-c", `echo "not json"; echo '{"jsonrpc":"2.0","method":"note"}'`}, receiver, logging.NewNop())
	if err != nil {
		t.Fatalf("StartProcess: %v", err)
	}
	defer proc.Close()

	select {
	case err := <-receiver.closed:
		if err != nil {
			t.Fatalf("unexpected close error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("backend exit never observed")
	}

	receiver.mu.Lock()
	defer receiver.mu.Unlock()
	if len(receiver.messages) != 1 {
		t.Fatalf("received %d messages, want 1 (garbage line skipped)", len(receiver.messages))
	}
}

func TestProcessSendAfterCloseFails(t *testing.T) {
	receiver := newCollectingReceiver()
	proc, err := backend.StartProcess("cat", nil, receiver, logging.NewNop())
	if err != nil {
		t.Fatalf("StartProcess: %v", err)
	}
	if err := proc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := proc.Send(context.Background(), json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected Send after Close to fail")
	}
	// Close again: must be a no-op.
	if err := proc.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
