package daemon_test

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"toolgate/internal/backend"
	"toolgate/internal/daemon"
	"toolgate/internal/frame"
	"toolgate/internal/transport"
)

// fakeBackend records what the daemon sends and lets tests inject backend
// output through the receiver the daemon registered.
type fakeBackend struct {
	mu       sync.Mutex
	sent     []json.RawMessage
	receiver backend.Receiver
	closed   bool
}

func (b *fakeBackend) Send(ctx context.Context, payload json.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, append(json.RawMessage{}, payload...))
	return nil
}

func (b *fakeBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *fakeBackend) emit(payload string) {
	b.receiver.HandleBackendMessage(json.RawMessage(payload))
}

func (b *fakeBackend) sentCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent)
}

func (b *fakeBackend) sentAt(i int) json.RawMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sent[i]
}

func startServer(t *testing.T, cfg daemon.Config, hooks daemon.Hooks) (*daemon.Server, *fakeBackend) {
	t.Helper()

	if cfg.DaemonID == "" {
		cfg.DaemonID = "test-daemon"
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = filepath.Join(t.TempDir(), "daemon.sock")
	}
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = 15 * time.Second
	}

	fb := &fakeBackend{}
	factory := func(ctx context.Context, receiver backend.Receiver) (backend.Backend, error) {
		fb.receiver = receiver
		return fb, nil
	}
	srv, err := daemon.New(cfg, factory, hooks, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv, fb
}

// client is a scripted session peer.
type client struct {
	tr *transport.Transport

	mu       sync.Mutex
	messages []json.RawMessage

	acks   chan frame.HelloAck
	owners chan uint64
	errs   chan string
	closed chan error
}

func (c *client) HandleMessage(payload json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, append(json.RawMessage{}, payload...))
}

func (c *client) HandleControl(env frame.Envelope) {
	switch env.Type {
	case frame.TypeHelloAck:
		if env.HelloAck != nil {
			c.acks <- *env.HelloAck
		}
	case frame.TypeOwnerChanged:
		if env.OwnerChanged != nil {
			c.owners <- env.OwnerChanged.OwnerSessionID
		}
	case frame.TypeError:
		if env.Err != nil {
			c.errs <- env.Err.Message
		}
	}
}

func (c *client) HandleClose(err error) {
	c.closed <- err
}

func (c *client) messageCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

func (c *client) messageAt(i int) json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messages[i]
}

func dialClient(t *testing.T, endpoint string) *client {
	t.Helper()
	c := &client{
		acks:   make(chan frame.HelloAck, 1),
		owners: make(chan uint64, 4),
		errs:   make(chan string, 4),
		closed: make(chan error, 1),
	}
	c.tr = transport.NewOutbound(endpoint, 2*time.Second, c)
	if err := c.tr.Start(); err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { _ = c.tr.Close() })
	return c
}

// connect dials and completes the handshake, returning the client and ack.
func connect(t *testing.T, endpoint, clientID, secret string) (*client, frame.HelloAck) {
	t.Helper()
	c := dialClient(t, endpoint)
	if err := c.tr.SendControl(frame.NewHello(clientID, secret)); err != nil {
		t.Fatalf("hello: %v", err)
	}
	select {
	case ack := <-c.acks:
		return c, ack
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for helloAck")
		return nil, frame.HelloAck{}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestFirstSessionBecomesOwner(t *testing.T) {
	srv, _ := startServer(t, daemon.Config{}, daemon.Hooks{})

	_, ack1 := connect(t, srv.Endpoint(), "cli-1", "")
	if !ack1.IsOwner {
		t.Fatal("first session should be owner")
	}
	_, ack2 := connect(t, srv.Endpoint(), "cli-2", "")
	if ack2.IsOwner {
		t.Fatal("second session must not be owner")
	}
	if ack2.SessionID <= ack1.SessionID {
		t.Fatalf("session ids not increasing: %d then %d", ack1.SessionID, ack2.SessionID)
	}
	if got := srv.SessionCount(); got != 2 {
		t.Fatalf("SessionCount = %d, want 2", got)
	}
	if got := srv.OwnerSessionID(); got != ack1.SessionID {
		t.Fatalf("OwnerSessionID = %d, want %d", got, ack1.SessionID)
	}
}

func TestOwnershipTransfersToOldestRemaining(t *testing.T) {
	srv, _ := startServer(t, daemon.Config{}, daemon.Hooks{})

	owner, ownerAck := connect(t, srv.Endpoint(), "cli-1", "")
	second, secondAck := connect(t, srv.Endpoint(), "cli-2", "")
	third, _ := connect(t, srv.Endpoint(), "cli-3", "")

	if err := owner.tr.SendControl(frame.NewGoodbye(ownerAck.SessionID)); err != nil {
		t.Fatalf("goodbye: %v", err)
	}

	for _, c := range []*client{second, third} {
		select {
		case newOwner := <-c.owners:
			if newOwner != secondAck.SessionID {
				t.Fatalf("ownerChanged announced %d, want %d", newOwner, secondAck.SessionID)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("ownerChanged never delivered")
		}
	}
	waitFor(t, "owner transfer", func() bool {
		return srv.OwnerSessionID() == secondAck.SessionID
	})
	if got := srv.SessionCount(); got != 2 {
		t.Fatalf("SessionCount = %d, want 2", got)
	}
}

func TestAbruptDisconnectRemovesSession(t *testing.T) {
	srv, _ := startServer(t, daemon.Config{}, daemon.Hooks{})

	owner, _ := connect(t, srv.Endpoint(), "cli-1", "")
	survivor, survivorAck := connect(t, srv.Endpoint(), "cli-2", "")

	_ = owner.tr.Close()

	select {
	case newOwner := <-survivor.owners:
		if newOwner != survivorAck.SessionID {
			t.Fatalf("ownerChanged announced %d, want %d", newOwner, survivorAck.SessionID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ownerChanged never delivered after disconnect")
	}
	waitFor(t, "session removal", func() bool { return srv.SessionCount() == 1 })
}

func TestSharedSecretMismatchRejected(t *testing.T) {
	srv, _ := startServer(t, daemon.Config{SharedSecret: "hunter2"}, daemon.Hooks{})

	c := dialClient(t, srv.Endpoint())
	if err := c.tr.SendControl(frame.NewHello("cli-1", "wrong")); err != nil {
		t.Fatalf("hello: %v", err)
	}
	select {
	case msg := <-c.errs:
		if msg == "" {
			t.Fatal("expected error message")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("rejection never delivered")
	}
	select {
	case <-c.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("connection not closed after rejection")
	}
	if got := srv.SessionCount(); got != 0 {
		t.Fatalf("SessionCount = %d, want 0", got)
	}

	// The right secret still works.
	_, ack := connect(t, srv.Endpoint(), "cli-2", "hunter2")
	if !ack.IsOwner {
		t.Fatal("accepted session should be owner")
	}
}

func TestHelloDuringShutdownRejected(t *testing.T) {
	srv, _ := startServer(t, daemon.Config{}, daemon.Hooks{})

	c := dialClient(t, srv.Endpoint())
	// Give the accept loop time to pick up the connection before shutdown.
	time.Sleep(50 * time.Millisecond)
	srv.Stop()

	_ = c.tr.SendControl(frame.NewHello("late", ""))
	select {
	case <-c.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("late hello connection never closed")
	}
	if got := srv.SessionCount(); got != 0 {
		t.Fatalf("SessionCount = %d after Stop, want 0", got)
	}
}

func TestMessageBeforeHelloRejected(t *testing.T) {
	srv, _ := startServer(t, daemon.Config{}, daemon.Hooks{})

	c := dialClient(t, srv.Endpoint())
	if err := c.tr.Send(json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case <-c.errs:
	case <-time.After(2 * time.Second):
		t.Fatal("protocol error never delivered")
	}
	select {
	case <-c.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("connection not closed")
	}
}

func TestRequestIDsRemappedAndRestored(t *testing.T) {
	srv, fb := startServer(t, daemon.Config{}, daemon.Hooks{})

	first, _ := connect(t, srv.Endpoint(), "cli-1", "")
	second, _ := connect(t, srv.Endpoint(), "cli-2", "")

	// Both clients reuse request id 1; the backend must see distinct ids.
	if err := first.tr.Send(json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "first forward", func() bool { return fb.sentCount() == 1 })
	if err := second.tr.Send(json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/call"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "second forward", func() bool { return fb.sentCount() == 2 })

	type wire struct {
		ID     int64  `json:"id"`
		Method string `json:"method"`
	}
	var firstWire, secondWire wire
	if err := json.Unmarshal(fb.sentAt(0), &firstWire); err != nil {
		t.Fatalf("decode forwarded request: %v", err)
	}
	if err := json.Unmarshal(fb.sentAt(1), &secondWire); err != nil {
		t.Fatalf("decode forwarded request: %v", err)
	}
	if firstWire.ID == secondWire.ID {
		t.Fatalf("backend saw duplicate id %d", firstWire.ID)
	}
	if firstWire.Method != "tools/list" || secondWire.Method != "tools/call" {
		t.Fatalf("methods not preserved: %q, %q", firstWire.Method, secondWire.Method)
	}

	// Answer the second request first; only cli-2 may receive it, with its
	// original id restored.
	fb.emit(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"ok":true}}`, secondWire.ID))
	waitFor(t, "second response", func() bool { return second.messageCount() == 1 })

	var resp struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(second.messageAt(0), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if string(resp.ID) != "1" {
		t.Fatalf("restored id = %s, want 1", resp.ID)
	}
	if first.messageCount() != 0 {
		t.Fatal("response leaked to the wrong session")
	}

	fb.emit(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{}}`, firstWire.ID))
	waitFor(t, "first response", func() bool { return first.messageCount() == 1 })
}

func TestResponseForDepartedSessionDropped(t *testing.T) {
	srv, fb := startServer(t, daemon.Config{}, daemon.Hooks{})

	gone, goneAck := connect(t, srv.Endpoint(), "cli-1", "")
	stays, _ := connect(t, srv.Endpoint(), "cli-2", "")

	if err := gone.tr.Send(json.RawMessage(`{"jsonrpc":"2.0","id":7,"method":"tools/list"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "forward", func() bool { return fb.sentCount() == 1 })
	var wire struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(fb.sentAt(0), &wire); err != nil {
		t.Fatalf("decode forwarded request: %v", err)
	}

	if err := gone.tr.SendControl(frame.NewGoodbye(goneAck.SessionID)); err != nil {
		t.Fatalf("goodbye: %v", err)
	}
	waitFor(t, "departure", func() bool { return srv.SessionCount() == 1 })

	fb.emit(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{}}`, wire.ID))
	time.Sleep(100 * time.Millisecond)
	if stays.messageCount() != 0 {
		t.Fatal("orphaned response delivered to an unrelated session")
	}
}

func TestNotificationsPassThroughWithoutRemap(t *testing.T) {
	srv, fb := startServer(t, daemon.Config{}, daemon.Hooks{})

	c, _ := connect(t, srv.Endpoint(), "cli-1", "")
	notification := `{"jsonrpc":"2.0","method":"notifications/progress","params":{"token":"t"}}`
	if err := c.tr.Send(json.RawMessage(notification)); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "forward", func() bool { return fb.sentCount() == 1 })
	if string(fb.sentAt(0)) != notification {
		t.Fatalf("notification mutated in flight: %s", fb.sentAt(0))
	}
}

func TestBackendNotificationsBroadcast(t *testing.T) {
	srv, fb := startServer(t, daemon.Config{}, daemon.Hooks{})

	first, _ := connect(t, srv.Endpoint(), "cli-1", "")
	second, _ := connect(t, srv.Endpoint(), "cli-2", "")

	fb.emit(`{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`)
	waitFor(t, "broadcast", func() bool {
		return first.messageCount() == 1 && second.messageCount() == 1
	})
}

func TestHeartbeatKeepsSessionAliveAndSilenceEvicts(t *testing.T) {
	if testing.Short() {
		t.Skip("eviction needs wall time")
	}
	srv, _ := startServer(t, daemon.Config{HeartbeatTimeout: 1200 * time.Millisecond}, daemon.Hooks{})

	silent, _ := connect(t, srv.Endpoint(), "cli-silent", "")
	noisy, noisyAck := connect(t, srv.Endpoint(), "cli-noisy", "")

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(300 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = noisy.tr.SendControl(frame.NewHeartbeat(noisyAck.SessionID))
			}
		}
	}()

	select {
	case <-silent.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("silent session never evicted")
	}
	waitFor(t, "single survivor", func() bool { return srv.SessionCount() == 1 })
	if got := srv.OwnerSessionID(); got != noisyAck.SessionID {
		t.Fatalf("owner after eviction = %d, want %d", got, noisyAck.SessionID)
	}
}

func TestIdleHookFiresWithNoSessions(t *testing.T) {
	if testing.Short() {
		t.Skip("idle detection needs wall time")
	}
	idle := make(chan struct{}, 1)
	startServer(t, daemon.Config{HeartbeatTimeout: time.Second, IdleTimeout: 100 * time.Millisecond}, daemon.Hooks{
		OnIdle: func() { idle <- struct{}{} },
	})

	select {
	case <-idle:
	case <-time.After(5 * time.Second):
		t.Fatal("idle hook never fired")
	}
}

func TestBackendExitClosesSessions(t *testing.T) {
	exited := make(chan struct{}, 1)
	srv, fb := startServer(t, daemon.Config{}, daemon.Hooks{
		OnBackendExit: func(err error) { exited <- struct{}{} },
	})

	c, _ := connect(t, srv.Endpoint(), "cli-1", "")
	fb.receiver.HandleBackendClose(nil)

	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("backend exit hook never fired")
	}
	select {
	case <-c.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("session not closed after backend exit")
	}
}
