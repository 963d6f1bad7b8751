package bridge_test

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"toolgate/internal/backend"
	"toolgate/internal/bridge"
	"toolgate/internal/config"
	"toolgate/internal/daemon"
	"toolgate/internal/registry"
	"toolgate/internal/testsupport"
)

// echoBackend answers every request immediately with an empty result
// carrying the same id, standing in for a real backend process.
type echoBackend struct {
	receiver backend.Receiver
}

func (b *echoBackend) Send(ctx context.Context, payload json.RawMessage) error {
	var header struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
	}
	if err := json.Unmarshal(payload, &header); err != nil {
		return err
	}
	if header.Method == "" || len(header.ID) == 0 {
		return nil
	}
	resp, err := json.Marshal(map[string]json.RawMessage{
		"jsonrpc": json.RawMessage(`"2.0"`),
		"id":      header.ID,
		"result":  json.RawMessage(`{}`),
	})
	if err != nil {
		return err
	}
	go b.receiver.HandleBackendMessage(resp)
	return nil
}

func (b *echoBackend) Close() error { return nil }

func startDaemon(t *testing.T) *daemon.Server {
	t.Helper()
	return startDaemonAt(t, filepath.Join(t.TempDir(), "daemon.sock"))
}

func startDaemonAt(t *testing.T, endpoint string) *daemon.Server {
	t.Helper()
	factory := func(ctx context.Context, receiver backend.Receiver) (backend.Backend, error) {
		return &echoBackend{receiver: receiver}, nil
	}
	srv, err := daemon.New(daemon.Config{
		DaemonID:         "test-daemon",
		Endpoint:         endpoint,
		HeartbeatTimeout: 15 * time.Second,
	}, factory, daemon.Hooks{}, nil)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("daemon.Start: %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return testsupport.NewConfig(t)
}

func liveEntry(endpoint string) registry.Entry {
	return registry.Entry{
		DaemonID:  "test-daemon",
		Endpoint:  endpoint,
		PID:       os.Getpid(),
		StartedAt: time.Now(),
	}
}

// recordingSink captures everything the bridge pushes at the client.
type recordingSink struct {
	mu       sync.Mutex
	payloads []json.RawMessage
	owners   []uint64
	closed   chan error
}

func newRecordingSink() *recordingSink {
	return &recordingSink{closed: make(chan error, 1)}
}

func (s *recordingSink) DeliverToClient(payload json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, append(json.RawMessage{}, payload...))
}

func (s *recordingSink) OwnerChanged(owner uint64, isOwner bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners = append(s.owners, owner)
}

func (s *recordingSink) BridgeClosed(err error) {
	s.closed <- err
}

func (s *recordingSink) payloadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

func (s *recordingSink) payloadAt(i int) json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payloads[i]
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

func TestStartDiscoversLiveDaemon(t *testing.T) {
	srv := startDaemon(t)
	cfg := testConfig(t)

	store := registry.NewStore(cfg.RegistryPath(), nil)
	if err := store.Write(liveEntry(srv.Endpoint())); err != nil {
		t.Fatalf("registry write: %v", err)
	}

	sink := newRecordingSink()
	b, err := bridge.New(bridge.Options{Config: cfg, ClientIDHint: "test"}, sink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(b.Stop)

	if b.SessionID() == 0 {
		t.Fatal("session id not assigned")
	}
	if !b.IsOwner() {
		t.Fatal("sole session should be owner")
	}
	if !strings.HasPrefix(b.ClientID(), "test-") {
		t.Fatalf("client id %q missing hint prefix", b.ClientID())
	}
}

func TestExplicitEndpointBypassesRegistry(t *testing.T) {
	srv := startDaemon(t)
	cfg := testConfig(t)

	sink := newRecordingSink()
	b, err := bridge.New(bridge.Options{Config: cfg, Endpoint: srv.Endpoint()}, sink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(b.Stop)
	if b.SessionID() == 0 {
		t.Fatal("session id not assigned")
	}
}

func TestStartWithoutSpawnerUsesDerivedEndpoint(t *testing.T) {
	cfg := testConfig(t)
	startDaemonAt(t, cfg.SocketPath())

	sink := newRecordingSink()
	b, err := bridge.New(bridge.Options{Config: cfg}, sink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(b.Stop)
	if b.SessionID() == 0 {
		t.Fatal("session id not assigned")
	}
}

func TestStartWithoutDaemonOrSpawnerFails(t *testing.T) {
	cfg := testConfig(t)
	b, err := bridge.New(bridge.Options{Config: cfg}, newRecordingSink())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = b.Start(context.Background())
	if err == nil {
		t.Fatal("Start succeeded with no daemon listening")
	}
	if !strings.Contains(err.Error(), cfg.SocketPath()) {
		t.Fatalf("Start error = %v, want dial failure against %s", err, cfg.SocketPath())
	}
}

// delayedSpawner simulates a daemon that takes a moment to register.
type delayedSpawner struct {
	store *registry.Store
	entry registry.Entry
	calls int
}

func (s *delayedSpawner) SpawnDaemon(cfg *config.Config) error {
	s.calls++
	go func() {
		time.Sleep(150 * time.Millisecond)
		_ = s.store.Write(s.entry)
	}()
	return nil
}

func TestStartSpawnsWhenRegistryEmpty(t *testing.T) {
	srv := startDaemon(t)
	cfg := testConfig(t)

	store := registry.NewStore(cfg.RegistryPath(), nil)
	spawner := &delayedSpawner{store: store, entry: liveEntry(srv.Endpoint())}

	b, err := bridge.New(bridge.Options{Config: cfg, Spawner: spawner}, newRecordingSink())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(b.Stop)

	if spawner.calls != 1 {
		t.Fatalf("spawner called %d times, want 1", spawner.calls)
	}
	if b.SessionID() == 0 {
		t.Fatal("session id not assigned")
	}
}

func TestDeliverRoundTrip(t *testing.T) {
	srv := startDaemon(t)
	cfg := testConfig(t)

	sink := newRecordingSink()
	b, err := bridge.New(bridge.Options{Config: cfg, Endpoint: srv.Endpoint()}, sink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(b.Stop)

	if err := b.Deliver(json.RawMessage(`{"jsonrpc":"2.0","id":42,"method":"tools/list"}`)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	waitFor(t, "echo response", func() bool { return sink.payloadCount() == 1 })

	var resp struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(sink.payloadAt(0), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if string(resp.ID) != "42" {
		t.Fatalf("response id = %s, want 42", resp.ID)
	}
}

func TestStopIsIdempotentAndDropsSessionPromptly(t *testing.T) {
	srv := startDaemon(t)
	cfg := testConfig(t)

	sink := newRecordingSink()
	b, err := bridge.New(bridge.Options{Config: cfg, Endpoint: srv.Endpoint()}, sink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "session registration", func() bool { return srv.SessionCount() == 1 })

	b.Stop()
	b.Stop()

	// Goodbye removes the session without waiting out the heartbeat timeout.
	waitFor(t, "session removal", func() bool { return srv.SessionCount() == 0 })

	select {
	case err := <-sink.closed:
		if err != nil {
			t.Fatalf("expected clean close, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("BridgeClosed never fired")
	}
	select {
	case <-sink.closed:
		t.Fatal("BridgeClosed fired twice")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestOwnerChangeReachesSink(t *testing.T) {
	srv := startDaemon(t)
	cfg := testConfig(t)

	first, err := bridge.New(bridge.Options{Config: cfg, Endpoint: srv.Endpoint()}, newRecordingSink())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	secondSink := newRecordingSink()
	second, err := bridge.New(bridge.Options{Config: cfg, Endpoint: srv.Endpoint()}, secondSink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := second.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(second.Stop)
	if second.IsOwner() {
		t.Fatal("second session must not start as owner")
	}

	first.Stop()
	waitFor(t, "ownership promotion", func() bool { return second.IsOwner() })

	secondSink.mu.Lock()
	defer secondSink.mu.Unlock()
	if len(secondSink.owners) == 0 || secondSink.owners[len(secondSink.owners)-1] != second.SessionID() {
		t.Fatalf("owner notifications = %v, want last = %d", secondSink.owners, second.SessionID())
	}
}

func TestStdioRunPumpsBothDirections(t *testing.T) {
	srv := startDaemon(t)
	cfg := testConfig(t)

	inReader, inWriter := io.Pipe()
	out := &syncBuffer{}
	stdio := bridge.NewStdio(inReader, out, nil)

	b, err := bridge.New(bridge.Options{Config: cfg, Endpoint: srv.Endpoint()}, stdio)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	runDone := make(chan error, 1)
	go func() { runDone <- stdio.Run(context.Background(), b) }()

	if _, err := io.WriteString(inWriter, "not json\n"+`{"jsonrpc":"2.0","id":7,"method":"tools/list"}`+"\n"); err != nil {
		t.Fatalf("write request: %v", err)
	}
	waitFor(t, "echo on stdout", func() bool {
		return strings.Contains(out.String(), `"id":7`)
	})

	// Closing local input ends the session and Run.
	_ = inWriter.Close()
	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run never returned after EOF")
	}
}

// syncBuffer is a goroutine-safe bytes buffer for test output capture.
type syncBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
