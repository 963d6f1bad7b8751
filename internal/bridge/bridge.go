package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"toolgate/internal/config"
	"toolgate/internal/frame"
	"toolgate/internal/logging"
	"toolgate/internal/registry"
	"toolgate/internal/transport"
)

const defaultHeartbeatInterval = 5 * time.Second

// Sink receives everything the daemon sends to this client. Implementations
// are fixed at construction time.
type Sink interface {
	// DeliverToClient hands over one JSON-RPC payload from the backend.
	DeliverToClient(payload json.RawMessage)
	// OwnerChanged reports the new owner session and whether it is us.
	OwnerChanged(ownerSessionID uint64, isOwner bool)
	// BridgeClosed fires exactly once when the session ends. err is nil on a
	// locally requested stop or clean peer close.
	BridgeClosed(err error)
}

// Options configures a bridge.
type Options struct {
	Config *config.Config
	// Endpoint, when set, bypasses registry discovery entirely.
	Endpoint string
	// ClientIDHint prefixes the generated client id. Defaults to "client".
	ClientIDHint string
	// Spawner launches a daemon when none is live. Nil disables spawning.
	Spawner Spawner
	// Registry overrides the store derived from Config. Used by tests.
	Registry *registry.Store
	Logger   *slog.Logger
}

// Bridge owns one session with the daemon.
type Bridge struct {
	cfg      *config.Config
	explicit string
	clientID string
	sink     Sink
	spawner  Spawner
	store    *registry.Store
	logger   *slog.Logger

	tr    *transport.Transport
	ackCh chan frame.HelloAck
	errCh chan string

	mu        sync.Mutex
	sessionID uint64
	isOwner   bool
	started   bool

	stopOnce   sync.Once
	notifyOnce sync.Once
	hbStop     chan struct{}
	hbDone     chan struct{}
}

// New constructs a bridge. Nothing touches the network until Start.
func New(opts Options, sink Sink) (*Bridge, error) {
	if opts.Config == nil {
		return nil, errors.New("bridge requires a configuration")
	}
	if sink == nil {
		return nil, errors.New("bridge requires a sink")
	}
	hint := strings.TrimSpace(opts.ClientIDHint)
	if hint == "" {
		hint = "client"
	}
	logger := logging.WithComponent(opts.Logger, "bridge")
	store := opts.Registry
	if store == nil {
		store = registry.NewStore(opts.Config.RegistryPath(), logger)
	}
	return &Bridge{
		cfg:      opts.Config,
		explicit: strings.TrimSpace(opts.Endpoint),
		clientID: fmt.Sprintf("%s-%d", hint, os.Getpid()),
		sink:     sink,
		spawner:  opts.Spawner,
		store:    store,
		logger:   logger,
		ackCh:    make(chan frame.HelloAck, 1),
		errCh:    make(chan string, 1),
		hbStop:   make(chan struct{}),
		hbDone:   make(chan struct{}),
	}, nil
}

// ClientID returns the identity announced in the handshake.
func (b *Bridge) ClientID() string {
	return b.clientID
}

// SessionID returns the id assigned by the daemon, 0 before Start completes.
func (b *Bridge) SessionID() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessionID
}

// IsOwner reports whether this session currently owns the daemon.
func (b *Bridge) IsOwner() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.isOwner
}

// Start resolves the daemon, connects, and completes the handshake. On
// return the bridge is live and heartbeating.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return errors.New("bridge already started")
	}
	b.started = true
	b.mu.Unlock()

	endpoint, err := b.resolveEndpoint(ctx)
	if err != nil {
		return err
	}

	dialTimeout := b.cfg.DialTimeout()
	if dialTimeout <= 0 {
		dialTimeout = transport.DefaultDialTimeout
	}
	tr := transport.NewOutbound(endpoint, dialTimeout, &bridgeHandler{b: b})
	b.tr = tr
	if err := tr.Start(); err != nil {
		return err
	}

	secret := b.cfg.Daemon.SharedSecret
	if err := tr.SendControl(frame.NewHello(b.clientID, secret)); err != nil {
		_ = tr.Close()
		return fmt.Errorf("send hello: %w", err)
	}

	select {
	case ack := <-b.ackCh:
		b.mu.Lock()
		b.sessionID = ack.SessionID
		b.isOwner = ack.IsOwner
		b.mu.Unlock()
	case msg := <-b.errCh:
		_ = tr.Close()
		return fmt.Errorf("daemon rejected session: %s", msg)
	case <-ctx.Done():
		_ = tr.Close()
		return ctx.Err()
	case <-time.After(dialTimeout):
		_ = tr.Close()
		return errors.New("timed out waiting for session ack")
	}

	go b.heartbeatLoop()
	b.logger.Info("session established",
		logging.String(logging.FieldClientID, b.clientID),
		logging.Uint64(logging.FieldSessionID, b.SessionID()),
		logging.String(logging.FieldEndpoint, endpoint),
		logging.Bool("owner", b.IsOwner()))
	return nil
}

// Deliver forwards one client payload to the daemon.
func (b *Bridge) Deliver(payload json.RawMessage) error {
	if b.tr == nil {
		return errors.New("bridge not started")
	}
	return b.tr.Send(payload)
}

// Stop ends the session. A goodbye is attempted so the daemon drops the
// session without waiting out the heartbeat timeout; failures are ignored
// since the transport close carries the same signal. Safe to call twice.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		close(b.hbStop)
		if b.tr != nil {
			if id := b.SessionID(); id != 0 {
				_ = b.tr.SendControl(frame.NewGoodbye(id))
			}
			_ = b.tr.Close()
		}
	})
}

func (b *Bridge) heartbeatLoop() {
	defer close(b.hbDone)

	interval := b.cfg.HeartbeatInterval()
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.hbStop:
			return
		case <-ticker.C:
			if err := b.tr.SendControl(frame.NewHeartbeat(b.SessionID())); err != nil {
				return
			}
		}
	}
}

// bridgeHandler adapts the transport callbacks onto the bridge without
// exposing them as public API.
type bridgeHandler struct {
	b *Bridge
}

func (h *bridgeHandler) HandleMessage(payload json.RawMessage) {
	h.b.sink.DeliverToClient(payload)
}

func (h *bridgeHandler) HandleControl(env frame.Envelope) {
	b := h.b
	switch env.Type {
	case frame.TypeHelloAck:
		if env.HelloAck != nil {
			select {
			case b.ackCh <- *env.HelloAck:
			default:
			}
		}
	case frame.TypeOwnerChanged:
		if env.OwnerChanged == nil {
			return
		}
		owner := env.OwnerChanged.OwnerSessionID
		b.mu.Lock()
		b.isOwner = owner == b.sessionID
		mine := b.isOwner
		b.mu.Unlock()
		b.logger.Info("daemon owner changed",
			logging.Uint64("ownerSessionId", owner), logging.Bool("owner", mine))
		b.sink.OwnerChanged(owner, mine)
	case frame.TypeError:
		if env.Err == nil {
			return
		}
		select {
		case b.errCh <- env.Err.Message:
		default:
			b.logger.Warn("daemon reported error", logging.String("message", env.Err.Message))
		}
	default:
	}
}

func (h *bridgeHandler) HandleClose(err error) {
	b := h.b
	b.Stop()
	b.notifyOnce.Do(func() {
		b.sink.BridgeClosed(err)
	})
}
