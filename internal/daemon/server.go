package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"toolgate/internal/backend"
	"toolgate/internal/frame"
	"toolgate/internal/journal"
	"toolgate/internal/logging"
	"toolgate/internal/transport"
)

const minSweepInterval = time.Second

// Config carries the runtime parameters for one daemon instance.
type Config struct {
	DaemonID         string
	Endpoint         string
	SharedSecret     string
	HeartbeatTimeout time.Duration
	// IdleTimeout is how long the daemon lingers with no sessions before
	// announcing idleness. Zero disables idle shutdown.
	IdleTimeout time.Duration
}

// Event describes one session-table change for journaling.
type Event struct {
	Kind      string
	SessionID uint64
	ClientID  string
	Detail    string
}

// Hooks let the run harness react to server lifecycle without the server
// knowing about registries or process exit. All hooks are optional and must
// not call back into the server synchronously.
type Hooks struct {
	// OnIdle fires once when the daemon has had no sessions for the idle
	// timeout. The harness is expected to stop the server.
	OnIdle func()
	// OnBackendExit fires when the backend process stream ends.
	OnBackendExit func(err error)
	// OnEvent receives journal events.
	OnEvent func(Event)
}

// Server accepts client transports and fans them into one backend.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	factory backend.Factory
	hooks   Hooks

	mu        sync.Mutex
	sessions  map[uint64]*session
	nextSess  uint64
	pending   map[int64]pendingCall
	idleSince time.Time
	idleFired bool

	nextRPCID atomic.Int64

	backend  backend.Backend
	listener net.Listener
	endpoint string

	running  atomic.Bool
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type session struct {
	id       uint64
	clientID string
	tr       *transport.Transport
	isOwner  bool
	joinedAt time.Time
	lastSeen time.Time
}

type pendingCall struct {
	sessionID uint64
	origID    []byte
}

// New constructs a server. The backend is not started until Start.
func New(cfg Config, factory backend.Factory, hooks Hooks, logger *slog.Logger) (*Server, error) {
	if factory == nil {
		return nil, errors.New("daemon requires a backend factory")
	}
	if cfg.Endpoint == "" {
		return nil, errors.New("daemon requires an endpoint")
	}
	if cfg.HeartbeatTimeout <= 0 {
		return nil, errors.New("daemon requires a positive heartbeat timeout")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Server{
		cfg:      cfg,
		logger:   logging.WithComponent(logger, "daemon"),
		factory:  factory,
		hooks:    hooks,
		sessions: make(map[uint64]*session),
		pending:  make(map[int64]pendingCall),
	}, nil
}

// Start binds the listener, launches the backend, and begins accepting
// sessions. It returns once the server is serving; ctx cancellation stops it.
func (s *Server) Start(ctx context.Context) error {
	if s.running.Load() {
		return errors.New("daemon already running")
	}

	listener, err := transport.Listen(s.cfg.Endpoint)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	be, err := s.factory(runCtx, s)
	if err != nil {
		cancel()
		_ = listener.Close()
		return fmt.Errorf("start backend: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.endpoint = transport.FormatEndpoint(listener.Addr())
	s.backend = be
	s.cancel = cancel
	s.idleSince = time.Now()
	s.mu.Unlock()

	s.running.Store(true)
	s.wg.Add(2)
	go s.acceptLoop(listener)
	go s.sweepLoop(runCtx)

	s.logger.Info("daemon serving",
		logging.String(logging.FieldDaemonID, s.cfg.DaemonID),
		logging.String(logging.FieldEndpoint, s.endpoint))
	s.emit(Event{Kind: journal.KindDaemonStarted})
	return nil
}

// Endpoint returns the bound endpoint, which may differ from the configured
// one when a tcp endpoint asked for port 0.
func (s *Server) Endpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

// SessionCount reports the number of registered sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// OwnerSessionID returns the current owner, or 0 when no sessions exist.
func (s *Server) OwnerSessionID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.isOwner {
			return sess.id
		}
	}
	return 0
}

// Stop shuts the server down: no new sessions, all transports closed, the
// backend terminated, and every internal goroutine joined before return.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.running.Store(false)

		s.mu.Lock()
		if s.cancel != nil {
			s.cancel()
		}
		listener := s.listener
		be := s.backend
		s.backend = nil
		open := make([]*session, 0, len(s.sessions))
		for _, sess := range s.sessions {
			open = append(open, sess)
		}
		s.sessions = make(map[uint64]*session)
		s.pending = make(map[int64]pendingCall)
		s.mu.Unlock()

		if listener != nil {
			_ = listener.Close()
		}
		for _, sess := range open {
			_ = sess.tr.Close()
		}
		if be != nil {
			if err := be.Close(); err != nil {
				s.logger.Warn("backend close failed", logging.Error(err))
			}
		}
		s.wg.Wait()

		s.logger.Info("daemon stopped", logging.String(logging.FieldDaemonID, s.cfg.DaemonID))
		s.emit(Event{Kind: journal.KindDaemonStopped})
	})
}

func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		handler := &sessionHandler{srv: s}
		tr := transport.New(conn, handler)
		handler.tr = tr
		if err := tr.Start(); err != nil {
			_ = tr.Close()
			continue
		}
		// A connection that never says hello is reaped after the
		// heartbeat timeout.
		time.AfterFunc(s.cfg.HeartbeatTimeout, func() {
			if !handler.registered() {
				_ = tr.Close()
			}
		})
	}
}

func (s *Server) sweepLoop(ctx context.Context) {
	defer s.wg.Done()

	interval := s.cfg.HeartbeatTimeout / 2
	if interval < minSweepInterval {
		interval = minSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.sweep(now)
		}
	}
}

func (s *Server) sweep(now time.Time) {
	var stale []*session
	var idle bool

	s.mu.Lock()
	for _, sess := range s.sessions {
		if now.Sub(sess.lastSeen) > s.cfg.HeartbeatTimeout {
			stale = append(stale, sess)
		}
	}
	if s.cfg.IdleTimeout > 0 && len(s.sessions) == 0 && !s.idleFired &&
		!s.idleSince.IsZero() && now.Sub(s.idleSince) >= s.cfg.IdleTimeout {
		s.idleFired = true
		idle = true
	}
	s.mu.Unlock()

	for _, sess := range stale {
		s.logger.Warn("evicting session after missed heartbeats",
			logging.Uint64(logging.FieldSessionID, sess.id),
			logging.String(logging.FieldClientID, sess.clientID))
		s.dropSession(sess.id, journal.KindSessionEvicted, "heartbeat timeout")
		_ = sess.tr.Close()
	}
	if idle {
		s.logger.Info("idle timeout reached with no sessions")
		s.emit(Event{Kind: journal.KindIdleShutdown})
		if s.hooks.OnIdle != nil {
			s.hooks.OnIdle()
		}
	}
}

// registerSession admits a session after a valid hello and returns its ack.
func (s *Server) registerSession(h *sessionHandler, hello *frame.Hello) (frame.Envelope, error) {
	if s.cfg.SharedSecret != "" && hello.SharedSecret != s.cfg.SharedSecret {
		return frame.Envelope{}, errors.New("shared secret mismatch")
	}

	now := time.Now()
	s.mu.Lock()
	if !s.running.Load() {
		// Stop has begun; a hello racing the shutdown must not land in the
		// reset session map where nothing would ever close it.
		s.mu.Unlock()
		return frame.Envelope{}, errors.New("daemon shutting down")
	}
	s.nextSess++
	sess := &session{
		id:       s.nextSess,
		clientID: hello.ClientID,
		tr:       h.tr,
		isOwner:  len(s.sessions) == 0,
		joinedAt: now,
		lastSeen: now,
	}
	s.sessions[sess.id] = sess
	s.idleSince = time.Time{}
	s.mu.Unlock()

	h.setSessionID(sess.id)
	s.logger.Info("session opened",
		logging.Uint64(logging.FieldSessionID, sess.id),
		logging.String(logging.FieldClientID, sess.clientID),
		logging.Bool("owner", sess.isOwner))
	s.emit(Event{Kind: journal.KindSessionOpened, SessionID: sess.id, ClientID: sess.clientID})
	return frame.NewHelloAck(sess.id, sess.isOwner), nil
}

func (s *Server) touchSession(id uint64) {
	s.mu.Lock()
	if sess, ok := s.sessions[id]; ok {
		sess.lastSeen = time.Now()
	}
	s.mu.Unlock()
}

// dropSession removes one session, transfers ownership if needed, and
// broadcasts the change to every remaining session.
func (s *Server) dropSession(id uint64, kind, detail string) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, id)
	for rpcID, call := range s.pending {
		if call.sessionID == id {
			delete(s.pending, rpcID)
		}
	}

	var newOwner *session
	if sess.isOwner && len(s.sessions) > 0 {
		for _, candidate := range s.sessions {
			if newOwner == nil || candidate.id < newOwner.id {
				newOwner = candidate
			}
		}
		newOwner.isOwner = true
	}
	remaining := make([]*session, 0, len(s.sessions))
	for _, r := range s.sessions {
		remaining = append(remaining, r)
	}
	if len(s.sessions) == 0 {
		s.idleSince = time.Now()
	}
	s.mu.Unlock()

	s.logger.Info("session removed",
		logging.Uint64(logging.FieldSessionID, id),
		logging.String(logging.FieldClientID, sess.clientID),
		logging.String("reason", detail))
	s.emit(Event{Kind: kind, SessionID: id, ClientID: sess.clientID, Detail: detail})

	if newOwner != nil {
		env := frame.NewOwnerChanged(newOwner.id)
		for _, r := range remaining {
			if err := r.tr.SendControl(env); err != nil {
				s.logger.Warn("owner change notify failed",
					logging.Uint64(logging.FieldSessionID, r.id), logging.Error(err))
			}
		}
		s.emit(Event{Kind: journal.KindOwnerChanged, SessionID: newOwner.id, ClientID: newOwner.clientID})
	}
}

func (s *Server) emit(ev Event) {
	if s.hooks.OnEvent != nil {
		s.hooks.OnEvent(ev)
	}
}

// sessionHandler adapts one accepted transport to the server. It starts out
// unregistered; the hello handshake promotes it to a session.
type sessionHandler struct {
	srv *Server
	tr  *transport.Transport

	mu sync.Mutex
	id uint64
}

func (h *sessionHandler) sessionID() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.id
}

func (h *sessionHandler) setSessionID(id uint64) {
	h.mu.Lock()
	h.id = id
	h.mu.Unlock()
}

func (h *sessionHandler) registered() bool {
	return h.sessionID() != 0
}

func (h *sessionHandler) HandleMessage(payload json.RawMessage) {
	id := h.sessionID()
	if id == 0 {
		// Data before hello is a protocol violation.
		_ = h.tr.SendControl(frame.NewError("hello required before messages"))
		_ = h.tr.Close()
		return
	}
	h.srv.forwardToBackend(id, payload)
}

func (h *sessionHandler) HandleControl(env frame.Envelope) {
	switch env.Type {
	case frame.TypeHello:
		if h.registered() {
			return
		}
		if env.Hello == nil {
			_ = h.tr.Close()
			return
		}
		ack, err := h.srv.registerSession(h, env.Hello)
		if err != nil {
			_ = h.tr.SendControl(frame.NewError(err.Error()))
			_ = h.tr.Close()
			return
		}
		if err := h.tr.SendControl(ack); err != nil {
			h.srv.dropSession(h.sessionID(), journal.KindSessionClosed, "ack write failed")
			_ = h.tr.Close()
		}
	case frame.TypeHeartbeat:
		h.srv.touchSession(h.sessionID())
	case frame.TypeGoodbye:
		if id := h.sessionID(); id != 0 {
			h.srv.dropSession(id, journal.KindSessionClosed, "client goodbye")
		}
		_ = h.tr.Close()
	default:
		// Unknown control frames are tolerated for forward compatibility.
	}
}

func (h *sessionHandler) HandleClose(err error) {
	id := h.sessionID()
	if id == 0 {
		return
	}
	detail := "transport closed"
	if err != nil {
		detail = err.Error()
	}
	h.srv.dropSession(id, journal.KindSessionClosed, detail)
}
