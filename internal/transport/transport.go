package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"toolgate/internal/frame"
)

// DefaultDialTimeout bounds outbound connects when the caller supplies no
// explicit timeout.
const DefaultDialTimeout = 5 * time.Second

// ErrClosed is returned by writes after the transport has shut down.
var ErrClosed = errors.New("transport closed")

// ErrNotStarted is returned by writes before Start has connected the
// transport.
var ErrNotStarted = errors.New("transport not started")

// Handler receives everything a transport produces. Implementations are
// fixed at construction; the read loop never starts before the handler is
// wired, and the handler is never swapped afterwards.
type Handler interface {
	// HandleMessage delivers the payload of one mcp envelope.
	HandleMessage(payload json.RawMessage)
	// HandleControl delivers any non-mcp envelope.
	HandleControl(env frame.Envelope)
	// HandleClose fires exactly once when the transport stops reading,
	// whether by peer close, local Close, or a stream error. err is nil on
	// clean EOF or local close.
	HandleClose(err error)
}

// Transport is one framed bidirectional channel over a net.Conn.
//
// Inbound transports wrap an accepted connection; outbound transports hold
// an endpoint and connect when Start is called. Either way no frame is read
// before Start, which gives the owner time to finish its own wiring.
type Transport struct {
	handler Handler

	// outbound connect parameters; empty endpoint means inbound
	endpoint    string
	dialTimeout time.Duration

	mu      sync.Mutex
	conn    net.Conn
	closed  bool
	started bool

	// wmu serializes frame writes separately from mu, so Close never waits
	// behind a write stalled on a slow peer.
	wmu sync.Mutex

	notifyOnce sync.Once
}

// New wraps an accepted connection. The read loop begins on Start.
func New(conn net.Conn, handler Handler) *Transport {
	return &Transport{handler: handler, conn: conn}
}

// NewOutbound prepares a client-initiated transport to endpoint. Start
// performs the connect, bounded by timeout (DefaultDialTimeout when zero).
func NewOutbound(endpoint string, timeout time.Duration, handler Handler) *Transport {
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	return &Transport{handler: handler, endpoint: endpoint, dialTimeout: timeout}
}

// Start connects outbound transports and begins the read loop. Calling it
// twice is an error.
func (t *Transport) Start() error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return errors.New("transport already started")
	}
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.conn == nil {
		conn, err := DialEndpoint(t.endpoint, t.dialTimeout)
		if err != nil {
			t.mu.Unlock()
			return err
		}
		t.conn = conn
	}
	t.started = true
	conn := t.conn
	t.mu.Unlock()

	go t.readLoop(conn)
	return nil
}

// Send wraps payload as an mcp envelope and writes it.
func (t *Transport) Send(payload json.RawMessage) error {
	return t.write(frame.NewMCP(payload))
}

// SendControl writes a control envelope. mcp-typed envelopes are rejected so
// the data plane cannot leak through the control entry point.
func (t *Transport) SendControl(env frame.Envelope) error {
	if !env.IsControl() {
		return fmt.Errorf("send control: refusing %s envelope", env.Type)
	}
	return t.write(env)
}

func (t *Transport) write(env frame.Envelope) error {
	data, err := frame.Encode(env)
	if err != nil {
		return err
	}
	t.mu.Lock()
	closed, conn := t.closed, t.conn
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotStarted
	}
	// A concurrent Close may close conn at any point; the stalled Write then
	// fails on its own rather than holding up the shutdown.
	t.wmu.Lock()
	defer t.wmu.Unlock()
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Close shuts the transport down. Safe to call repeatedly and concurrently;
// the handler's HandleClose still fires exactly once, from the read loop.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	started := t.started
	t.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	if !started {
		// No read loop exists to deliver the close notification.
		t.notifyOnce.Do(func() {
			t.handler.HandleClose(nil)
		})
	}
	return err
}

func (t *Transport) readLoop(conn net.Conn) {
	var dec frame.Decoder
	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			envs, decErr := dec.Feed(buf[:n])
			for _, env := range envs {
				if env.Type == frame.TypeMCP {
					t.handler.HandleMessage(env.Payload)
				} else {
					t.handler.HandleControl(env)
				}
			}
			if decErr != nil {
				t.teardown(decErr)
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				err = nil
			}
			t.teardown(err)
			return
		}
	}
}

func (t *Transport) teardown(err error) {
	_ = t.Close()
	t.notifyOnce.Do(func() {
		t.handler.HandleClose(err)
	})
}
