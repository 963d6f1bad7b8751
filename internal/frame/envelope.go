package frame

import "encoding/json"

// Type discriminates envelope variants on the wire.
type Type string

const (
	TypeMCP          Type = "mcp"
	TypeHello        Type = "hello"
	TypeHelloAck     Type = "helloAck"
	TypeHeartbeat    Type = "heartbeat"
	TypeOwnerChanged Type = "ownerChanged"
	TypeGoodbye      Type = "goodbye"
	TypeError        Type = "error"
)

// Hello opens a session. SharedSecret is only set when the daemon was
// configured to require one.
type Hello struct {
	ClientID     string `json:"clientId"`
	SharedSecret string `json:"sharedSecret,omitempty"`
}

// HelloAck confirms a session and reports initial ownership.
type HelloAck struct {
	SessionID uint64 `json:"sessionId"`
	IsOwner   bool   `json:"isOwner"`
}

// Heartbeat keeps a session alive.
type Heartbeat struct {
	SessionID uint64 `json:"sessionId"`
}

// OwnerChanged announces the new owner to every remaining session.
type OwnerChanged struct {
	OwnerSessionID uint64 `json:"ownerSessionId"`
}

// Goodbye requests immediate session removal ahead of transport close.
type Goodbye struct {
	SessionID uint64 `json:"sessionId"`
}

// ErrorInfo carries a daemon-side failure description.
type ErrorInfo struct {
	Message string `json:"message"`
}

// Envelope is the tagged variant exchanged over a framed socket. Exactly one
// variant field is populated, selected by Type.
type Envelope struct {
	Type         Type            `json:"type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Hello        *Hello          `json:"hello,omitempty"`
	HelloAck     *HelloAck       `json:"helloAck,omitempty"`
	Heartbeat    *Heartbeat      `json:"heartbeat,omitempty"`
	OwnerChanged *OwnerChanged   `json:"ownerChanged,omitempty"`
	Goodbye      *Goodbye        `json:"goodbye,omitempty"`
	Err          *ErrorInfo      `json:"error,omitempty"`
}

// IsControl reports whether the envelope belongs to the control plane.
func (e Envelope) IsControl() bool {
	return e.Type != TypeMCP
}

func NewMCP(payload json.RawMessage) Envelope {
	return Envelope{Type: TypeMCP, Payload: payload}
}

func NewHello(clientID, sharedSecret string) Envelope {
	return Envelope{Type: TypeHello, Hello: &Hello{ClientID: clientID, SharedSecret: sharedSecret}}
}

func NewHelloAck(sessionID uint64, isOwner bool) Envelope {
	return Envelope{Type: TypeHelloAck, HelloAck: &HelloAck{SessionID: sessionID, IsOwner: isOwner}}
}

func NewHeartbeat(sessionID uint64) Envelope {
	return Envelope{Type: TypeHeartbeat, Heartbeat: &Heartbeat{SessionID: sessionID}}
}

func NewOwnerChanged(ownerSessionID uint64) Envelope {
	return Envelope{Type: TypeOwnerChanged, OwnerChanged: &OwnerChanged{OwnerSessionID: ownerSessionID}}
}

func NewGoodbye(sessionID uint64) Envelope {
	return Envelope{Type: TypeGoodbye, Goodbye: &Goodbye{SessionID: sessionID}}
}

func NewError(message string) Envelope {
	return Envelope{Type: TypeError, Err: &ErrorInfo{Message: message}}
}
