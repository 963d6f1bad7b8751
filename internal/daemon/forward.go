package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"toolgate/internal/frame"
	"toolgate/internal/journal"
	"toolgate/internal/logging"
)

// rpcHeader is the minimal JSON-RPC shape needed for routing decisions.
type rpcHeader struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
}

func hasID(id json.RawMessage) bool {
	return len(id) > 0 && !bytes.Equal(id, []byte("null"))
}

// rewriteID returns payload with its top-level id field replaced. Key order
// is not preserved, which JSON-RPC peers must tolerate.
func rewriteID(payload json.RawMessage, id json.RawMessage) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	fields["id"] = id
	rewritten, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return rewritten, nil
}

// forwardToBackend sends one client message to the backend. Requests get a
// process-unique id so responses can be routed back to the session that
// asked; notifications and client-side responses pass through untouched.
func (s *Server) forwardToBackend(sessionID uint64, payload json.RawMessage) {
	var header rpcHeader
	if err := json.Unmarshal(payload, &header); err != nil {
		s.logger.Warn("dropping unparseable client message",
			logging.Uint64(logging.FieldSessionID, sessionID), logging.Error(err))
		return
	}

	out := payload
	if header.Method != "" && hasID(header.ID) {
		remapped := s.nextRPCID.Add(1)
		rewritten, err := rewriteID(payload, json.RawMessage(strconv.FormatInt(remapped, 10)))
		if err != nil {
			s.logger.Warn("request id rewrite failed",
				logging.Uint64(logging.FieldSessionID, sessionID), logging.Error(err))
			return
		}
		s.mu.Lock()
		s.pending[remapped] = pendingCall{sessionID: sessionID, origID: append([]byte(nil), header.ID...)}
		s.mu.Unlock()
		out = rewritten
	}

	s.mu.Lock()
	be := s.backend
	s.mu.Unlock()
	if be == nil {
		return
	}
	if err := be.Send(context.Background(), out); err != nil {
		s.logger.Error("backend send failed",
			logging.Uint64(logging.FieldSessionID, sessionID), logging.Error(err))
		s.mu.Lock()
		sess := s.sessions[sessionID]
		s.mu.Unlock()
		if sess != nil {
			_ = sess.tr.SendControl(frame.NewError("backend unavailable"))
		}
	}
}

// HandleBackendMessage routes one backend message: responses go back to the
// session that issued the request, everything method-bearing is broadcast.
func (s *Server) HandleBackendMessage(payload json.RawMessage) {
	var header rpcHeader
	if err := json.Unmarshal(payload, &header); err != nil {
		s.logger.Warn("dropping unparseable backend message", logging.Error(err))
		return
	}

	if header.Method == "" && hasID(header.ID) {
		s.routeResponse(header.ID, payload)
		return
	}
	s.broadcast(payload)
}

func (s *Server) routeResponse(rawID json.RawMessage, payload json.RawMessage) {
	var remapped int64
	if err := json.Unmarshal(rawID, &remapped); err != nil {
		s.logger.Warn("backend response with unknown id shape",
			logging.String("id", string(rawID)))
		return
	}

	s.mu.Lock()
	call, ok := s.pending[remapped]
	if ok {
		delete(s.pending, remapped)
	}
	sess := s.sessions[call.sessionID]
	s.mu.Unlock()

	if !ok {
		// The requester already left; the answer has no home.
		s.logger.Debug("dropping response for unknown request",
			logging.Int64("remappedId", remapped))
		return
	}
	if sess == nil {
		return
	}

	restored, err := rewriteID(payload, call.origID)
	if err != nil {
		s.logger.Warn("response id restore failed", logging.Error(err))
		return
	}
	if err := sess.tr.Send(restored); err != nil {
		s.logger.Warn("response delivery failed",
			logging.Uint64(logging.FieldSessionID, sess.id), logging.Error(err))
	}
}

func (s *Server) broadcast(payload json.RawMessage) {
	s.mu.Lock()
	targets := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		targets = append(targets, sess)
	}
	s.mu.Unlock()

	for _, sess := range targets {
		if err := sess.tr.Send(payload); err != nil {
			s.logger.Warn("broadcast delivery failed",
				logging.Uint64(logging.FieldSessionID, sess.id), logging.Error(err))
		}
	}
}

// HandleBackendClose reacts to the backend stream ending. Sessions are told
// and closed; the harness decides whether to exit.
func (s *Server) HandleBackendClose(err error) {
	if !s.running.Load() {
		return
	}
	if err != nil {
		s.logger.Error("backend exited", logging.Error(err))
	} else {
		s.logger.Warn("backend exited")
	}
	s.emit(Event{Kind: journal.KindBackendExited, Detail: errDetail(err)})

	s.mu.Lock()
	open := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		open = append(open, sess)
	}
	s.mu.Unlock()

	env := frame.NewError("backend exited")
	for _, sess := range open {
		_ = sess.tr.SendControl(env)
		_ = sess.tr.Close()
	}
	if s.hooks.OnBackendExit != nil {
		s.hooks.OnBackendExit(err)
	}
}

func errDetail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
