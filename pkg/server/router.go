package server

import (
	"context"
	"encoding/json"
	"runtime/debug"

	"github.com/docket-hq/slate-sheikah/pkg/protocol"
)

// buildHandler wraps handleMessage in the configured middleware,
// outermost first.
func (s *Server) buildHandler() MessageHandler {
	h := MessageHandler(s.handleMessage)
	for i := len(s.config.Middleware) - 1; i >= 0; i-- {
		h = s.config.Middleware[i](h)
	}
	return h
}

// route decodes one inbound message and runs it through the handler chain.
// Failures drop the message; the connection keeps running.
func (s *Server) route(ctx context.Context, conn *Connection, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			conn.logger.Error("message handler panic",
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()

	msg, err := protocol.Decode(data)
	if err != nil {
		conn.logger.Warn("message decode failed", "error", err)
		return
	}

	if err := s.handler(ctx, conn, msg); err != nil {
		conn.logger.Warn("message dropped", "type", msg.Type, "error", err)
	}
}

// handleMessage dispatches by message type. Only operations act on the
// session; other types are accepted and ignored.
func (s *Server) handleMessage(ctx context.Context, conn *Connection, msg *protocol.Message) error {
	switch msg.Type {
	case protocol.TypeOperation:
		return s.applyOperation(conn, msg.Payload)
	case protocol.TypeDocument, protocol.TypeParticipant:
		return nil
	default:
		conn.logger.Debug("unknown message type ignored", "type", msg.Type)
		return nil
	}
}

// applyOperation feeds op to the connection's session, then requests a save
// and a cursor collection.
func (s *Server) applyOperation(conn *Connection, op json.RawMessage) error {
	session := s.sessions.Get(conn.DocumentID)
	if session == nil {
		conn.logger.Debug("operation for unknown session dropped")
		return nil
	}

	if err := session.apply(conn.ID, op, s.config.CleanupThreshold); err != nil {
		return NewSessionError(conn.DocumentID, "apply", err)
	}

	s.sessions.RequestSave(session)
	s.sessions.CollectCursors(conn.DocumentID)
	return nil
}
