package server

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/gorilla/websocket"

	"github.com/docket-hq/slate-sheikah/pkg/protocol"
)

// maxAttachAttempts bounds retries when a session is destroyed between
// lookup and attach.
const maxAttachAttempts = 3

// Serve runs a connection on an established transport: authentication,
// attach, message routing and detach. It blocks until the connection ends.
// A rejected connection is closed with protocol.CloseAuthFailed.
func (s *Server) Serve(ctx context.Context, t Transport, meta RequestMeta) error {
	if err := s.authorize(ctx, meta); err != nil {
		_ = t.Close(protocol.CloseAuthFailed, protocol.CloseText(protocol.CloseAuthFailed))
		return err
	}
	return s.serveAuthorized(ctx, t, meta)
}

// authorize runs OnAuthRequest. Hook errors and panics count as rejection.
func (s *Server) authorize(ctx context.Context, meta RequestMeta) (err error) {
	if s.config.OnAuthRequest == nil {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("auth hook panic",
				"document_id", meta.DocumentID,
				"panic", r,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("%w: panic: %v", ErrAuthFailed, r)
		}
	}()

	ok, err := s.config.OnAuthRequest(ctx, meta)
	if err != nil {
		s.logger.Warn("auth hook failed",
			"document_id", meta.DocumentID,
			"remote_addr", meta.RemoteAddr,
			"error", err)
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	if !ok {
		s.logger.Info("connection rejected",
			"document_id", meta.DocumentID,
			"remote_addr", meta.RemoteAddr)
		return ErrAuthFailed
	}
	return nil
}

func (s *Server) serveAuthorized(ctx context.Context, t Transport, meta RequestMeta) error {
	conn := newConnection(meta, t, s.config.MaxOutboundQueue, s.logger)
	if !s.track(conn) {
		conn.Close(protocol.CloseServerShutdown)
		return ErrServerClosed
	}
	defer s.untrack(conn)

	inbound := make(chan []byte)
	go conn.readPump(inbound)
	go conn.writePump(s.config.PingInterval)

	session, err := s.attach(ctx, conn, inbound)
	if err != nil {
		conn.logger.Info("connection not attached", "error", err)
		conn.Close(closeCodeFor(err))
		return err
	}

	s.afterAttach(session, conn)
	s.dispatch(ctx, conn, inbound)
	s.detach(session, conn)
	return nil
}

// attach waits for the document's session to finish loading and registers
// conn with it.
func (s *Server) attach(ctx context.Context, conn *Connection, inbound <-chan []byte) (*Session, error) {
	for attempt := 1; ; attempt++ {
		session, err := s.sessions.GetOrCreate(conn.DocumentID, conn.Meta.Query)
		if err != nil {
			return nil, err
		}
		if err := s.waitReady(ctx, conn, session, inbound); err != nil {
			return nil, err
		}

		err = session.attach(conn)
		switch {
		case err == nil:
			return session, nil
		case errors.Is(err, ErrSessionNotFound) && attempt < maxAttachAttempts:
			conn.logger.Debug("session destroyed during attach, retrying", "attempt", attempt)
			continue
		case errors.Is(err, ErrSessionFailed):
			return nil, NewSessionError(conn.DocumentID, "attach", ErrDocumentUnavailable)
		default:
			return nil, NewSessionError(conn.DocumentID, "attach", err)
		}
	}
}

// waitReady blocks until session leaves StateLoading. Messages received in
// the meantime are dropped.
func (s *Server) waitReady(ctx context.Context, conn *Connection, session *Session, inbound <-chan []byte) error {
	timer := time.NewTimer(s.config.LoadTimeout)
	defer timer.Stop()

	for {
		select {
		case <-session.Ready():
			return nil
		case _, ok := <-inbound:
			if !ok {
				return ErrConnectionClosed
			}
			conn.logger.Debug("message before attach dropped")
		case <-conn.Done():
			return ErrConnectionClosed
		case <-ctx.Done():
			return ErrConnectionClosed
		case <-timer.C:
			return NewSessionError(conn.DocumentID, "attach", ErrSessionNotReady)
		}
	}
}

func (s *Server) afterAttach(session *Session, conn *Connection) {
	s.config.Observer.ConnectionAttached(conn.DocumentID)
	conn.logger.Info("connection attached",
		"participants", session.ParticipantCount(),
		"remote_addr", conn.Meta.RemoteAddr)

	s.step(conn, "collect cursors", func() {
		s.sessions.CollectCursors(conn.DocumentID)
	})
	if hook := s.config.OnConnectionAttached; hook != nil {
		s.step(conn, "attach hook", func() {
			hook(conn, s.sessions.Counts())
		})
	}
}

// dispatch routes inbound messages until the connection ends.
func (s *Server) dispatch(ctx context.Context, conn *Connection, inbound <-chan []byte) {
	for {
		select {
		case data, ok := <-inbound:
			if !ok {
				return
			}
			s.route(ctx, conn, data)
		case <-conn.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

// detach tears conn down. Every step runs even if an earlier one fails.
func (s *Server) detach(session *Session, conn *Connection) {
	s.step(conn, "close", func() {
		conn.Close(websocket.CloseNormalClosure)
	})
	s.step(conn, "detach", func() {
		if session.detach(conn.ID, s.config.CleanupThreshold) {
			s.config.Observer.ConnectionDetached(conn.DocumentID)
		}
	})
	s.step(conn, "save", func() {
		s.sessions.RequestSave(session)
	})
	s.step(conn, "collect cursors", func() {
		s.sessions.CollectCursors(conn.DocumentID)
	})
	if hook := s.config.OnConnectionDetached; hook != nil {
		s.step(conn, "detach hook", func() {
			hook(conn, s.sessions.Counts())
		})
	}

	conn.logger.Info("connection detached",
		"participants", session.ParticipantCount(),
		"sent", conn.Sent())
}

// step runs fn, logging a panic instead of propagating it.
func (s *Server) step(conn *Connection, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			conn.logger.Error("connection step failed",
				"step", name,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	fn()
}

// closeCodeFor maps an attach error to a WebSocket close code.
func closeCodeFor(err error) int {
	switch {
	case errors.Is(err, ErrAuthFailed):
		return protocol.CloseAuthFailed
	case errors.Is(err, ErrDocumentUnavailable):
		return protocol.CloseDocumentUnavailable
	case errors.Is(err, ErrSessionNotReady):
		return protocol.CloseLoadTimeout
	case errors.Is(err, ErrServerClosed):
		return protocol.CloseServerShutdown
	case errors.Is(err, ErrConnectionClosed):
		return websocket.CloseNormalClosure
	default:
		return websocket.CloseInternalServerErr
	}
}
