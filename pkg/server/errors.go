package server

import (
	"errors"
	"fmt"
)

// Sentinel errors for common session and server error conditions.
var (
	// ErrAuthFailed is returned when OnAuthRequest rejects a connection.
	ErrAuthFailed = errors.New("server: authentication failed")

	// ErrDocumentUnavailable is returned when a connection targets a session
	// whose load failed.
	ErrDocumentUnavailable = errors.New("server: document unavailable")

	// ErrSessionNotFound is returned when a document has no live session.
	ErrSessionNotFound = errors.New("server: session not found")

	// ErrSessionNotReady is returned when a session is still loading.
	ErrSessionNotReady = errors.New("server: session not ready")

	// ErrSessionFailed is returned when an operation targets a failed session.
	ErrSessionFailed = errors.New("server: session failed")

	// ErrConnectionClosed is returned when the connection is closed.
	ErrConnectionClosed = errors.New("server: connection closed")

	// ErrServerClosed is returned after Shutdown has been called.
	ErrServerClosed = errors.New("server: closed")
)

// SessionError wraps an error with document context for debugging.
type SessionError struct {
	DocumentID string
	Op         string // Operation that failed
	Err        error  // Underlying error
}

// Error returns the error message with document context.
func (e *SessionError) Error() string {
	if e.DocumentID == "" {
		return fmt.Sprintf("server: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("server: document %s: %s: %v", e.DocumentID, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *SessionError) Unwrap() error {
	return e.Err
}

// NewSessionError creates a new SessionError.
func NewSessionError(documentID, op string, err error) *SessionError {
	return &SessionError{
		DocumentID: documentID,
		Op:         op,
		Err:        err,
	}
}
