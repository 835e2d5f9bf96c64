package replica

import (
	"encoding/json"
	"errors"
)

// SendFunc delivers one outbound sync payload to a single peer. author is
// the peer whose operation produced the payload, or "" when the server
// itself produced it (for example when a stale cursor is collected).
type SendFunc func(author string, payload json.RawMessage)

// Replica is one document's replicated state.
type Replica interface {
	// CreatePeer registers and opens a peer. The peer receives every change
	// made after this call and nothing from before it.
	CreatePeer(peerID string, send SendFunc) error

	// ClosePeer unregisters a peer. Unknown peers are ignored.
	ClosePeer(peerID string)

	// ApplyOperation merges an operation produced by peerID and emits the
	// resulting deltas to the other peers. A rejected operation leaves the
	// state untouched.
	ApplyOperation(peerID string, op json.RawMessage) error

	// Snapshot serializes the full replicated state for a newly attached peer.
	Snapshot() ([]byte, error)

	// Content serializes the externally visible document, without cursors
	// or sync metadata. This is what gets persisted.
	Content() ([]byte, error)

	// Cursors lists the participant ids that currently own a cursor entry.
	Cursors() []string

	// RemoveCursor deletes a participant's cursor entry and tells the
	// remaining peers about it.
	RemoveCursor(peerID string) error
}

// Factory creates the replica for a document from its initial content.
type Factory func(documentID string, initial json.RawMessage) (Replica, error)

// Errors returned by replicas.
var (
	ErrUnknownPeer     = errors.New("replica: unknown peer")
	ErrDuplicatePeer   = errors.New("replica: peer already registered")
	ErrInvalidOp       = errors.New("replica: invalid operation")
	ErrInvalidContent  = errors.New("replica: initial content must be a JSON array")
	ErrPositionInvalid = errors.New("replica: position out of range")
)
