package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies the kind of envelope.
type MessageType string

const (
	TypeDocument    MessageType = "document"    // Server → Client full snapshot
	TypeOperation   MessageType = "operation"   // Client ↔ Server incremental edit
	TypeParticipant MessageType = "participant" // Presence-only update
)

// Known reports whether t is one of the message types defined by this package.
func (t MessageType) Known() bool {
	switch t {
	case TypeDocument, TypeOperation, TypeParticipant:
		return true
	default:
		return false
	}
}

// AuthorKey is the payload field stamped on outbound operations.
const AuthorKey = "id"

// Decode errors.
var (
	ErrEmptyMessage       = errors.New("protocol: empty message")
	ErrMissingType        = errors.New("protocol: missing message type")
	ErrPayloadNotObject   = errors.New("protocol: payload is not a JSON object")
	ErrMessageTooLarge    = errors.New("protocol: message too large")
	ErrInvalidPayloadJSON = errors.New("protocol: payload is not valid JSON")
)

// DecodeError describes a message that could not be decoded.
type DecodeError struct {
	Op  string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("protocol: %s: %v", e.Op, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Message is the envelope carried by every WebSocket message.
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode parses a single envelope. Unknown types are not an error.
func Decode(data []byte) (*Message, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &DecodeError{Op: "decode", Err: ErrEmptyMessage}
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &DecodeError{Op: "decode", Err: err}
	}
	if msg.Type == "" {
		return nil, &DecodeError{Op: "decode", Err: ErrMissingType}
	}
	return &msg, nil
}

// Encode serializes an envelope.
func Encode(msg *Message) ([]byte, error) {
	if msg == nil || msg.Type == "" {
		return nil, ErrMissingType
	}
	if len(msg.Payload) > 0 && !json.Valid(msg.Payload) {
		return nil, ErrInvalidPayloadJSON
	}
	return json.Marshal(msg)
}

// NewDocument wraps a serialized snapshot in a document envelope.
func NewDocument(snapshot []byte) *Message {
	return &Message{Type: TypeDocument, Payload: json.RawMessage(snapshot)}
}

// NewOperation wraps an operation payload in an operation envelope.
func NewOperation(payload json.RawMessage) *Message {
	return &Message{Type: TypeOperation, Payload: payload}
}

// StampAuthor returns a copy of payload with the author connection id set
// under AuthorKey. A field already present in the payload wins, matching
// the spread order clients expect ({id, ...payload}).
func StampAuthor(payload json.RawMessage, author string) (json.RawMessage, error) {
	if author == "" {
		return payload, nil
	}

	fields := make(map[string]json.RawMessage)
	if len(bytes.TrimSpace(payload)) > 0 {
		if err := json.Unmarshal(payload, &fields); err != nil {
			return nil, ErrPayloadNotObject
		}
		if fields == nil {
			// payload was the JSON literal null
			fields = make(map[string]json.RawMessage)
		}
	}
	if _, ok := fields[AuthorKey]; ok {
		return payload, nil
	}

	id, err := json.Marshal(author)
	if err != nil {
		return nil, err
	}
	fields[AuthorKey] = id
	return json.Marshal(fields)
}
