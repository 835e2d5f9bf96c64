package store

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
)

// DocumentStore defines the interface for document persistence backends.
// Implementations must be safe for concurrent use.
type DocumentStore interface {
	// Load retrieves a document's content.
	// Returns (nil, nil) if the document doesn't exist.
	Load(ctx context.Context, documentID string) (json.RawMessage, error)

	// Save persists a document's content, overwriting any previous version.
	Save(ctx context.Context, documentID string, content json.RawMessage) error

	// Delete removes a document. Missing documents are not an error.
	Delete(ctx context.Context, documentID string) error

	// Close releases any resources held by the store.
	Close() error
}

// ErrStoreClosed is returned when operations are attempted on a closed store.
var ErrStoreClosed = errors.New("store: closed")

// HookSet holds hook functions backed by a DocumentStore. The function
// signatures match the server's OnDocumentLoad and OnDocumentSave fields.
type HookSet struct {
	Load func(ctx context.Context, documentID string, query url.Values) (json.RawMessage, error)
	Save func(ctx context.Context, documentID string, content json.RawMessage) error
}

// Hooks adapts a store into load and save hooks.
func Hooks(s DocumentStore) HookSet {
	return HookSet{
		Load: func(ctx context.Context, documentID string, _ url.Values) (json.RawMessage, error) {
			return s.Load(ctx, documentID)
		},
		Save: s.Save,
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
