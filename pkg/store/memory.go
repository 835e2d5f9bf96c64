package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore is an in-memory document store.
// Content is lost on restart; use it for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	docs   map[string]*storedDocument
	closed bool
}

type storedDocument struct {
	content   []byte
	updatedAt time.Time
	saves     int
}

// NewMemoryStore creates a new in-memory document store, optionally seeded
// with initial documents.
func NewMemoryStore(seed map[string]json.RawMessage) *MemoryStore {
	m := &MemoryStore{docs: make(map[string]*storedDocument, len(seed))}
	for id, content := range seed {
		m.docs[id] = &storedDocument{content: cloneBytes(content), updatedAt: time.Now()}
	}
	return m
}

// Load returns a copy of the stored content.
func (m *MemoryStore) Load(ctx context.Context, documentID string) (json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	d, ok := m.docs[documentID]
	if !ok {
		return nil, nil
	}
	return cloneBytes(d.content), nil
}

// Save stores a copy of content.
func (m *MemoryStore) Save(ctx context.Context, documentID string, content json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	d, ok := m.docs[documentID]
	if !ok {
		d = &storedDocument{}
		m.docs[documentID] = d
	}
	d.content = cloneBytes(content)
	d.updatedAt = time.Now()
	d.saves++
	return nil
}

// Delete removes a document.
func (m *MemoryStore) Delete(ctx context.Context, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	delete(m.docs, documentID)
	return nil
}

// Close marks the store closed and drops its contents.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.docs = nil
	return nil
}

// Count returns the number of stored documents.
func (m *MemoryStore) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

// Saves returns how many times a document has been saved.
// This is for monitoring/testing purposes.
func (m *MemoryStore) Saves(documentID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if d, ok := m.docs[documentID]; ok {
		return d.saves
	}
	return 0
}
