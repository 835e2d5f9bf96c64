package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SessionManager is the registry of live sessions. It creates at most one
// Session per document id and reclaims idle ones on a fixed interval.
type SessionManager struct {
	// Sessions map protected by RWMutex
	sessions map[string]*Session
	mu       sync.RWMutex
	closed   bool

	config *Config

	// ctx is cancelled on Close and bounds background loads.
	ctx    context.Context
	cancel context.CancelFunc
	loads  sync.WaitGroup

	// Cleanup
	done        chan struct{}
	cleanupDone chan struct{}
	closeOnce   sync.Once

	// saves tracks in-flight and scheduled document saves.
	saves    sync.WaitGroup
	flushing atomic.Bool

	logger *slog.Logger
}

// NewSessionManager creates a SessionManager and starts its cleanup loop.
func NewSessionManager(config *Config) *SessionManager {
	config = config.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	sm := &SessionManager{
		sessions:    make(map[string]*Session),
		config:      config,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		cleanupDone: make(chan struct{}),
		logger:      config.Logger.With("component", "session_manager"),
	}

	go sm.cleanupLoop()

	return sm
}

// GetOrCreate returns the live session for documentID, creating it in
// StateLoading and starting its load if none exists. A failed session with
// no participants is replaced by a new one, so each connect after a failed
// load retries it. Load failures are reported through the session state,
// not through the error, which is only ErrServerClosed.
func (sm *SessionManager) GetOrCreate(documentID string, query url.Values) (*Session, error) {
	sm.mu.RLock()
	session := sm.sessions[documentID]
	sm.mu.RUnlock()
	if session != nil && session.State() != StateFailed {
		return session, nil
	}

	sm.mu.Lock()
	if sm.closed {
		sm.mu.Unlock()
		return nil, ErrServerClosed
	}
	var replaced *Session
	if current := sm.sessions[documentID]; current != nil {
		// current is locked only when it is the failed session seen above.
		if current != session || !current.expire(time.Now()) {
			sm.mu.Unlock()
			return current, nil
		}
		replaced = current
	}
	session = newSession(documentID, time.Now().Add(sm.config.CleanupThreshold), sm.logger)
	sm.sessions[documentID] = session
	sm.loads.Add(1)
	count := len(sm.sessions)
	sm.mu.Unlock()

	if replaced != nil {
		sm.config.Observer.SessionDestroyed(documentID)
		replaced.logger.Info("failed session replaced, retrying load",
			"previous_error", replaced.Err())
	}
	sm.config.Observer.SessionCreated(documentID)
	sm.logger.Info("session created",
		"document_id", documentID,
		"active_sessions", count)

	go sm.load(session, query)

	return session, nil
}

// load populates a new session from OnDocumentLoad or DefaultValue.
func (sm *SessionManager) load(session *Session, query url.Values) {
	defer sm.loads.Done()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			session.logger.Error("load panic",
				"panic", r,
				"stack", string(debug.Stack()))
			sm.fail(session, fmt.Errorf("load panic: %v", r))
		}
	}()

	ctx, cancel := context.WithTimeout(sm.ctx, sm.config.LoadTimeout)
	defer cancel()

	var initial json.RawMessage
	if sm.config.OnDocumentLoad != nil {
		content, err := sm.config.OnDocumentLoad(ctx, session.ID, query)
		if err != nil {
			sm.fail(session, err)
			return
		}
		initial = content
	}
	if initial == nil {
		initial = sm.config.DefaultValue
	}

	r, err := sm.config.ReplicaFactory(session.ID, initial)
	if err != nil {
		sm.fail(session, err)
		return
	}

	if session.markReady(r) {
		took := time.Since(start)
		sm.config.Observer.SessionReady(session.ID, took)
		session.logger.Info("session ready", "load_ms", took.Milliseconds())
	}
}

func (sm *SessionManager) fail(session *Session, err error) {
	if session.markFailed(err) {
		sm.config.Observer.SessionFailed(session.ID, err)
		session.logger.Error("session load failed", "error", err)
	}
}

// Get returns the live session for documentID, or nil.
func (sm *SessionManager) Get(documentID string) *Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.sessions[documentID]
}

// Len returns the number of live sessions.
func (sm *SessionManager) Len() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// Counts returns the participant count of every live session.
func (sm *SessionManager) Counts() Counts {
	sessions := sm.All()
	counts := make(Counts, len(sessions))
	for _, session := range sessions {
		counts[session.ID] = session.ParticipantCount()
	}
	return counts
}

// All returns the live sessions sorted by document id.
func (sm *SessionManager) All() []*Session {
	sm.mu.RLock()
	sessions := make([]*Session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		sessions = append(sessions, s)
	}
	sm.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].ID < sessions[j].ID
	})
	return sessions
}

// CollectCursors removes cursors of participants no longer attached to
// documentID. A missing session is a no-op.
func (sm *SessionManager) CollectCursors(documentID string) int {
	session := sm.Get(documentID)
	if session == nil {
		return 0
	}

	removed, err := session.collectCursors()
	if err != nil {
		session.logger.Warn("cursor collection failed", "error", err)
	}
	if removed > 0 {
		session.logger.Debug("stale cursors removed", "count", removed)
	}
	return removed
}

// Close stops the cleanup loop and cancels pending loads. Sessions stay
// registered so callers can flush them.
func (sm *SessionManager) Close() {
	sm.closeOnce.Do(func() {
		sm.mu.Lock()
		sm.closed = true
		sm.mu.Unlock()

		close(sm.done)
		<-sm.cleanupDone
		sm.cancel()
		sm.loads.Wait()
	})
}
