package server

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/docket-hq/slate-sheikah/pkg/protocol"
	"github.com/docket-hq/slate-sheikah/pkg/replica"
)

// State is the lifecycle state of a Session.
type State int

const (
	// StateLoading means the initial content is still being loaded.
	StateLoading State = iota
	// StateReady means the replica is live and accepts operations.
	StateReady
	// StateFailed means loading failed. The session accepts no operations.
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Session is the live state of one document.
// All replica access happens under mu.
type Session struct {
	// ID is the document id.
	ID string

	CreatedAt time.Time

	mu           sync.Mutex
	replica      replica.Replica
	state        State
	loadErr      error
	participants map[string]*Connection
	idleDeadline time.Time
	destroyed    bool

	// ready is closed on Loading -> Ready or Loading -> Failed.
	ready chan struct{}

	// Save throttle, guarded by saveMu.
	saveMu    sync.Mutex
	lastSaved time.Time
	saveTimer *time.Timer

	// saving is held across reading content and the OnDocumentSave call,
	// so saves of one document reach the hook one at a time and in order.
	saving sync.Mutex

	logger *slog.Logger
}

func newSession(id string, idleDeadline time.Time, logger *slog.Logger) *Session {
	return &Session{
		ID:           id,
		CreatedAt:    time.Now(),
		state:        StateLoading,
		participants: make(map[string]*Connection),
		idleDeadline: idleDeadline,
		ready:        make(chan struct{}),
		logger:       logger.With("document_id", id),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the load error of a failed session.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadErr
}

// Ready returns a channel that is closed once loading has finished,
// successfully or not.
func (s *Session) Ready() <-chan struct{} {
	return s.ready
}

// ParticipantCount returns the number of attached connections.
func (s *Session) ParticipantCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.participants)
}

// IdleDeadline returns the time after which an empty session may be destroyed.
func (s *Session) IdleDeadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idleDeadline
}

// markReady installs the loaded replica. It reports false if the session
// already left StateLoading.
func (s *Session) markReady(r replica.Replica) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateLoading {
		return false
	}
	s.replica = r
	s.state = StateReady
	close(s.ready)
	return true
}

// markFailed records a load failure. The session becomes eligible for
// the next sweep right away.
func (s *Session) markFailed(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateLoading {
		return false
	}
	s.loadErr = err
	s.state = StateFailed
	s.idleDeadline = time.Now()
	close(s.ready)
	return true
}

// checkLive returns the error an operation on this session should fail with.
// Callers hold mu.
func (s *Session) checkLive() error {
	switch {
	case s.destroyed:
		return ErrSessionNotFound
	case s.state == StateLoading:
		return ErrSessionNotReady
	case s.state == StateFailed:
		return ErrSessionFailed
	}
	return nil
}

// attach registers conn with the replica and queues the snapshot ahead of
// any delta the replica may emit for it.
func (s *Session) attach(conn *Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLive(); err != nil {
		return err
	}

	snapshot, err := s.replica.Snapshot()
	if err != nil {
		return err
	}
	if err := s.replica.CreatePeer(conn.ID, conn.sendOperation); err != nil {
		return err
	}
	if err := conn.send(protocol.NewDocument(snapshot), true); err != nil {
		s.replica.ClosePeer(conn.ID)
		return err
	}
	s.participants[conn.ID] = conn
	return nil
}

// detach removes conn. An empty session gets a fresh idle deadline.
func (s *Session) detach(connID string, threshold time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.participants[connID]; !ok {
		return false
	}
	delete(s.participants, connID)
	if s.replica != nil {
		s.replica.ClosePeer(connID)
	}
	if len(s.participants) == 0 {
		s.idleDeadline = time.Now().Add(threshold)
	}
	return true
}

// apply refreshes the idle deadline and hands op to the replica.
func (s *Session) apply(connID string, op json.RawMessage, threshold time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLive(); err != nil {
		return err
	}
	s.idleDeadline = time.Now().Add(threshold)
	return s.replica.ApplyOperation(connID, op)
}

// collectCursors removes cursors whose participant is no longer attached.
func (s *Session) collectCursors() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.checkLive() != nil {
		return 0, nil
	}

	removed := 0
	for _, id := range s.replica.Cursors() {
		if _, ok := s.participants[id]; ok {
			continue
		}
		if err := s.replica.RemoveCursor(id); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// content returns the externally visible document content.
func (s *Session) content() (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLive(); err != nil {
		return nil, err
	}
	return s.replica.Content()
}

// expire marks the session destroyed if it is empty and past its deadline.
func (s *Session) expire(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed || len(s.participants) > 0 || now.Before(s.idleDeadline) {
		return false
	}
	s.destroyed = true
	return true
}
