package server

import (
	"runtime/debug"
	"time"
)

// cleanupLoop sweeps idle sessions every CleanupInterval until Close.
// A negative interval disables the loop.
func (sm *SessionManager) cleanupLoop() {
	defer close(sm.cleanupDone)

	if sm.config.CleanupInterval <= 0 {
		sm.logger.Info("idle session cleanup disabled")
		return
	}

	ticker := time.NewTicker(sm.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			sm.sweepSafely(now)
		case <-sm.done:
			return
		}
	}
}

// sweepSafely runs Sweep, logging instead of stopping the loop on panic.
func (sm *SessionManager) sweepSafely(now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			sm.logger.Error("cleanup sweep panic",
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	sm.Sweep(now)
}

// Sweep destroys every session with no participants whose idle deadline is
// not after now, and returns how many were removed. A failure on one
// session does not stop the others from being evaluated.
func (sm *SessionManager) Sweep(now time.Time) int {
	start := time.Now()

	sm.mu.RLock()
	candidates := make([]*Session, 0, len(sm.sessions))
	for _, session := range sm.sessions {
		candidates = append(candidates, session)
	}
	sm.mu.RUnlock()

	var expired []*Session
	for _, session := range candidates {
		if sm.expireSafely(session, now) {
			expired = append(expired, session)
		}
	}

	sm.mu.Lock()
	removed := expired[:0]
	for _, session := range expired {
		if sm.sessions[session.ID] == session {
			delete(sm.sessions, session.ID)
			removed = append(removed, session)
		}
	}
	remaining := len(sm.sessions)
	sm.mu.Unlock()

	for _, session := range removed {
		sm.config.Observer.SessionDestroyed(session.ID)
		session.logger.Debug("session destroyed")
	}

	sm.config.Observer.CleanupSwept(len(removed), time.Since(start))
	if len(removed) > 0 {
		sm.logger.Info("cleaned up idle sessions",
			"count", len(removed),
			"remaining", remaining)
	}
	return len(removed)
}

func (sm *SessionManager) expireSafely(session *Session, now time.Time) (expired bool) {
	defer func() {
		if r := recover(); r != nil {
			sm.logger.Error("session sweep failed",
				"document_id", session.ID,
				"panic", r)
			expired = false
		}
	}()
	return session.expire(now)
}
