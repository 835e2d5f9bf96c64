package server

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// maxFlushConcurrency bounds parallel saves during Flush.
const maxFlushConcurrency = 8

// RequestSave schedules a save of session through OnDocumentSave.
// Saves of one session fire at most once per SaveInterval: the first
// request in an open window saves immediately, later ones collapse into
// a single trailing save at the end of the window.
func (sm *SessionManager) RequestSave(session *Session) {
	if sm.config.OnDocumentSave == nil || sm.flushing.Load() {
		return
	}

	session.saveMu.Lock()
	defer session.saveMu.Unlock()

	if session.saveTimer != nil {
		return
	}

	now := time.Now()
	wait := session.lastSaved.Add(sm.config.SaveInterval).Sub(now)
	sm.saves.Add(1)

	if wait <= 0 {
		session.lastSaved = now
		go func() {
			defer sm.saves.Done()
			_ = sm.saveDocument(sm.ctx, session)
		}()
		return
	}

	session.saveTimer = time.AfterFunc(wait, func() {
		defer sm.saves.Done()

		session.saveMu.Lock()
		session.saveTimer = nil
		session.lastSaved = time.Now()
		session.saveMu.Unlock()

		_ = sm.saveDocument(sm.ctx, session)
	})
}

// cancelPendingSave stops a scheduled trailing save.
func (sm *SessionManager) cancelPendingSave(session *Session) {
	session.saveMu.Lock()
	defer session.saveMu.Unlock()

	if session.saveTimer != nil && session.saveTimer.Stop() {
		sm.saves.Done()
	}
	session.saveTimer = nil
}

// saveDocument hands the session's content to OnDocumentSave. A session
// that is no longer registered, or never became ready, is skipped. Saves of
// one session are serialized and each reads the content only once the
// previous one has returned.
func (sm *SessionManager) saveDocument(ctx context.Context, session *Session) (err error) {
	defer func() {
		if r := recover(); r != nil {
			session.logger.Error("save panic",
				"panic", r,
				"stack", string(debug.Stack()))
			err = NewSessionError(session.ID, "save", fmt.Errorf("panic: %v", r))
		}
	}()

	session.saving.Lock()
	defer session.saving.Unlock()

	if sm.Get(session.ID) != session {
		session.logger.Debug("save skipped, session destroyed")
		return nil
	}

	content, err := session.content()
	if err != nil {
		if errors.Is(err, ErrSessionNotReady) || errors.Is(err, ErrSessionFailed) || errors.Is(err, ErrSessionNotFound) {
			session.logger.Debug("save skipped", "reason", err)
			return nil
		}
		session.logger.Error("save failed", "error", err)
		return NewSessionError(session.ID, "save", err)
	}

	ctx, cancel := context.WithTimeout(ctx, sm.config.SaveTimeout)
	defer cancel()

	start := time.Now()
	err = sm.config.OnDocumentSave(ctx, session.ID, content)
	sm.config.Observer.DocumentSaved(session.ID, time.Since(start), err)
	if err != nil {
		session.logger.Error("save failed", "error", err)
		return NewSessionError(session.ID, "save", err)
	}

	session.logger.Debug("document saved", "bytes", len(content))
	return nil
}

// Flush cancels pending trailing saves, saves every ready session once and
// waits for in-flight saves. Further RequestSave calls are ignored.
func (sm *SessionManager) Flush(ctx context.Context) error {
	if sm.config.OnDocumentSave == nil {
		return nil
	}
	sm.flushing.Store(true)

	var g errgroup.Group
	g.SetLimit(maxFlushConcurrency)
	for _, session := range sm.All() {
		session := session
		sm.cancelPendingSave(session)
		if session.State() != StateReady {
			continue
		}
		g.Go(func() error {
			return sm.saveDocument(ctx, session)
		})
	}
	err := g.Wait()

	if werr := waitContext(ctx, &sm.saves); werr != nil && err == nil {
		err = werr
	}
	return err
}

// waitContext waits for wg or until ctx is done.
func waitContext(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
