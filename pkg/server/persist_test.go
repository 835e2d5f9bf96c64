package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type saveRecorder struct {
	mu    sync.Mutex
	saves []string
	err   error
}

func (r *saveRecorder) hook(ctx context.Context, id string, content json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saves = append(r.saves, id+"="+string(content))
	return r.err
}

func (r *saveRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.saves)
}

func (r *saveRecorder) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.saves) == 0 {
		return ""
	}
	return r.saves[len(r.saves)-1]
}

func TestRequestSave_Throttles(t *testing.T) {
	rec := &saveRecorder{}
	sm := newTestManager(t, &Config{
		SaveInterval:   100 * time.Millisecond,
		OnDocumentSave: rec.hook,
	})
	s, _ := sm.GetOrCreate("doc1", nil)
	awaitLoaded(t, s)

	for i := 0; i < 50; i++ {
		sm.RequestSave(s)
	}

	// One leading save now, one trailing save at the end of the window.
	waitFor(t, func() bool { return rec.count() == 2 })
	time.Sleep(250 * time.Millisecond)
	if got := rec.count(); got != 2 {
		t.Fatalf("saves = %d, want 2 for a single burst", got)
	}
	if got := rec.last(); got != `doc1=[]` {
		t.Errorf("last save = %q", got)
	}
}

func TestRequestSave_TrailingSaveSeesLatestContent(t *testing.T) {
	rec := &saveRecorder{}
	sm := newTestManager(t, &Config{
		SaveInterval:   50 * time.Millisecond,
		OnDocumentSave: rec.hook,
	})
	s, _ := sm.GetOrCreate("doc1", nil)
	awaitLoaded(t, s)

	conn := newConnection(RequestMeta{DocumentID: "doc1"}, newFakeTransport(), 0, testLogger())
	if err := s.attach(conn); err != nil {
		t.Fatalf("attach() error: %v", err)
	}

	sm.RequestSave(s)
	waitFor(t, func() bool { return rec.count() == 1 })

	if err := s.apply(conn.ID, json.RawMessage(`{"ops":[{"type":"ins","pos":0,"node":"X"}]}`), time.Minute); err != nil {
		t.Fatalf("apply() error: %v", err)
	}
	sm.RequestSave(s)

	waitFor(t, func() bool { return rec.count() == 2 })
	if got := rec.last(); got != `doc1=["X"]` {
		t.Errorf("trailing save = %q, want doc1=[\"X\"]", got)
	}
}

func TestRequestSave_PerSession(t *testing.T) {
	rec := &saveRecorder{}
	sm := newTestManager(t, &Config{
		SaveInterval:   time.Hour,
		OnDocumentSave: rec.hook,
	})
	a, _ := sm.GetOrCreate("a", nil)
	b, _ := sm.GetOrCreate("b", nil)
	awaitLoaded(t, a)
	awaitLoaded(t, b)

	sm.RequestSave(a)
	sm.RequestSave(b)
	waitFor(t, func() bool { return rec.count() == 2 })
}

func TestSaveDocument_SkipsDestroyedSession(t *testing.T) {
	rec := &saveRecorder{}
	sm := newTestManager(t, &Config{
		CleanupThreshold: time.Millisecond,
		OnDocumentSave:   rec.hook,
	})
	s, _ := sm.GetOrCreate("doc1", nil)
	awaitLoaded(t, s)

	if got := sm.Sweep(time.Now().Add(time.Hour)); got != 1 {
		t.Fatalf("Sweep() removed %d, want 1", got)
	}

	if err := sm.saveDocument(context.Background(), s); err != nil {
		t.Fatalf("saveDocument() on destroyed session = %v, want nil", err)
	}
	if rec.count() != 0 {
		t.Errorf("save hook called for a destroyed session")
	}
}

func TestSaveDocument_HookErrorIsReported(t *testing.T) {
	boom := errors.New("disk full")
	rec := &saveRecorder{err: boom}
	sm := newTestManager(t, &Config{OnDocumentSave: rec.hook})
	s, _ := sm.GetOrCreate("doc1", nil)
	awaitLoaded(t, s)

	err := sm.saveDocument(context.Background(), s)
	if !errors.Is(err, boom) {
		t.Fatalf("saveDocument() = %v, want %v", err, boom)
	}
	var se *SessionError
	if !errors.As(err, &se) || se.DocumentID != "doc1" || se.Op != "save" {
		t.Errorf("saveDocument() error = %#v, want SessionError{doc1, save}", err)
	}
	if s.State() != StateReady {
		t.Error("save failure must not change session state")
	}
}

func TestFlush_SavesReadySessionsAndCancelsPending(t *testing.T) {
	rec := &saveRecorder{}
	sm := newTestManager(t, &Config{
		SaveInterval:   time.Hour,
		OnDocumentSave: rec.hook,
	})
	s, _ := sm.GetOrCreate("doc1", nil)
	awaitLoaded(t, s)

	sm.RequestSave(s)
	waitFor(t, func() bool { return rec.count() == 1 })
	sm.RequestSave(s) // trailing, an hour away

	if err := sm.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error: %v", err)
	}
	if got := rec.count(); got != 2 {
		t.Fatalf("saves after Flush = %d, want 2", got)
	}

	sm.RequestSave(s)
	time.Sleep(20 * time.Millisecond)
	if got := rec.count(); got != 2 {
		t.Errorf("RequestSave after Flush saved again")
	}
}

func TestRequestSave_NoHook(t *testing.T) {
	sm := newTestManager(t, nil)
	s, _ := sm.GetOrCreate("doc1", nil)
	awaitLoaded(t, s)

	sm.RequestSave(s)
	if err := sm.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error: %v", err)
	}
}

// slowFirstSave stores content when the hook returns. Its first call
// blocks until release is closed.
type slowFirstSave struct {
	started chan struct{}
	release chan struct{}

	mu     sync.Mutex
	calls  int
	stored string
}

func newSlowFirstSave() *slowFirstSave {
	return &slowFirstSave{started: make(chan struct{}), release: make(chan struct{})}
}

func (r *slowFirstSave) hook(ctx context.Context, id string, content json.RawMessage) error {
	r.mu.Lock()
	r.calls++
	first := r.calls == 1
	r.mu.Unlock()

	if first {
		close(r.started)
		<-r.release
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.stored = string(content)
	return nil
}

func (r *slowFirstSave) result() (int, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls, r.stored
}

func insertX(t *testing.T, s *Session) {
	t.Helper()
	conn := newConnection(RequestMeta{DocumentID: s.ID}, newFakeTransport(), 0, testLogger())
	if err := s.attach(conn); err != nil {
		t.Fatalf("attach() error: %v", err)
	}
	if err := s.apply(conn.ID, json.RawMessage(`{"ops":[{"type":"ins","pos":0,"node":"X"}]}`), time.Minute); err != nil {
		t.Fatalf("apply() error: %v", err)
	}
}

func TestRequestSave_SlowSaveNotOvertaken(t *testing.T) {
	rec := newSlowFirstSave()
	sm := newTestManager(t, &Config{
		SaveInterval:   20 * time.Millisecond,
		OnDocumentSave: rec.hook,
	})
	s, _ := sm.GetOrCreate("doc1", nil)
	awaitLoaded(t, s)

	sm.RequestSave(s)
	<-rec.started

	insertX(t, s)
	sm.RequestSave(s)

	// Let the trailing save fire while the first one is still running.
	time.Sleep(100 * time.Millisecond)
	if calls, _ := rec.result(); calls != 1 {
		t.Fatalf("hook calls = %d while the first save runs, want 1", calls)
	}
	close(rec.release)

	waitFor(t, func() bool {
		calls, _ := rec.result()
		return calls == 2
	})
	if _, stored := rec.result(); stored != `["X"]` {
		t.Errorf("stored = %s, want [\"X\"]", stored)
	}
}

func TestFlush_WaitsForInFlightSave(t *testing.T) {
	rec := newSlowFirstSave()
	sm := newTestManager(t, &Config{
		SaveInterval:   time.Hour,
		OnDocumentSave: rec.hook,
	})
	s, _ := sm.GetOrCreate("doc1", nil)
	awaitLoaded(t, s)

	sm.RequestSave(s)
	<-rec.started
	insertX(t, s)

	flushed := make(chan error, 1)
	go func() { flushed <- sm.Flush(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	close(rec.release)

	select {
	case err := <-flushed:
		if err != nil {
			t.Fatalf("Flush() error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Flush() did not return")
	}
	calls, stored := rec.result()
	if calls != 2 || stored != `["X"]` {
		t.Errorf("calls = %d, stored = %s, want 2 and [\"X\"]", calls, stored)
	}
}
