package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestManager(t *testing.T, cfg *Config) *SessionManager {
	t.Helper()
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.Logger = testLogger()
	sm := NewSessionManager(cfg)
	t.Cleanup(sm.Close)
	return sm
}

func awaitLoaded(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Ready():
	case <-time.After(2 * time.Second):
		t.Fatalf("session %s did not finish loading", s.ID)
	}
}

func TestGetOrCreate_ConcurrentFirstAttach(t *testing.T) {
	var loads atomic.Int32
	sm := newTestManager(t, &Config{
		OnDocumentLoad: func(ctx context.Context, id string, _ url.Values) (json.RawMessage, error) {
			loads.Add(1)
			time.Sleep(10 * time.Millisecond)
			return json.RawMessage(`["A"]`), nil
		},
	})

	const n = 64
	results := make([]*Session, n)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			s, err := sm.GetOrCreate("doc1", nil)
			if err != nil {
				t.Errorf("GetOrCreate() error: %v", err)
				return
			}
			results[i] = s
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 1; i < n; i++ {
		if results[i] != results[0] {
			t.Fatalf("GetOrCreate returned distinct sessions for the same id")
		}
	}
	if sm.Len() != 1 {
		t.Errorf("Len() = %d, want 1", sm.Len())
	}

	awaitLoaded(t, results[0])
	if got := loads.Load(); got != 1 {
		t.Errorf("load hook called %d times, want 1", got)
	}
}

func TestGetOrCreate_DefaultValue(t *testing.T) {
	sm := newTestManager(t, &Config{DefaultValue: json.RawMessage(`["A"]`)})

	s, err := sm.GetOrCreate("doc1", nil)
	if err != nil {
		t.Fatalf("GetOrCreate() error: %v", err)
	}
	awaitLoaded(t, s)

	if s.State() != StateReady {
		t.Fatalf("State() = %v, want ready", s.State())
	}
	if got := sessionContent(t, s); got != `["A"]` {
		t.Errorf("content = %s, want [\"A\"]", got)
	}
	if s.ParticipantCount() != 0 {
		t.Errorf("ParticipantCount() = %d, want 0", s.ParticipantCount())
	}
}

func TestGetOrCreate_LoadHookReceivesQuery(t *testing.T) {
	var gotID, gotToken string
	sm := newTestManager(t, &Config{
		OnDocumentLoad: func(ctx context.Context, id string, q url.Values) (json.RawMessage, error) {
			gotID, gotToken = id, q.Get("token")
			return json.RawMessage(`[{"text":"loaded"}]`), nil
		},
	})

	s, _ := sm.GetOrCreate("team/notes", url.Values{"token": {"abc"}})
	awaitLoaded(t, s)

	if gotID != "team/notes" || gotToken != "abc" {
		t.Errorf("load hook got (%q, %q), want (team/notes, abc)", gotID, gotToken)
	}
	if got := sessionContent(t, s); got != `[{"text":"loaded"}]` {
		t.Errorf("content = %s", got)
	}
}

func TestGetOrCreate_NilLoadUsesDefault(t *testing.T) {
	sm := newTestManager(t, &Config{
		DefaultValue: json.RawMessage(`["D"]`),
		OnDocumentLoad: func(ctx context.Context, id string, _ url.Values) (json.RawMessage, error) {
			return nil, nil
		},
	})

	s, _ := sm.GetOrCreate("new", nil)
	awaitLoaded(t, s)
	if got := sessionContent(t, s); got != `["D"]` {
		t.Errorf("content = %s, want [\"D\"]", got)
	}
}

func TestGetOrCreate_LoadFailure(t *testing.T) {
	boom := errors.New("database down")
	sm := newTestManager(t, &Config{
		OnDocumentLoad: func(ctx context.Context, id string, _ url.Values) (json.RawMessage, error) {
			return nil, boom
		},
	})

	s, err := sm.GetOrCreate("doc1", nil)
	if err != nil {
		t.Fatalf("GetOrCreate() must not surface load errors, got %v", err)
	}
	awaitLoaded(t, s)

	if s.State() != StateFailed {
		t.Fatalf("State() = %v, want failed", s.State())
	}
	if !errors.Is(s.Err(), boom) {
		t.Errorf("Err() = %v, want %v", s.Err(), boom)
	}
	if sm.Get("doc1") != s {
		t.Error("failed session should stay registered")
	}
	if err := s.apply("c1", json.RawMessage(`{}`), time.Minute); !errors.Is(err, ErrSessionFailed) {
		t.Errorf("apply() on failed session = %v, want ErrSessionFailed", err)
	}

	if s.IdleDeadline().After(time.Now()) {
		t.Error("failed session should be due for the next sweep")
	}
}

func TestGetOrCreate_RetriesFailedLoad(t *testing.T) {
	var calls atomic.Int32
	sm := newTestManager(t, &Config{
		OnDocumentLoad: func(ctx context.Context, id string, _ url.Values) (json.RawMessage, error) {
			if calls.Add(1) == 1 {
				return nil, errors.New("connection reset")
			}
			return json.RawMessage(`["recovered"]`), nil
		},
	})

	first, _ := sm.GetOrCreate("doc1", nil)
	awaitLoaded(t, first)
	if first.State() != StateFailed {
		t.Fatalf("first State() = %v, want failed", first.State())
	}

	second, err := sm.GetOrCreate("doc1", nil)
	if err != nil {
		t.Fatalf("GetOrCreate() error: %v", err)
	}
	if second == first {
		t.Fatal("GetOrCreate returned the failed session instead of retrying the load")
	}
	awaitLoaded(t, second)
	if second.State() != StateReady {
		t.Fatalf("second State() = %v, want ready", second.State())
	}
	if got := sessionContent(t, second); got != `["recovered"]` {
		t.Errorf("content = %s", got)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("load calls = %d, want 2", got)
	}
	if sm.Get("doc1") != second || sm.Len() != 1 {
		t.Error("the retried session should replace the failed one")
	}
	if err := first.attach(newConnection(RequestMeta{DocumentID: "doc1"}, newFakeTransport(), 0, testLogger())); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("attach() to the replaced session = %v, want ErrSessionNotFound", err)
	}

	if again, _ := sm.GetOrCreate("doc1", nil); again != second {
		t.Error("a ready session must not be replaced")
	}
}

func TestGetOrCreate_LoadPanic(t *testing.T) {
	sm := newTestManager(t, &Config{
		OnDocumentLoad: func(ctx context.Context, id string, _ url.Values) (json.RawMessage, error) {
			panic("loader exploded")
		},
	})

	s, _ := sm.GetOrCreate("doc1", nil)
	awaitLoaded(t, s)
	if s.State() != StateFailed {
		t.Fatalf("State() = %v, want failed", s.State())
	}
}

func TestGetOrCreate_InvalidContentFails(t *testing.T) {
	sm := newTestManager(t, &Config{DefaultValue: json.RawMessage(`{"not":"a list"}`)})

	s, _ := sm.GetOrCreate("doc1", nil)
	awaitLoaded(t, s)
	if s.State() != StateFailed {
		t.Fatalf("State() = %v, want failed", s.State())
	}
}

func TestGetOrCreate_AfterClose(t *testing.T) {
	sm := newTestManager(t, nil)
	sm.Close()

	if _, err := sm.GetOrCreate("doc1", nil); !errors.Is(err, ErrServerClosed) {
		t.Errorf("GetOrCreate() after Close = %v, want ErrServerClosed", err)
	}
}

func TestCounts(t *testing.T) {
	sm := newTestManager(t, nil)

	a, _ := sm.GetOrCreate("a", nil)
	b, _ := sm.GetOrCreate("b", nil)
	awaitLoaded(t, a)
	awaitLoaded(t, b)

	conn := newConnection(RequestMeta{DocumentID: "a"}, newFakeTransport(), 0, testLogger())
	if err := a.attach(conn); err != nil {
		t.Fatalf("attach() error: %v", err)
	}

	counts := sm.Counts()
	if counts["a"] != 1 || counts["b"] != 0 || len(counts) != 2 {
		t.Errorf("Counts() = %v, want map[a:1 b:0]", counts)
	}

	all := sm.All()
	if len(all) != 2 || all[0].ID != "a" || all[1].ID != "b" {
		t.Errorf("All() not sorted by id")
	}
}

func TestSessionState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateLoading, "loading"},
		{StateReady, "ready"},
		{StateFailed, "failed"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestSession_DetachNeverNegative(t *testing.T) {
	sm := newTestManager(t, nil)
	s, _ := sm.GetOrCreate("doc1", nil)
	awaitLoaded(t, s)

	conn := newConnection(RequestMeta{DocumentID: "doc1"}, newFakeTransport(), 0, testLogger())
	if err := s.attach(conn); err != nil {
		t.Fatalf("attach() error: %v", err)
	}
	if !s.detach(conn.ID, time.Minute) {
		t.Fatal("first detach should report removal")
	}
	if s.detach(conn.ID, time.Minute) {
		t.Fatal("second detach should be a no-op")
	}
	if s.ParticipantCount() != 0 {
		t.Errorf("ParticipantCount() = %d, want 0", s.ParticipantCount())
	}
}

func TestCollectCursors_MissingSession(t *testing.T) {
	sm := newTestManager(t, nil)
	if got := sm.CollectCursors("nope"); got != 0 {
		t.Errorf("CollectCursors() = %d, want 0", got)
	}
}

func TestCollectCursors_RemovesDetachedParticipants(t *testing.T) {
	sm := newTestManager(t, nil)
	s, _ := sm.GetOrCreate("doc1", nil)
	awaitLoaded(t, s)

	stay := newConnection(RequestMeta{DocumentID: "doc1"}, newFakeTransport(), 0, testLogger())
	leave := newConnection(RequestMeta{DocumentID: "doc1"}, newFakeTransport(), 0, testLogger())
	for _, c := range []*Connection{stay, leave} {
		if err := s.attach(c); err != nil {
			t.Fatalf("attach() error: %v", err)
		}
		if err := s.apply(c.ID, json.RawMessage(`{"cursor":{"anchor":0}}`), time.Minute); err != nil {
			t.Fatalf("apply() error: %v", err)
		}
	}
	if got := len(sessionCursors(s)); got != 2 {
		t.Fatalf("cursors = %d, want 2", got)
	}

	s.detach(leave.ID, time.Minute)
	if got := sm.CollectCursors("doc1"); got != 1 {
		t.Fatalf("CollectCursors() = %d, want 1", got)
	}
	if got := sessionCursors(s); len(got) != 1 || got[0] != stay.ID {
		t.Errorf("cursors after collect = %v, want [%s]", got, stay.ID)
	}
	if got := sm.CollectCursors("doc1"); got != 0 {
		t.Errorf("second CollectCursors() = %d, want 0", got)
	}
}
