package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/docket-hq/slate-sheikah/pkg/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeTransport is an in-memory Transport. The test side pushes inbound
// messages with push and reads what the server wrote with waitMessages.
type fakeTransport struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu         sync.Mutex
	out        [][]byte
	compressed []bool
	closeCode  int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case data := <-f.in:
		return data, nil
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *fakeTransport) WriteMessage(data []byte, compress bool) error {
	select {
	case <-f.closed:
		return io.ErrClosedPipe
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, append([]byte(nil), data...))
	f.compressed = append(f.compressed, compress)
	return nil
}

func (f *fakeTransport) WritePing() error { return nil }

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	if f.closeCode == 0 {
		f.closeCode = code
	}
	f.mu.Unlock()
	f.hangup()
	return nil
}

// hangup simulates the remote peer going away.
func (f *fakeTransport) hangup() {
	f.once.Do(func() { close(f.closed) })
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeTransport) code() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode
}

func (f *fakeTransport) push(t *testing.T, msg string) {
	t.Helper()
	select {
	case f.in <- []byte(msg):
	case <-time.After(2 * time.Second):
		t.Fatalf("push %s: server did not read", msg)
	}
}

func (f *fakeTransport) messages(t *testing.T) []*protocol.Message {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := make([]*protocol.Message, 0, len(f.out))
	for _, data := range f.out {
		msg, err := protocol.Decode(data)
		if err != nil {
			t.Fatalf("server wrote undecodable message %q: %v", data, err)
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

func (f *fakeTransport) waitMessages(t *testing.T, n int) []*protocol.Message {
	t.Helper()
	waitFor(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.out) >= n
	})
	return f.messages(t)
}

// waitFor polls cond for up to two seconds.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 2s")
}

func newTestServer(t *testing.T, cfg *Config) *Server {
	t.Helper()
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.Logger = testLogger()
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 2 * time.Second
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = -1
	}
	s := New(cfg)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s
}

// serve runs Serve in the background and returns its result channel.
func serve(s *Server, ft *fakeTransport, meta RequestMeta) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- s.Serve(context.Background(), ft, meta)
	}()
	return done
}

func waitErr(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
		return nil
	}
}

type snapshotPayload struct {
	Version  uint64                     `json:"version"`
	Children []json.RawMessage          `json:"children"`
	Cursors  map[string]json.RawMessage `json:"cursors"`
}

func decodeSnapshot(t *testing.T, msg *protocol.Message) snapshotPayload {
	t.Helper()
	if msg.Type != protocol.TypeDocument {
		t.Fatalf("message type = %q, want %q", msg.Type, protocol.TypeDocument)
	}
	var snap snapshotPayload
	if err := json.Unmarshal(msg.Payload, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	return snap
}

func sessionContent(t *testing.T, s *Session) string {
	t.Helper()
	content, err := s.content()
	if err != nil {
		t.Fatalf("content() error: %v", err)
	}
	return string(content)
}

func sessionCursors(s *Session) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.replica == nil {
		return nil
	}
	return s.replica.Cursors()
}

// idRecorder captures connection ids by remote address from the attach hook.
type idRecorder struct {
	mu  sync.Mutex
	ids map[string]string
}

func (r *idRecorder) hook(conn *Connection, _ Counts) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ids == nil {
		r.ids = make(map[string]string)
	}
	r.ids[conn.Meta.RemoteAddr] = conn.ID
}

func (r *idRecorder) id(t *testing.T, addr string) string {
	t.Helper()
	var id string
	waitFor(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		id = r.ids[addr]
		return id != ""
	})
	return id
}

// authorOf returns the author id stamped on an outbound payload.
func authorOf(payload json.RawMessage) string {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return ""
	}
	var id string
	_ = json.Unmarshal(fields[protocol.AuthorKey], &id)
	return id
}
