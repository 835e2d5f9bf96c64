package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/docket-hq/slate-sheikah/pkg/protocol"
)

// collabPrefix is the path prefix of WebSocket endpoints. The rest of the
// path is the document id.
const collabPrefix = "/collab/"

// Server is the collaboration server.
type Server struct {
	config   *Config
	sessions *SessionManager
	upgrader websocket.Upgrader
	handler  MessageHandler

	mu         sync.Mutex
	conns      map[string]*Connection
	closed     bool
	connWG     sync.WaitGroup
	httpServer *http.Server

	logger *slog.Logger
}

// Stats is a point-in-time view of the server.
type Stats struct {
	Sessions    int    `json:"sessions"`
	Connections int    `json:"connections"`
	Counts      Counts `json:"counts"`
}

// New creates a new Server with the given configuration. Unset fields are
// filled from DefaultConfig. The cleanup loop starts immediately; call
// Shutdown to stop it.
func New(config *Config) *Server {
	config = config.withDefaults()

	s := &Server{
		config:   config,
		sessions: NewSessionManager(config),
		upgrader: websocket.Upgrader{
			ReadBufferSize:    config.ReadBufferSize,
			WriteBufferSize:   config.WriteBufferSize,
			CheckOrigin:       config.CheckOrigin,
			EnableCompression: config.EnableCompression,
		},
		conns:  make(map[string]*Connection),
		logger: config.Logger.With("component", "server"),
	}
	s.handler = s.buildHandler()

	return s
}

// Handler returns the HTTP handler serving /collab/*, /healthz, /stats and,
// when configured, /metrics.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/stats", s.handleStats)
	if s.config.MetricsHandler != nil {
		r.Handle("/metrics", s.config.MetricsHandler)
	}
	r.Get(collabPrefix+"*", s.HandleWebSocket)

	return r
}

// HandleWebSocket authenticates the request, upgrades it and serves the
// connection until it ends. Rejected requests get HTTP 401 and never reach
// a session.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	documentID := chi.URLParam(r, "*")
	if documentID == "" {
		documentID = strings.TrimPrefix(r.URL.Path, collabPrefix)
	}
	if documentID == "" || documentID == r.URL.Path {
		http.Error(w, "missing document id", http.StatusBadRequest)
		return
	}

	meta := RequestMeta{
		DocumentID: documentID,
		Query:      r.URL.Query(),
		Header:     r.Header.Clone(),
		RemoteAddr: r.RemoteAddr,
	}

	if err := s.authorize(r.Context(), meta); err != nil {
		http.Error(w, "authentication error", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	if err := s.serveAuthorized(r.Context(), newWSTransport(conn, s.config), meta); err != nil {
		s.logger.Debug("connection ended", "document_id", documentID, "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Stats()); err != nil {
		s.logger.Error("stats encode failed", "error", err)
	}
}

// Stats returns the current session and connection counts.
func (s *Server) Stats() Stats {
	counts := s.sessions.Counts()

	s.mu.Lock()
	conns := len(s.conns)
	s.mu.Unlock()

	return Stats{
		Sessions:    len(counts),
		Connections: conns,
		Counts:      counts,
	}
}

// track registers conn unless the server is shutting down.
func (s *Server) track(conn *Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn.ID] = conn
	s.connWG.Add(1)
	return true
}

func (s *Server) untrack(conn *Connection) {
	s.mu.Lock()
	delete(s.conns, conn.ID)
	s.mu.Unlock()
	s.connWG.Done()
}

// Run starts the HTTP server and blocks until ctx is cancelled, SIGINT or
// SIGTERM is received, or the listener fails. It shuts down gracefully
// before returning.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.httpServer = &http.Server{
		Addr:              s.config.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpServer := s.httpServer
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer stop()
		s.logger.Info("server starting", "address", s.config.Address)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down...")
		return s.Shutdown(context.Background())
	})

	return g.Wait()
}

// Shutdown stops accepting connections, closes every connection with
// protocol.CloseServerShutdown, flushes a final save of every ready
// session and stops the cleanup loop. It is safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	httpServer := s.httpServer
	s.mu.Unlock()

	var errs []error
	if httpServer != nil {
		if err := httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			errs = append(errs, err)
		}
	}

	for _, c := range conns {
		c.Close(protocol.CloseServerShutdown)
	}
	if err := waitContext(ctx, &s.connWG); err != nil {
		errs = append(errs, fmt.Errorf("waiting for connections: %w", err))
	}

	if err := s.sessions.Flush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("final save: %w", err))
	}
	s.sessions.Close()

	s.logger.Info("server shutdown complete", "connections_closed", len(conns))
	return errors.Join(errs...)
}

// Sessions returns the session manager.
func (s *Server) Sessions() *SessionManager {
	return s.sessions
}

// CollectCursors removes stale cursors from documentID's session.
func (s *Server) CollectCursors(documentID string) int {
	return s.sessions.CollectCursors(documentID)
}

// Config returns the server configuration.
func (s *Server) Config() *Config {
	return s.config
}

// Logger returns the server logger.
func (s *Server) Logger() *slog.Logger {
	return s.logger
}
