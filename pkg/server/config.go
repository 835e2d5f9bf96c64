package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/docket-hq/slate-sheikah/pkg/protocol"
	"github.com/docket-hq/slate-sheikah/pkg/replica"
)

// RequestMeta describes an incoming connection request.
type RequestMeta struct {
	// DocumentID is the path after /collab/.
	DocumentID string

	// Query holds the request's query parameters.
	Query url.Values

	// Header holds the request headers.
	Header http.Header

	// RemoteAddr is the client address as reported by net/http.
	RemoteAddr string
}

// Counts maps each live document id to its participant count.
type Counts map[string]int

// AuthFunc decides whether a connection may attach.
// Returning false or an error rejects it.
type AuthFunc func(ctx context.Context, meta RequestMeta) (bool, error)

// LoadFunc returns the initial content of a document. Returning nil content
// falls back to Config.DefaultValue.
type LoadFunc func(ctx context.Context, documentID string, query url.Values) (json.RawMessage, error)

// SaveFunc persists a document's content.
type SaveFunc func(ctx context.Context, documentID string, content json.RawMessage) error

// ConnectionFunc observes a connection after it attaches or detaches.
type ConnectionFunc func(conn *Connection, counts Counts)

// MessageHandler handles one decoded inbound message.
type MessageHandler func(ctx context.Context, conn *Connection, msg *protocol.Message) error

// MessageMiddleware wraps a MessageHandler.
type MessageMiddleware func(next MessageHandler) MessageHandler

// Observer receives lifecycle events. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	SessionCreated(documentID string)
	SessionReady(documentID string, load time.Duration)
	SessionFailed(documentID string, err error)
	SessionDestroyed(documentID string)
	ConnectionAttached(documentID string)
	ConnectionDetached(documentID string)
	DocumentSaved(documentID string, took time.Duration, err error)
	CleanupSwept(removed int, took time.Duration)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) SessionCreated(string)                     {}
func (NopObserver) SessionReady(string, time.Duration)        {}
func (NopObserver) SessionFailed(string, error)               {}
func (NopObserver) SessionDestroyed(string)                   {}
func (NopObserver) ConnectionAttached(string)                 {}
func (NopObserver) ConnectionDetached(string)                 {}
func (NopObserver) DocumentSaved(string, time.Duration, error) {}
func (NopObserver) CleanupSwept(int, time.Duration)           {}

// Config holds configuration for the collaboration server.
type Config struct {
	// Address is the address to listen on (e.g., ":8080" or "localhost:3000").
	// Default: ":8080".
	Address string

	// WebSocket buffer sizes

	// ReadBufferSize is the WebSocket read buffer size.
	// Default: 4096.
	ReadBufferSize int

	// WriteBufferSize is the WebSocket write buffer size.
	// Default: 4096.
	WriteBufferSize int

	// CheckOrigin is called to validate the request origin.
	// Default: allows all origins (not recommended for production).
	CheckOrigin func(r *http.Request) bool

	// EnableCompression negotiates per-message deflate. Snapshots are sent
	// compressed, operations uncompressed.
	// DefaultConfig enables it.
	EnableCompression bool

	// MaxMessageSize is the maximum size of an incoming WebSocket message.
	// Default: 1MB.
	MaxMessageSize int64

	// MaxOutboundQueue is the number of queued outbound messages after which
	// a connection is closed as a slow consumer. Negative means no limit.
	// Default: 1024.
	MaxOutboundQueue int

	// WriteTimeout is the maximum time to wait when sending a message.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// PingInterval is the time between heartbeat pings. A peer that misses
	// two intervals is disconnected. Negative disables pings.
	// Default: 30 seconds.
	PingInterval time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	// Default: 30 seconds.
	ShutdownTimeout time.Duration

	// Sessions

	// SaveInterval is the minimum time between two saves of one document.
	// Default: 2 seconds.
	SaveInterval time.Duration

	// SaveTimeout bounds a single OnDocumentSave call.
	// Default: 10 seconds.
	SaveTimeout time.Duration

	// CleanupInterval is the interval for the idle-session sweep.
	// Negative disables the sweep; Sweep can still be called directly.
	// Default: 60 seconds.
	CleanupInterval time.Duration

	// CleanupThreshold is how long a session must sit without participants
	// or edits before the sweep destroys it.
	// Default: 30 minutes.
	CleanupThreshold time.Duration

	// LoadTimeout bounds OnDocumentLoad and how long a connection waits for
	// a loading session.
	// Default: 30 seconds.
	LoadTimeout time.Duration

	// DefaultValue is the initial content of documents without a load hook,
	// or whose load hook returned nil.
	// Default: [].
	DefaultValue json.RawMessage

	// ReplicaFactory creates the replica engine for a new session.
	// Default: replica.NewList.
	ReplicaFactory replica.Factory

	// Hooks

	// OnAuthRequest gates connections. Nil admits everyone.
	OnAuthRequest AuthFunc

	// OnDocumentLoad populates new sessions. Nil uses DefaultValue.
	OnDocumentLoad LoadFunc

	// OnDocumentSave persists documents, at most once per SaveInterval.
	OnDocumentSave SaveFunc

	OnConnectionAttached ConnectionFunc
	OnConnectionDetached ConnectionFunc

	// Observer receives lifecycle events (metrics).
	// Default: NopObserver.
	Observer Observer

	// Middleware wraps inbound message handling, outermost first.
	Middleware []MessageMiddleware

	// MetricsHandler is mounted at /metrics when set.
	MetricsHandler http.Handler

	// Logger is the base logger.
	// Default: slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Address:           ":8080",
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		CheckOrigin:       func(r *http.Request) bool { return true },
		EnableCompression: true,
		MaxMessageSize:    1 << 20, // 1MB
		MaxOutboundQueue:  1024,
		WriteTimeout:      10 * time.Second,
		PingInterval:      30 * time.Second,
		ShutdownTimeout:   30 * time.Second,
		SaveInterval:      2 * time.Second,
		SaveTimeout:       10 * time.Second,
		CleanupInterval:   60 * time.Second,
		CleanupThreshold:  30 * time.Minute,
		LoadTimeout:       30 * time.Second,
		DefaultValue:      json.RawMessage(`[]`),
		ReplicaFactory:    replica.NewList,
		Observer:          NopObserver{},
		Logger:            slog.Default(),
	}
}

// withDefaults fills unset fields of c from DefaultConfig.
func (c *Config) withDefaults() *Config {
	defaults := DefaultConfig()
	if c == nil {
		return defaults
	}
	if c.Address == "" {
		c.Address = defaults.Address
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = defaults.ReadBufferSize
	}
	if c.WriteBufferSize == 0 {
		c.WriteBufferSize = defaults.WriteBufferSize
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = defaults.CheckOrigin
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = defaults.MaxMessageSize
	}
	if c.MaxOutboundQueue == 0 {
		c.MaxOutboundQueue = defaults.MaxOutboundQueue
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = defaults.WriteTimeout
	}
	if c.PingInterval == 0 {
		c.PingInterval = defaults.PingInterval
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if c.SaveInterval == 0 {
		c.SaveInterval = defaults.SaveInterval
	}
	if c.SaveTimeout == 0 {
		c.SaveTimeout = defaults.SaveTimeout
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = defaults.CleanupInterval
	}
	if c.CleanupThreshold == 0 {
		c.CleanupThreshold = defaults.CleanupThreshold
	}
	if c.LoadTimeout == 0 {
		c.LoadTimeout = defaults.LoadTimeout
	}
	if c.DefaultValue == nil {
		c.DefaultValue = defaults.DefaultValue
	}
	if c.ReplicaFactory == nil {
		c.ReplicaFactory = defaults.ReplicaFactory
	}
	if c.Observer == nil {
		c.Observer = defaults.Observer
	}
	if c.Logger == nil {
		c.Logger = defaults.Logger
	}
	return c
}
