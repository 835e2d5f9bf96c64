package server

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/docket-hq/slate-sheikah/pkg/protocol"
)

// Transport is a message-oriented, bidirectional channel to one participant.
// ReadMessage is called from a single goroutine and WriteMessage/WritePing
// from another; Close may be called concurrently with both.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte, compress bool) error
	WritePing() error
	Close(code int, reason string) error
}

// Connection is one participant attached to one document.
type Connection struct {
	// ID is unique per connection and doubles as the replica peer id.
	ID string

	// DocumentID is the document this connection edits.
	DocumentID string

	// Meta is the request the connection was opened with.
	Meta RequestMeta

	transport Transport
	maxQueue  int
	logger    *slog.Logger

	mu     sync.Mutex
	out    *queue.Queue
	notify chan struct{}

	done      chan struct{}
	closeOnce sync.Once
	closeCode atomic.Int32

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// outbound is one queued message.
type outbound struct {
	data     []byte
	compress bool
}

func newConnection(meta RequestMeta, t Transport, maxQueue int, logger *slog.Logger) *Connection {
	id := uuid.NewString()
	return &Connection{
		ID:         id,
		DocumentID: meta.DocumentID,
		Meta:       meta,
		transport:  t,
		maxQueue:   maxQueue,
		logger:     logger.With("conn_id", id, "document_id", meta.DocumentID),
		out:        queue.New(),
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Done is closed when the connection closes.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// CloseCode returns the close code the connection was closed with, or 0.
func (c *Connection) CloseCode() int {
	return int(c.closeCode.Load())
}

// Sent returns the number of messages written to the transport.
func (c *Connection) Sent() uint64 {
	return c.sent.Load()
}

// send encodes msg and queues it for the write pump.
func (c *Connection) send(msg *protocol.Message, compress bool) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return c.enqueue(data, compress)
}

// sendOperation is the replica.SendFunc of this connection. It never blocks,
// so it is safe to call with the session lock held.
func (c *Connection) sendOperation(author string, payload json.RawMessage) {
	stamped, err := protocol.StampAuthor(payload, author)
	if err != nil {
		c.logger.Warn("outbound operation dropped", "error", err)
		c.dropped.Add(1)
		return
	}
	if err := c.send(protocol.NewOperation(stamped), false); err != nil {
		c.dropped.Add(1)
	}
}

func (c *Connection) enqueue(data []byte, compress bool) error {
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return ErrConnectionClosed
	default:
	}
	if c.maxQueue > 0 && c.out.Length() >= c.maxQueue {
		c.mu.Unlock()
		c.logger.Warn("outbound queue full, closing slow consumer", "queued", c.maxQueue)
		go c.Close(protocol.CloseSlowConsumer)
		return ErrConnectionClosed
	}
	c.out.Add(outbound{data: data, compress: compress})
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

func (c *Connection) dequeue() (outbound, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.out.Length() == 0 {
		return outbound{}, false
	}
	return c.out.Remove().(outbound), true
}

// writePump drains the outbound queue and sends heartbeat pings until the
// connection closes.
func (c *Connection) writePump(pingInterval time.Duration) {
	var tick <-chan time.Time
	if pingInterval > 0 {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-c.notify:
			for {
				m, ok := c.dequeue()
				if !ok {
					break
				}
				if err := c.transport.WriteMessage(m.data, m.compress); err != nil {
					c.logger.Debug("write failed", "error", err)
					c.Close(websocket.CloseGoingAway)
					return
				}
				c.sent.Add(1)
			}

		case <-tick:
			if err := c.transport.WritePing(); err != nil {
				c.logger.Debug("ping failed", "error", err)
				c.Close(websocket.CloseGoingAway)
				return
			}

		case <-c.done:
			return
		}
	}
}

// readPump forwards inbound messages until the transport fails or the
// connection closes, then closes inbound.
func (c *Connection) readPump(inbound chan<- []byte) {
	defer close(inbound)
	for {
		data, err := c.transport.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived) {
				c.logger.Debug("read error", "error", err)
			}
			return
		}
		select {
		case inbound <- data:
		case <-c.done:
			return
		}
	}
}

// Close closes the connection with the given close code. Queued messages
// that have not been written are discarded. Close is idempotent.
func (c *Connection) Close(code int) {
	c.closeOnce.Do(func() {
		c.closeCode.Store(int32(code))
		c.mu.Lock()
		close(c.done)
		c.mu.Unlock()

		if err := c.transport.Close(code, protocol.CloseText(code)); err != nil {
			c.logger.Debug("transport close failed", "error", err)
		}
	})
}

// wsTransport adapts a gorilla/websocket connection to Transport.
type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	compression  bool
	pongWait     time.Duration
}

func newWSTransport(conn *websocket.Conn, config *Config) *wsTransport {
	t := &wsTransport{
		conn:         conn,
		writeTimeout: config.WriteTimeout,
		compression:  config.EnableCompression,
	}
	conn.SetReadLimit(config.MaxMessageSize)
	if config.PingInterval > 0 {
		t.pongWait = 2 * config.PingInterval
		conn.SetReadDeadline(time.Now().Add(t.pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(t.pongWait))
		})
	}
	return t
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	if err == nil && t.pongWait > 0 {
		t.conn.SetReadDeadline(time.Now().Add(t.pongWait))
	}
	return data, err
}

func (t *wsTransport) WriteMessage(data []byte, compress bool) error {
	t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	if t.compression {
		t.conn.EnableWriteCompression(compress)
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) WritePing() error {
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeTimeout))
}

func (t *wsTransport) Close(code int, reason string) error {
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
	return t.conn.Close()
}
