package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Config carries the transport tuning knobs shared by the handler and
// its connections. Zero values fall back to the defaults.
type Config struct {
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BufferSize   int
}

// DefaultTransportConfig returns the transport defaults: 30s pings, 60s
// read deadline, 10s write budget, 100 queued frames per connection.
func DefaultTransportConfig() *Config {
	return &Config{
		PingInterval: 30 * time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Second,
		BufferSize:   100,
	}
}

func (cfg *Config) withDefaults() *Config {
	out := DefaultTransportConfig()
	if cfg == nil {
		return out
	}
	if cfg.PingInterval > 0 {
		out.PingInterval = cfg.PingInterval
	}
	if cfg.ReadTimeout > 0 {
		out.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		out.WriteTimeout = cfg.WriteTimeout
	}
	if cfg.BufferSize > 0 {
		out.BufferSize = cfg.BufferSize
	}
	return out
}

// Connection wraps one transport socket. All writes go through a single
// writer goroutine, which both serializes access to the gorilla conn and
// gives FIFO delivery per connection; the relay's per-directed-pair
// ordering guarantee rests on this.
type Connection struct {
	conn         *websocket.Conn
	writeCh      chan []byte
	writeTimeout time.Duration
	id           string
	role         string
	sessionID    string
	examID       string
	deviceKind   string
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once
	mu           sync.RWMutex
}

// NewConnection wraps an upgraded socket. id is the server-assigned
// opaque connection id; role is fixed for the connection's lifetime.
// A nil cfg uses the transport defaults.
func NewConnection(conn *websocket.Conn, id, role string, cfg *Config) *Connection {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:         conn,
		writeCh:      make(chan []byte, cfg.BufferSize),
		writeTimeout: cfg.WriteTimeout,
		id:           id,
		role:         role,
		ctx:          ctx,
		cancel:       cancel,
	}

	go c.writeLoop()

	return c
}

// writeLoop drains writeCh until the connection dies. The channel is
// never closed: concurrent WriteJSON callers may be parked on a send, and
// closing under them would panic. Cancellation makes them fail fast
// instead; queued frames are dropped with the connection.
func (c *Connection) writeLoop() {
	defer c.cancel()

	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// WriteJSON queues a JSON message for the writer goroutine. Safe from any
// goroutine; fails fast once the connection is closed so in-flight relays
// toward a disconnected peer error out rather than buffer.
func (c *Connection) WriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-time.After(c.writeTimeout):
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// Close tears down the socket. Idempotent.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// BindSession associates the connection with a session scope. Called when
// a device attaches or a proctor joins a session; re-binding updates the
// fields in place.
func (c *Connection) BindSession(sessionID, examID, deviceKind string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sessionID = sessionID
	c.examID = examID
	c.deviceKind = deviceKind
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) Role() string {
	return c.role
}

func (c *Connection) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

func (c *Connection) ExamID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.examID
}

func (c *Connection) DeviceKind() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deviceKind
}
