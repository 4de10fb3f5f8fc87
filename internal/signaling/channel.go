package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Conn abstracts a WebSocket connection for testability.
// This interface is satisfied by *websocket.Conn from gorilla/websocket.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
}

// WebSocket message types (matching gorilla/websocket constants)
const (
	TextMessage   = 1
	BinaryMessage = 2
	CloseMessage  = 8
	PingMessage   = 9
	PongMessage   = 10
)

// ErrChannelClosed is returned when sending on a closed channel.
var ErrChannelClosed = errors.New("channel closed")

// Channel is one live control connection. An endpoint keeps its identity
// across channels; a reconnect replaces the channel, not the endpoint.
type Channel struct {
	conn    Conn
	limiter *rate.Limiter

	// WriteTimeout bounds each write.
	WriteTimeout time.Duration

	mu     sync.Mutex // Protects conn writes
	closed bool
}

// NewChannel wraps conn. A nil limiter disables rate limiting.
func NewChannel(conn Conn, limiter *rate.Limiter) *Channel {
	return &Channel{
		conn:         conn,
		limiter:      limiter,
		WriteTimeout: 10 * time.Second,
	}
}

// Send sends a message on the channel. Thread-safe.
func (c *Channel) Send(msg *Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrChannelClosed
	}

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.WriteTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	if err := c.conn.WriteMessage(TextMessage, data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}

	return nil
}

// SendError sends a protocol error on the channel.
func (c *Channel) SendError(code, message string) error {
	return c.Send(NewErrorMessage(code, message))
}

// Ping writes a WebSocket ping frame.
func (c *Channel) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrChannelClosed
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.WriteTimeout))
	return c.conn.WriteMessage(PingMessage, nil)
}

// Allow reports whether another inbound message may be processed now.
func (c *Channel) Allow() bool {
	if c.limiter == nil {
		return true
	}
	return c.limiter.Allow()
}

// Close closes the underlying connection. Safe to call more than once.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// IsClosed returns whether the channel is closed.
func (c *Channel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Connection returns the underlying WebSocket connection.
// Use with caution - prefer using Send() for thread-safe writes.
func (c *Channel) Connection() Conn {
	return c.conn
}
