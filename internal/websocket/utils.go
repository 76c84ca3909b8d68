package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	// readWait is how long a connection may stay silent. Clients ping well inside it.
	readWait = 5 * time.Minute
	// maxMessageSize bounds one client frame. A full page of answers fits well inside it.
	maxMessageSize = 64 << 10
)

// Conn serializes writes to a WebSocket. The reader goroutine and the countdown goroutine
// both send on the same connection.
type Conn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// NewConn wraps an upgraded connection.
func NewConn(conn *websocket.Conn) *Conn {
	conn.SetReadLimit(maxMessageSize)
	return &Conn{conn: conn}
}

// Send writes one event envelope.
func (c *Conn) Send(event Event, data interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(Envelope{Event: event, Data: data})
}

// SendError writes an error event.
func (c *Conn) SendError(code, message string) error {
	return c.Send(EventError, ErrorResponse{Code: code, Message: message})
}

// ReadJSON reads and decodes a message into the provided structure.
// It sets a read deadline.
func (c *Conn) ReadJSON(v interface{}) error {
	c.conn.SetReadDeadline(time.Now().Add(readWait))
	return c.conn.ReadJSON(v)
}

// Close sends a normal close frame and closes the connection.
func (c *Conn) Close(reason string) error {
	c.mu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	c.mu.Unlock()
	return c.conn.Close()
}
