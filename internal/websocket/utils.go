package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn serializes writes to a WebSocket connection. Engine events and
// replies to kiosk frames are written from different goroutines.
type Conn struct {
	*websocket.Conn
	mu sync.Mutex
}

// Wrap returns a Conn for conn.
func Wrap(conn *websocket.Conn) *Conn {
	return &Conn{Conn: conn}
}

// WriteTyped sends a strongly-typed response payload over the WebSocket.
func (c *Conn) WriteTyped(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.WriteJSON(v)
}

// WriteError sends a typed ErrorResponse over the WebSocket.
func (c *Conn) WriteError(errMsg string) error {
	return c.WriteTyped(ErrorResponse{
		Event: EventError,
		Error: errMsg,
	})
}

// ReadJSON reads and decodes a message into the provided structure.
// It sets a read deadline.
func (c *Conn) ReadJSON(v interface{}) error {
	c.SetReadDeadline(time.Now().Add(5 * time.Minute))
	return c.Conn.ReadJSON(v)
}

// ReadRaw reads one text frame with the same deadline as ReadJSON.
func (c *Conn) ReadRaw() ([]byte, error) {
	c.SetReadDeadline(time.Now().Add(5 * time.Minute))
	_, data, err := c.ReadMessage()
	return data, err
}
