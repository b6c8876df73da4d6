package hub

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

// ErrConnClosed is returned by Send after the websocket has been closed.
var ErrConnClosed = errors.New("websocket connection closed")

// WSConn adapts a gorilla websocket to the hub's Conn interface. Writes are
// serialized; gorilla connections allow only one concurrent writer.
type WSConn struct {
	mu     sync.Mutex
	ws     *websocket.Conn
	closed bool
}

func NewWSConn(ws *websocket.Conn) *WSConn {
	return &WSConn{ws: ws}
}

// Send writes one envelope as a JSON text frame. A write failure closes the
// connection for good.
func (c *WSConn) Send(env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteJSON(env); err != nil {
		c.closed = true
		c.ws.Close()
		return err
	}
	return nil
}

// IsOpen reports whether the connection can still accept frames.
func (c *WSConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Close sends a close frame and tears the connection down. Safe to call more
// than once.
func (c *WSConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
	return c.ws.Close()
}

var _ Conn = (*WSConn)(nil)
