package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is an established connection to an upstream feed. Wire framing is
// opaque to this package.
type Conn interface {
	// ReadMessage blocks until the next inbound message or a transport error.
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Transport opens connections for a Client. Production code uses the
// WebSocket transport; tests supply scripted fakes.
type Transport interface {
	Connect(ctx context.Context, url string) (Conn, error)
}

const wsHandshakeTimeout = 10 * time.Second

// WebSocketTransport dials upstream feeds over WebSocket.
type WebSocketTransport struct {
	dialer *websocket.Dialer
}

// NewWebSocketTransport returns a transport backed by gorilla/websocket.
func NewWebSocketTransport() *WebSocketTransport {
	return &WebSocketTransport{
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: wsHandshakeTimeout,
		},
	}
}

// Connect dials url and wraps the connection.
func (t *WebSocketTransport) Connect(ctx context.Context, url string) (Conn, error) {
	conn, _, err := t.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("stream: dial %s: %w", url, err)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) WriteMessage(data []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}
