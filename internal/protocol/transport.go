package protocol

import (
	"context"

	"github.com/coder/websocket"
)

// Transport abstracts the wire under a sync connection so the handler can be
// driven in tests without a socket.
type Transport interface {
	// Read blocks until the next client frame arrives.
	Read(ctx context.Context) ([]byte, error)

	// Write sends a frame to the client.
	Write(ctx context.Context, data []byte) error

	// Close closes the connection with a status and reason. Implementations
	// must tolerate repeated calls.
	Close(code websocket.StatusCode, reason string) error
}

// wsTransport adapts a coder/websocket connection to Transport.
type wsTransport struct {
	conn *websocket.Conn
}

// NewWebSocketTransport wraps an accepted websocket connection.
func NewWebSocketTransport(conn *websocket.Conn) Transport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close(code websocket.StatusCode, reason string) error {
	return t.conn.Close(code, reason)
}
