package session

import (
	"context"

	"github.com/coder/websocket"
)

// WebSocket adapts a coder/websocket connection to Conn.
type WebSocket struct {
	c *websocket.Conn
}

func NewWebSocket(c *websocket.Conn) *WebSocket {
	return &WebSocket{c: c}
}

func (w *WebSocket) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w *WebSocket) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *WebSocket) Close(code int, reason string) error {
	return w.c.Close(websocket.StatusCode(code), reason)
}
