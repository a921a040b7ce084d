package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// wsPingInterval is how often the gateway sends WebSocket ping frames.
	wsPingInterval = 30 * time.Second
	// wsPongWait is the maximum time to wait for a pong from the peer.
	wsPongWait = 60 * time.Second
	// wsWriteWait bounds a single frame write when the caller's context has
	// no earlier deadline.
	wsWriteWait = 10 * time.Second
)

// WebSocket wraps a gorilla connection as a Transport. All writes are
// serialized through one mutex, including keepalive pings.
type WebSocket struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

// NewWebSocket wraps an already-upgraded connection.
func NewWebSocket(conn *websocket.Conn) *WebSocket {
	return &WebSocket{conn: conn}
}

// Send writes one text frame. The write deadline follows the context
// deadline when one is set.
func (w *WebSocket) Send(ctx context.Context, data []byte) error {
	deadline := time.Now().Add(wsWriteWait)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame and tears down the socket. Idempotent.
func (w *WebSocket) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return w.conn.Close()
}

// StartKeepalive sets a read deadline, installs a pong handler, and starts a
// goroutine that sends periodic pings. The returned cancel function stops the
// ping goroutine.
func (w *WebSocket) StartKeepalive() (cancel func()) {
	_ = w.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	w.conn.SetPongHandler(func(string) error {
		return w.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.mu.Lock()
				err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
				w.mu.Unlock()
				if err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }
}
