package syncbridge

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const defaultWriteTimeout = 10 * time.Second

type WebSocketOptions struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// WebSocketSink writes each record as one JSON text frame. The connection is
// dialed lazily and re-dialed after a write error.
type WebSocketSink struct {
	opts   WebSocketOptions
	dialer *websocket.Dialer
	conn   *websocket.Conn
}

func NewWebSocketSink(opts WebSocketOptions) (*WebSocketSink, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("websocket sink: url required")
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 5 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	return &WebSocketSink{
		opts:   opts,
		dialer: &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
	}, nil
}

func (w *WebSocketSink) connect(ctx context.Context) error {
	if w.conn != nil {
		return nil
	}
	conn, resp, err := w.dialer.DialContext(ctx, w.opts.URL, w.opts.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("websocket sink: dial: %w", err)
	}
	w.conn = conn
	return nil
}

func (w *WebSocketSink) Push(ctx context.Context, rec Record) error {
	if err := w.connect(ctx); err != nil {
		return err
	}
	deadline := time.Now().Add(w.opts.WriteTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = w.conn.SetWriteDeadline(deadline)
	if err := w.conn.WriteJSON(rec); err != nil {
		w.reset()
		return fmt.Errorf("websocket sink: write %s: %w", rec.ID, err)
	}
	return nil
}

// Online dials when no connection is open.
func (w *WebSocketSink) Online(ctx context.Context) bool {
	return w.connect(ctx) == nil
}

func (w *WebSocketSink) reset() {
	if w.conn != nil {
		_ = w.conn.Close()
		w.conn = nil
	}
}

func (w *WebSocketSink) Close() error {
	if w.conn == nil {
		return nil
	}
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := w.conn.Close()
	w.conn = nil
	return err
}
