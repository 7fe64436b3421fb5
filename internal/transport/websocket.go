package transport

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// WebSocket carries link bytes in binary messages. Text messages are
// accepted on read as raw bytes too.
type WebSocket struct {
	cfg Config

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func NewWebSocket(cfg Config) *WebSocket {
	return &WebSocket{cfg: cfg.WithDefaults()}
}

func (w *WebSocket) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: w.cfg.ConnectTimeout,
		ReadBufferSize:   w.cfg.ReadSize,
	}
	if w.cfg.TLS.Enabled {
		tlsCfg, err := clientTLS(w.cfg.TLS, hostPort(w.cfg.Address))
		if err != nil {
			return err
		}
		dialer.TLSClientConfig = tlsCfg
	}
	conn, _, err := dialer.DialContext(ctx, w.cfg.Address, nil)
	if err != nil {
		return err
	}
	w.mu.Lock()
	old := w.conn
	w.conn = conn
	w.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	log.Info().Str("transport", TypeWebSocket).Str("url", w.cfg.Address).Msg("connected")
	return nil
}

func (w *WebSocket) current() *websocket.Conn {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn
}

func (w *WebSocket) Connected() bool { return w.current() != nil }

func (w *WebSocket) Disconnect() error {
	w.mu.Lock()
	conn := w.conn
	w.conn = nil
	w.mu.Unlock()
	if conn == nil {
		return nil
	}
	w.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	w.writeMu.Unlock()
	log.Info().Str("transport", TypeWebSocket).Str("url", w.cfg.Address).Msg("disconnected")
	return conn.Close()
}

func (w *WebSocket) Read(ctx context.Context) ([]byte, error) {
	conn := w.current()
	if conn == nil {
		return nil, ErrNotConnected
	}
	if err := conn.SetReadDeadline(deadline(ctx, w.cfg.ReadTimeout)); err != nil {
		return nil, closedAsEOF(err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return nil, io.EOF
			}
			return nil, closedAsEOF(err)
		}
		if kind == websocket.BinaryMessage || kind == websocket.TextMessage {
			return data, nil
		}
	}
}

func (w *WebSocket) Write(ctx context.Context, data []byte) (int, error) {
	conn := w.current()
	if conn == nil {
		return 0, ErrNotConnected
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := conn.SetWriteDeadline(deadline(ctx, w.cfg.WriteTimeout)); err != nil {
		return 0, err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return 0, err
	}
	return len(data), nil
}
