package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// TCP is a stream client.
type TCP struct {
	cfg  Config
	mu   sync.Mutex
	conn net.Conn
	buf  []byte
}

func NewTCP(cfg Config) *TCP {
	cfg = cfg.WithDefaults()
	return &TCP{cfg: cfg, buf: make([]byte, cfg.ReadSize)}
}

func (t *TCP) Connect(ctx context.Context) error {
	dialer := net.Dialer{Timeout: t.cfg.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", t.cfg.Address)
	if err != nil {
		return err
	}
	conn := rawConn
	if t.cfg.TLS.Enabled {
		tlsCfg, err := clientTLS(t.cfg.TLS, t.cfg.Address)
		if err != nil {
			_ = rawConn.Close()
			return err
		}
		tlsConn := tls.Client(rawConn, tlsCfg)
		handshakeCtx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
		defer cancel()
		if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
			_ = rawConn.Close()
			return err
		}
		conn = tlsConn
	}

	t.mu.Lock()
	old := t.conn
	t.conn = conn
	t.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	log.Info().Str("transport", TypeTCP).Str("address", t.cfg.Address).Bool("tls", t.cfg.TLS.Enabled).Msg("connected")
	return nil
}

func (t *TCP) current() net.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

func (t *TCP) Connected() bool { return t.current() != nil }

func (t *TCP) Disconnect() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	log.Info().Str("transport", TypeTCP).Str("address", t.cfg.Address).Msg("disconnected")
	return conn.Close()
}

func (t *TCP) Read(ctx context.Context) ([]byte, error) {
	conn := t.current()
	if conn == nil {
		return nil, ErrNotConnected
	}
	return readStream(ctx, conn, t.buf, t.cfg.ReadTimeout)
}

func (t *TCP) Write(ctx context.Context, data []byte) (int, error) {
	conn := t.current()
	if conn == nil {
		return 0, ErrNotConnected
	}
	if err := conn.SetWriteDeadline(deadline(ctx, t.cfg.WriteTimeout)); err != nil {
		return 0, err
	}
	return conn.Write(data)
}

// readStream performs one read on conn, honoring ctx cancellation and the
// optional read timeout. A closed connection reads as io.EOF.
func readStream(ctx context.Context, conn net.Conn, buf []byte, timeout time.Duration) ([]byte, error) {
	if err := conn.SetReadDeadline(deadline(ctx, timeout)); err != nil {
		return nil, closedAsEOF(err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	n, err := conn.Read(buf)
	if n > 0 {
		return append([]byte(nil), buf[:n]...), nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, closedAsEOF(err)
}

func closedAsEOF(err error) error {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return io.EOF
	}
	return err
}
