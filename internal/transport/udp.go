package transport

import (
	"context"
	"net"
	"sync"

	"github.com/rs/zerolog/log"
)

// UDP exchanges one datagram per Read or Write with a fixed peer.
type UDP struct {
	cfg  Config
	mu   sync.Mutex
	conn net.Conn
	buf  []byte
}

func NewUDP(cfg Config) *UDP {
	cfg = cfg.WithDefaults()
	return &UDP{cfg: cfg, buf: make([]byte, cfg.ReadSize)}
}

func (u *UDP) Connect(ctx context.Context) error {
	dialer := net.Dialer{Timeout: u.cfg.ConnectTimeout}
	if u.cfg.BindAddress != "" {
		local, err := net.ResolveUDPAddr("udp", u.cfg.BindAddress)
		if err != nil {
			return err
		}
		dialer.LocalAddr = local
	}
	conn, err := dialer.DialContext(ctx, "udp", u.cfg.Address)
	if err != nil {
		return err
	}
	u.mu.Lock()
	old := u.conn
	u.conn = conn
	u.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	log.Info().Str("transport", TypeUDP).Str("address", u.cfg.Address).Str("local", conn.LocalAddr().String()).Msg("connected")
	return nil
}

func (u *UDP) current() net.Conn {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.conn
}

func (u *UDP) Connected() bool { return u.current() != nil }

// LocalAddr is the bound local address, nil before Connect.
func (u *UDP) LocalAddr() net.Addr {
	if conn := u.current(); conn != nil {
		return conn.LocalAddr()
	}
	return nil
}

func (u *UDP) Disconnect() error {
	u.mu.Lock()
	conn := u.conn
	u.conn = nil
	u.mu.Unlock()
	if conn == nil {
		return nil
	}
	log.Info().Str("transport", TypeUDP).Str("address", u.cfg.Address).Msg("disconnected")
	return conn.Close()
}

func (u *UDP) Read(ctx context.Context) ([]byte, error) {
	conn := u.current()
	if conn == nil {
		return nil, ErrNotConnected
	}
	return readStream(ctx, conn, u.buf, u.cfg.ReadTimeout)
}

func (u *UDP) Write(ctx context.Context, data []byte) (int, error) {
	conn := u.current()
	if conn == nil {
		return 0, ErrNotConnected
	}
	if err := conn.SetWriteDeadline(deadline(ctx, u.cfg.WriteTimeout)); err != nil {
		return 0, err
	}
	return conn.Write(data)
}
