// Package transport moves raw bytes between a link and the outside world.
// Transports know nothing about packets; framing happens in the protocol
// chain above them.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotConnected     = errors.New("transport: not connected")
	ErrUnknownTransport = errors.New("transport: unknown type")
	ErrInvalidConfig    = errors.New("transport: invalid config")
)

// Transport is a raw byte pipe. Read blocks until bytes arrive and returns
// io.EOF once the peer closes or Disconnect is called. Read is only called
// from one goroutine; Write may race with Read but not with itself.
type Transport interface {
	Connect(ctx context.Context) error
	Connected() bool
	Disconnect() error
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) (int, error)
}

// ExtraReader is implemented by transports that describe where each read
// came from. The link passes the map to the read chain as its extra.
type ExtraReader interface {
	ReadExtra(ctx context.Context) ([]byte, map[string]any, error)
}

const (
	TypeTCP       = "tcp"
	TypeUDP       = "udp"
	TypeMQTT      = "mqtt"
	TypeWebSocket = "websocket"
	TypeLoopback  = "loopback"
	TypeFile      = "file"
)

// TLSConfig enables TLS on stream transports.
type TLSConfig struct {
	Enabled            bool
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

type Config struct {
	Type string
	// Address is host:port for tcp and udp, a ws:// or wss:// URL for
	// websocket and the broker URL for mqtt.
	Address string
	// BindAddress optionally fixes the local udp address.
	BindAddress string

	ConnectTimeout time.Duration
	// ReadTimeout of zero blocks until data or disconnect.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	ReadSize     int

	ClientID   string
	ReadTopic  string
	WriteTopic string
	QoS        byte

	// ReadFolder is watched for files to replay; ArchiveFolder receives
	// them once read (ArchiveDelete removes them instead). WriteFolder
	// gets one timestamp_label file with Extension per write.
	ReadFolder    string
	ArchiveFolder string
	WriteFolder   string
	Label         string
	Extension     string
	// PollInterval rescans ReadFolder in case a watch event was missed.
	PollInterval time.Duration

	TLS TLSConfig
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 5 * time.Second,
		WriteTimeout:   5 * time.Second,
		ReadSize:       64 * 1024,
	}
}

// WithDefaults fills unset timeouts and sizes.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	c.Type = strings.ToLower(strings.TrimSpace(c.Type))
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadSize <= 0 {
		c.ReadSize = d.ReadSize
	}
	return c
}

func (c Config) Validate() error {
	switch c.Type {
	case TypeLoopback:
		return nil
	case TypeTCP, TypeUDP, TypeWebSocket:
		if strings.TrimSpace(c.Address) == "" {
			return fmt.Errorf("%w: %s address required", ErrInvalidConfig, c.Type)
		}
	case TypeMQTT:
		if strings.TrimSpace(c.Address) == "" {
			return fmt.Errorf("%w: mqtt broker required", ErrInvalidConfig)
		}
		if c.ReadTopic == "" && c.WriteTopic == "" {
			return fmt.Errorf("%w: mqtt needs a read or write topic", ErrInvalidConfig)
		}
		if c.QoS > 2 {
			return fmt.Errorf("%w: mqtt qos must be 0, 1 or 2", ErrInvalidConfig)
		}
	case TypeFile:
		if c.ReadFolder == "" && c.WriteFolder == "" {
			return fmt.Errorf("%w: file needs a read or write folder", ErrInvalidConfig)
		}
		if c.ArchiveFolder != "" && c.ArchiveFolder == c.ReadFolder {
			return fmt.Errorf("%w: archive folder must differ from the read folder", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTransport, c.Type)
	}
	if c.TLS.Enabled && (c.Type == TypeUDP || c.Type == TypeFile) {
		return fmt.Errorf("%w: tls is not supported on %s", ErrInvalidConfig, c.Type)
	}
	return nil
}

// New builds the transport named by cfg.Type.
func New(cfg Config) (Transport, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Type {
	case TypeTCP:
		return NewTCP(cfg), nil
	case TypeUDP:
		return NewUDP(cfg), nil
	case TypeMQTT:
		return NewMQTT(cfg), nil
	case TypeWebSocket:
		return NewWebSocket(cfg), nil
	case TypeFile:
		return NewFile(cfg), nil
	default:
		return NewLoopback(), nil
	}
}

// deadline is now+timeout capped by the context deadline. A zero timeout
// with no context deadline yields the zero time.
func deadline(ctx context.Context, timeout time.Duration) time.Time {
	var d time.Time
	if timeout > 0 {
		d = time.Now().Add(timeout)
	}
	if ctxDeadline, ok := ctx.Deadline(); ok && (d.IsZero() || ctxDeadline.Before(d)) {
		d = ctxDeadline
	}
	return d
}
