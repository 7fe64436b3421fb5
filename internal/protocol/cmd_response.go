package protocol

import (
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/linkctl/internal/observability"
	"github.com/danmuck/linkctl/internal/packet"
)

type CmdResponseConfig struct {
	// ResponseTimeout of zero waits until a response or a disconnect.
	ResponseTimeout       Duration `toml:"response_timeout"`
	ResponsePollingPeriod Duration `toml:"response_polling_period"`
	RaiseExceptions       bool     `toml:"raise_exceptions"`
	AllowEmptyData        *bool    `toml:"allow_empty_data"`
}

func DefaultCmdResponseConfig() CmdResponseConfig {
	return CmdResponseConfig{
		ResponseTimeout:       Duration(5 * time.Second),
		ResponsePollingPeriod: Duration(20 * time.Millisecond),
	}
}

type responseSignal struct {
	disconnected bool
	// err reports a reply that arrived but could not be parsed.
	err error
}

type responseID struct {
	target string
	name   string
}

// CmdResponse blocks a command write until the reader path sees the
// command's declared response packet.
type CmdResponse struct {
	Base
	cfg     CmdResponseConfig
	signals chan responseSignal

	mu      sync.Mutex
	pending *responseID
	// waiting is only touched on the write path.
	waiting bool
}

var (
	_ Interrupter  = (*CmdResponse)(nil)
	_ WriteAborter = (*CmdResponse)(nil)
)

func NewCmdResponse(cfg CmdResponseConfig) (*CmdResponse, error) {
	if cfg.ResponseTimeout < 0 {
		return nil, fmt.Errorf("%w: response_timeout must be >= 0", ErrInvalidConfig)
	}
	if cfg.ResponsePollingPeriod <= 0 {
		return nil, fmt.Errorf("%w: response_polling_period must be > 0", ErrInvalidConfig)
	}
	return &CmdResponse{
		Base:    NewBase("cmd_response", cfg.AllowEmptyData),
		cfg:     cfg,
		signals: make(chan responseSignal, 16),
	}, nil
}

func (c *CmdResponse) push(sig responseSignal) {
	select {
	case c.signals <- sig:
	default:
		c.Log().Warn().Msg("response queue full, dropping signal")
	}
}

// ConnectReset drains stale signals from a previous connection.
func (c *CmdResponse) ConnectReset() {
	c.drain()
}

func (c *CmdResponse) drain() {
	for {
		select {
		case <-c.signals:
		default:
			return
		}
	}
}

// Interrupt wakes a writer blocked on a response.
func (c *CmdResponse) Interrupt() {
	c.push(responseSignal{disconnected: true})
}

// DisconnectReset forgets the expected response. A parked writer has
// already been woken by Interrupt.
func (c *CmdResponse) DisconnectReset() {
	c.setPending(nil)
}

// AbortWrite disarms a response expectation whose command never reached
// the transport.
func (c *CmdResponse) AbortWrite() {
	c.waiting = false
	c.setPending(nil)
}

// takePending hands the expected response to exactly one read.
func (c *CmdResponse) takePending() *responseID {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.pending
	c.pending = nil
	return id
}

func (c *CmdResponse) setPending(id *responseID) {
	c.mu.Lock()
	c.pending = id
	c.mu.Unlock()
}

func (c *CmdResponse) WritePacket(p *packet.Packet) (PacketResult, error) {
	target, name, ok := p.Response()
	c.waiting = ok
	if !ok {
		c.setPending(nil)
		return Pass(p), nil
	}
	c.drain()
	c.setPending(&responseID{target: target, name: name})
	return Pass(p), nil
}

// ReadPacket reinterprets a packet as the pending response and releases the
// waiting writer.
func (c *CmdResponse) ReadPacket(p *packet.Packet) (PacketResult, error) {
	id := c.takePending()
	if id == nil {
		return Pass(p), nil
	}
	defer c.push(responseSignal{})
	catalog := c.Catalog()
	if catalog == nil {
		c.Log().Error().Msg("no catalog to resolve response packet")
		return Pass(p), nil
	}
	tmpl, ok := catalog.Template(id.target, id.name, packet.Telemetry)
	if !ok {
		c.Log().Error().Str("response", id.target+" "+id.name).Msg("response packet not defined")
		return Pass(p), nil
	}
	out := tmpl.NewPacket(p.Buffer)
	out.Stored = p.Stored
	out.Extra = p.Extra
	out.PacketTime = p.PacketTime
	return Pass(out), nil
}

// PostWrite waits for the response signal, checking the deadline once per
// polling period.
func (c *CmdResponse) PostWrite(p *packet.Packet, data []byte, extra map[string]any) error {
	if !c.waiting {
		return nil
	}
	c.waiting = false
	defer c.setPending(nil)

	timeout := time.Duration(c.cfg.ResponseTimeout)
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(time.Duration(c.cfg.ResponsePollingPeriod))
	defer ticker.Stop()
	for {
		select {
		case sig := <-c.signals:
			if sig.disconnected {
				return ErrDisconnected
			}
			return nil
		case <-ticker.C:
			if timeout == 0 || time.Now().Before(deadline) {
				continue
			}
			c.Log().Warn().Str("packet", p.Name()).Dur("timeout", timeout).Msg("timeout waiting for response")
			observability.RecordResponseTimeout(c.InterfaceName())
			if c.cfg.RaiseExceptions {
				return fmt.Errorf("%w: %s after %s", ErrResponseTimeout, p.Name(), timeout)
			}
			return nil
		}
	}
}
