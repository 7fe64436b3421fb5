package protocol

import (
	"fmt"
	"time"

	"github.com/danmuck/linkctl/internal/packet"
)

type FixedConfig struct {
	BurstConfig
	// MinIDSize is the number of buffered bytes needed before identifying.
	MinIDSize    int  `toml:"min_id_size"`
	Telemetry    bool `toml:"telemetry"`
	UnknownRaise bool `toml:"unknown_raise"`
}

func DefaultFixedConfig() FixedConfig {
	return FixedConfig{Telemetry: true}
}

func (c FixedConfig) validate() error {
	if err := c.BurstConfig.validate(); err != nil {
		return err
	}
	if c.MinIDSize < 0 {
		return fmt.Errorf("%w: min_id_size must be >= 0", ErrInvalidConfig)
	}
	return nil
}

// Fixed frames packets whose boundaries follow from their identity: the
// buffered bytes are identified against the catalog and the matched
// definition's length is sliced off.
type Fixed struct {
	Burst
	fcfg       FixedConfig
	identified *packet.Template
	received   time.Time
}

func NewFixed(cfg FixedConfig) (*Fixed, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	f := &Fixed{fcfg: cfg}
	f.init("fixed", cfg.BurstConfig, f.reduceFrame)
	return f, nil
}

func (f *Fixed) kind() packet.Kind {
	if f.fcfg.Telemetry {
		return packet.Telemetry
	}
	return packet.Command
}

func (f *Fixed) reduceFrame(buf []byte) ([]byte, int, reduceOutcome, error) {
	if len(buf) == 0 || len(buf) < f.fcfg.MinIDSize || len(buf) < f.fcfg.DiscardLeadingBytes {
		return nil, 0, reduceStop, nil
	}
	catalog := f.Catalog()
	if catalog == nil {
		return nil, 0, reduceStop, ErrCatalogRequired
	}
	kind := f.kind()
	var targets []string
	if h := f.Host(); h != nil {
		targets = h.TargetNames(kind)
	}
	discard := f.fcfg.DiscardLeadingBytes
	if t, ok := packet.Identify(catalog, buf[discard:], kind, targets); ok {
		size := t.Length + discard
		if t.Length <= 0 {
			size = len(buf)
		}
		if size > len(buf) {
			return nil, 0, reduceStop, nil
		}
		f.identified = t
		f.received = time.Now()
		return buf[:size], size, reducePacket, nil
	}
	if f.fcfg.UnknownRaise {
		return nil, 0, reduceStop, fmt.Errorf("%w: % X", ErrUnknownPacket, head(buf, 16))
	}
	f.identified = nil
	f.received = time.Time{}
	return buf, len(buf), reducePacket, nil
}

// ReadPacket stamps the identity found while framing.
func (f *Fixed) ReadPacket(p *packet.Packet) (PacketResult, error) {
	if f.identified == nil {
		p.ClearIdentity()
		return Pass(p), nil
	}
	p.Identify(f.identified)
	p.ReceivedTime = f.received
	return Pass(p), nil
}

func (f *Fixed) reset() {
	f.Burst.reset()
	f.identified = nil
	f.received = time.Time{}
}

func (f *Fixed) ConnectReset() { f.reset() }

func (f *Fixed) DisconnectReset() { f.reset() }

func head(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
