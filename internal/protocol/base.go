package protocol

import (
	"github.com/danmuck/linkctl/internal/packet"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// EmptyPolicy controls how a stage treats zero length read input.
type EmptyPolicy int

const (
	// EmptyAuto stops only when the stage is last in the read chain.
	EmptyAuto EmptyPolicy = iota
	EmptyDeny
	EmptyAllow
)

// EmptyPolicyFrom maps the optional allow_empty_data setting.
func EmptyPolicyFrom(allow *bool) EmptyPolicy {
	switch {
	case allow == nil:
		return EmptyAuto
	case *allow:
		return EmptyAllow
	default:
		return EmptyDeny
	}
}

// Base provides pass-through hooks. Stages embed it and override the hooks
// they care about.
type Base struct {
	kind       string
	host       Host
	lastReader bool
	empty      EmptyPolicy
}

func NewBase(kind string, allowEmpty *bool) Base {
	return Base{kind: kind, empty: EmptyPolicyFrom(allowEmpty)}
}

func (b *Base) Attach(host Host, lastReader bool) {
	b.host = host
	b.lastReader = lastReader
}

func (b *Base) Kind() string { return b.kind }

func (b *Base) Host() Host { return b.host }

func (b *Base) InterfaceName() string {
	if b.host == nil {
		return ""
	}
	return b.host.Name()
}

func (b *Base) Catalog() packet.Catalog {
	if b.host == nil {
		return nil
	}
	return b.host.Catalog()
}

// Log returns a logger tagged with the interface and stage.
func (b *Base) Log() *zerolog.Logger {
	l := log.With().Str("interface", b.InterfaceName()).Str("stage", b.kind).Logger()
	return &l
}

// HandleEmpty applies the empty input policy.
func (b *Base) HandleEmpty(data []byte, extra map[string]any) DataResult {
	switch b.empty {
	case EmptyAllow:
		return Emit(data, extra)
	case EmptyDeny:
		return StopData()
	default:
		if b.lastReader {
			return StopData()
		}
		return Emit(data, extra)
	}
}

func (b *Base) ReadData(data []byte, extra map[string]any) (DataResult, error) {
	if len(data) == 0 {
		return b.HandleEmpty(data, extra), nil
	}
	return Emit(data, extra), nil
}

func (b *Base) ReadPacket(p *packet.Packet) (PacketResult, error) {
	return Pass(p), nil
}

func (b *Base) WritePacket(p *packet.Packet) (PacketResult, error) {
	return Pass(p), nil
}

func (b *Base) WriteData(data []byte, extra map[string]any) (DataResult, error) {
	return Emit(data, extra), nil
}

func (b *Base) PostWrite(p *packet.Packet, data []byte, extra map[string]any) error {
	return nil
}

func (b *Base) ConnectReset() {}

func (b *Base) DisconnectReset() {}
