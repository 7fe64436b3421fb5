package protocol

import (
	"fmt"
	"strings"

	"github.com/danmuck/linkctl/internal/packet"
)

type IgnorePacketConfig struct {
	TargetName     string `toml:"target_name"`
	PacketName     string `toml:"packet_name"`
	AllowEmptyData *bool  `toml:"allow_empty_data"`
}

// IgnorePacket drops one packet identity in both directions.
type IgnorePacket struct {
	Base
	target string
	name   string
}

// NewIgnorePacket checks the identity against catalog when one is given.
func NewIgnorePacket(cfg IgnorePacketConfig, catalog packet.Catalog) (*IgnorePacket, error) {
	target := strings.ToUpper(strings.TrimSpace(cfg.TargetName))
	name := strings.ToUpper(strings.TrimSpace(cfg.PacketName))
	if target == "" || name == "" {
		return nil, fmt.Errorf("%w: target_name and packet_name are required", ErrInvalidConfig)
	}
	if catalog != nil {
		if len(catalog.Packets(target, packet.Telemetry)) == 0 && len(catalog.Packets(target, packet.Command)) == 0 {
			return nil, fmt.Errorf("%w: target '%s' does not exist", ErrInvalidConfig, target)
		}
		_, tlm := catalog.Template(target, name, packet.Telemetry)
		_, cmd := catalog.Template(target, name, packet.Command)
		if !tlm && !cmd {
			return nil, fmt.Errorf("%w: packet '%s %s' does not exist", ErrInvalidConfig, target, name)
		}
	}
	return &IgnorePacket{
		Base:   NewBase("ignore_packet", cfg.AllowEmptyData),
		target: target,
		name:   name,
	}, nil
}

func (i *IgnorePacket) matches(p *packet.Packet) bool {
	return strings.EqualFold(p.TargetName, i.target) && strings.EqualFold(p.PacketName, i.name)
}

func (i *IgnorePacket) ReadPacket(p *packet.Packet) (PacketResult, error) {
	if !p.Identified() {
		if h := i.Host(); h != nil {
			if t, ok := packet.Identify(h.Catalog(), p.Buffer, packet.Telemetry, h.TargetNames(packet.Telemetry)); ok {
				p.Identify(t)
			}
		}
	}
	if i.matches(p) {
		return StopPacket(), nil
	}
	return Pass(p), nil
}

func (i *IgnorePacket) WritePacket(p *packet.Packet) (PacketResult, error) {
	if i.matches(p) {
		return StopPacket(), nil
	}
	return Pass(p), nil
}
