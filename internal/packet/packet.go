// Package packet defines the packet value that flows through a link and the
// catalog contract used to identify raw bytes as a known packet type.
package packet

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/danmuck/linkctl/internal/protocol/bitfield"
)

type Kind int

const (
	Telemetry Kind = iota
	Command
)

func (k Kind) String() string {
	if k == Command {
		return "CMD"
	}
	return "TLM"
}

// ParseKind accepts cmd/command and tlm/telemetry in any case.
func ParseKind(raw string) (Kind, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "TLM", "TELEMETRY", "":
		return Telemetry, nil
	case "CMD", "COMMAND":
		return Command, nil
	default:
		return Telemetry, fmt.Errorf("packet: unknown kind %q", raw)
	}
}

var (
	ErrNoTemplate  = errors.New("packet: no template attached")
	ErrUnknownItem = errors.New("packet: unknown item")
)

// Packet is one discrete unit of data. Callers own a packet once a read
// returns it.
type Packet struct {
	Buffer       []byte
	TargetName   string
	PacketName   string
	ReceivedTime time.Time
	PacketTime   time.Time
	Stored       bool
	Extra        map[string]any
	Template     *Template
}

// New wraps buf without copying it.
func New(buf []byte) *Packet {
	return &Packet{Buffer: buf}
}

func (p *Packet) Identified() bool {
	return p.TargetName != "" && p.PacketName != ""
}

// ClearIdentity drops target, packet and template.
func (p *Packet) ClearIdentity() {
	p.TargetName = ""
	p.PacketName = ""
	p.Template = nil
}

// Identify stamps a template's identity onto the packet.
func (p *Packet) Identify(t *Template) {
	p.TargetName = t.TargetName
	p.PacketName = t.PacketName
	p.Template = t
}

func (p *Packet) Clone() *Packet {
	c := *p
	c.Buffer = append([]byte(nil), p.Buffer...)
	if p.Extra != nil {
		c.Extra = maps.Clone(p.Extra)
	}
	return &c
}

// Name returns "TARGET PACKET" for logs.
func (p *Packet) Name() string {
	if !p.Identified() {
		return "UNKNOWN"
	}
	return p.TargetName + " " + p.PacketName
}

// Response returns the response identity declared by the packet's template.
func (p *Packet) Response() (target, name string, ok bool) {
	if p.Template == nil || p.Template.ResponsePacket == "" {
		return "", "", false
	}
	return p.Template.ResponseTarget, p.Template.ResponsePacket, true
}

func (p *Packet) item(name string) (Item, error) {
	if p.Template == nil {
		return Item{}, ErrNoTemplate
	}
	it, ok := p.Template.Item(name)
	if !ok {
		return Item{}, fmt.Errorf("%w: %s in %s", ErrUnknownItem, name, p.Name())
	}
	return it, nil
}

// ItemDef returns the definition of a named item.
func (p *Packet) ItemDef(name string) (Item, error) {
	return p.item(name)
}

func (p *Packet) ReadItem(name string) (uint64, error) {
	it, err := p.item(name)
	if err != nil {
		return 0, err
	}
	return bitfield.Read(p.Buffer, it.BitOffset, it.BitSize, it.Endianness)
}

func (p *Packet) WriteItem(name string, value uint64) error {
	it, err := p.item(name)
	if err != nil {
		return err
	}
	return bitfield.Write(p.Buffer, it.BitOffset, it.BitSize, it.Endianness, value)
}
