package protocol

import (
	"errors"
	"strings"
	"testing"

	"github.com/danmuck/linkctl/internal/packet"
	"github.com/danmuck/linkctl/internal/testutil/testlog"
)

func TestIgnorePacketValidatesAgainstCatalog(t *testing.T) {
	testlog.Start(t)
	c := loadCatalog(t)
	_, err := NewIgnorePacket(IgnorePacketConfig{TargetName: "nope", PacketName: "health"}, c)
	if !errors.Is(err, ErrInvalidConfig) || !strings.Contains(err.Error(), "target 'NOPE' does not exist") {
		t.Fatalf("expected missing target error, got %v", err)
	}
	_, err = NewIgnorePacket(IgnorePacketConfig{TargetName: "inst", PacketName: "missing"}, c)
	if !errors.Is(err, ErrInvalidConfig) || !strings.Contains(err.Error(), "packet 'INST MISSING' does not exist") {
		t.Fatalf("expected missing packet error, got %v", err)
	}
	if _, err := NewIgnorePacket(IgnorePacketConfig{TargetName: "inst"}, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected required field error, got %v", err)
	}
}

func TestIgnorePacketDropsBothDirections(t *testing.T) {
	testlog.Start(t)
	c := loadCatalog(t)
	s, err := NewIgnorePacket(IgnorePacketConfig{TargetName: "inst", PacketName: "health"}, c)
	if err != nil {
		t.Fatalf("new ignore_packet: %v", err)
	}
	attach(t, s, c)

	// Unidentified bytes are identified before matching.
	res, err := s.ReadPacket(packet.New([]byte{0x01, 0, 0, 0, 0, 0}))
	if err != nil || res.Signal != Stop {
		t.Fatalf("expected HEALTH dropped on read, got %s %v", res.Signal, err)
	}
	res, err = s.ReadPacket(packet.New([]byte{0x02, 0, 0, 0}))
	if err != nil || res.Signal != Continue || res.Packet.PacketName != "STATUS" {
		t.Fatalf("expected STATUS passed, got %s %v", res.Signal, err)
	}

	tmpl, _ := c.Template("INST", "HEALTH", packet.Telemetry)
	res, err = s.WritePacket(tmpl.NewPacket(make([]byte, 6)))
	if err != nil || res.Signal != Stop {
		t.Fatalf("expected HEALTH dropped on write, got %s %v", res.Signal, err)
	}
	res, err = s.WritePacket(packet.New([]byte{0x01}))
	if err != nil || res.Signal != Continue {
		t.Fatalf("expected unidentified write passed, got %s %v", res.Signal, err)
	}
}
