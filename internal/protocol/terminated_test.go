package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/linkctl/internal/packet"
	"github.com/danmuck/linkctl/internal/testutil/testlog"
)

func crlf(t *testing.T, strip bool) *Terminated {
	t.Helper()
	cfg := DefaultTerminatedConfig()
	cfg.ReadTermination = HexBytes("\r\n")
	cfg.WriteTermination = HexBytes("\r\n")
	cfg.StripReadTermination = strip
	s, err := NewTerminated(cfg)
	if err != nil {
		t.Fatalf("new terminated: %v", err)
	}
	attach(t, s, nil)
	return s
}

func TestTerminatedSplitsAndStrips(t *testing.T) {
	testlog.Start(t)
	got := feed(t, crlf(t, true), []byte("AB\r\nCD\r\n"))
	if len(got) != 2 || string(got[0]) != "AB" || string(got[1]) != "CD" {
		t.Fatalf("unexpected packets %q", got)
	}
	got = feed(t, crlf(t, false), []byte("AB\r\nCD\r\n"))
	if len(got) != 2 || string(got[0]) != "AB\r\n" || string(got[1]) != "CD\r\n" {
		t.Fatalf("unexpected packets %q", got)
	}
}

func TestTerminatedEmptyPacketsAndFragments(t *testing.T) {
	testlog.Start(t)
	got := feed(t, crlf(t, true), []byte("\r\n\r\nX\r\n"))
	if len(got) != 3 || len(got[0]) != 0 || len(got[1]) != 0 || string(got[2]) != "X" {
		t.Fatalf("unexpected packets %q", got)
	}
	got = feed(t, crlf(t, true), bytewise([]byte("AB\r\nCD\r\nEF"))...)
	if len(got) != 2 || string(got[0]) != "AB" || string(got[1]) != "CD" {
		t.Fatalf("unexpected packets %q", got)
	}
}

func TestTerminatedWrite(t *testing.T) {
	testlog.Start(t)
	s := crlf(t, true)
	if wire := write(t, s, packet.New([]byte("AB"))); string(wire) != "AB\r\n" {
		t.Fatalf("unexpected wire %q", wire)
	}
	if _, err := s.WriteData([]byte("A\r\nB"), nil); !errors.Is(err, ErrTerminationInData) {
		t.Fatalf("expected ErrTerminationInData, got %v", err)
	}
	if _, err := NewTerminated(DefaultTerminatedConfig()); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected missing read_termination to fail, got %v", err)
	}
}

func TestTerminatedWithSyncPattern(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultTerminatedConfig()
	cfg.SyncPattern = HexBytes{0xAA}
	cfg.DiscardLeadingBytes = 1
	cfg.FillFields = true
	cfg.ReadTermination = HexBytes{0x0A}
	cfg.WriteTermination = HexBytes{0x0A}
	s, err := NewTerminated(cfg)
	if err != nil {
		t.Fatalf("new terminated: %v", err)
	}
	attach(t, s, nil)
	wire := write(t, s, packet.New([]byte("hi")))
	if !bytes.Equal(wire, []byte{0xAA, 'h', 'i', 0x0A}) {
		t.Fatalf("unexpected wire % X", wire)
	}
	got := feed(t, s, concat([]byte("junk"), wire, wire))
	if len(got) != 2 || string(got[0]) != "hi" || string(got[1]) != "hi" {
		t.Fatalf("unexpected packets %q", got)
	}
}

func newCOBS(t *testing.T) *COBS {
	t.Helper()
	c, err := NewCOBS(COBSConfig{})
	if err != nil {
		t.Fatalf("new cobs: %v", err)
	}
	attach(t, c, nil)
	return c
}

func TestCOBSWriteVector(t *testing.T) {
	testlog.Start(t)
	wire := write(t, newCOBS(t), packet.New([]byte{0x11, 0x00, 0x22}))
	if !bytes.Equal(wire, []byte{0x02, 0x11, 0x02, 0x22, 0x00}) {
		t.Fatalf("unexpected wire % X", wire)
	}
}

func TestCOBSRoundTripBoundaries(t *testing.T) {
	testlog.Start(t)
	for _, n := range []int{0, 1, 100, 253, 254, 255, 600} {
		payload := make([]byte, n)
		for i := range payload {
			payload[i] = byte(i % 7)
		}
		c := newCOBS(t)
		wire := write(t, c, packet.New(append([]byte(nil), payload...)))
		if bytes.IndexByte(wire[:len(wire)-1], 0) >= 0 {
			t.Fatalf("size %d: zero inside encoded frame", n)
		}
		whole := feed(t, c, wire)
		split := feed(t, newCOBS(t), bytewise(wire)...)
		if len(whole) != 1 || !bytes.Equal(whole[0], payload) || len(split) != 1 || !bytes.Equal(split[0], payload) {
			t.Fatalf("size %d: round trip mismatch", n)
		}
	}
}

func TestCOBSLongNonZeroRunsAcrossFragments(t *testing.T) {
	testlog.Start(t)
	for _, n := range []int{253, 254, 255, 508, 509, 600} {
		payload := make([]byte, n)
		for i := range payload {
			payload[i] = byte(i%255) + 1
		}
		wire := write(t, newCOBS(t), packet.New(append([]byte(nil), payload...)))
		if n >= 254 && wire[0] != 0xFF {
			t.Fatalf("size %d: expected full block code, got %#x", n, wire[0])
		}
		if bytes.IndexByte(wire[:len(wire)-1], 0) >= 0 || wire[len(wire)-1] != 0 {
			t.Fatalf("size %d: bad frame delimiting", n)
		}

		// Two frames back to back, cut at offsets that straddle block codes.
		stream := append(append([]byte(nil), wire...), wire...)
		var chunks [][]byte
		for start, step := 0, 0; start < len(stream); step++ {
			end := min(start+[]int{1, 253, 7, 255, 3}[step%5], len(stream))
			chunks = append(chunks, stream[start:end])
			start = end
		}
		got := feed(t, newCOBS(t), chunks...)
		if len(got) != 2 || !bytes.Equal(got[0], payload) || !bytes.Equal(got[1], payload) {
			t.Fatalf("size %d: got %d frames", n, len(got))
		}
	}
}

func TestCOBSDropsCorruptFrame(t *testing.T) {
	testlog.Start(t)
	c := newCOBS(t)
	good := write(t, c, packet.New([]byte("ok")))
	got := feed(t, c, []byte{0x05, 0x01, 0x00}, good)
	if len(got) != 1 || string(got[0]) != "ok" {
		t.Fatalf("unexpected packets %q", got)
	}
}

func newSLIP(t *testing.T, cfg SLIPConfig) *SLIP {
	t.Helper()
	s, err := NewSLIP(cfg)
	if err != nil {
		t.Fatalf("new slip: %v", err)
	}
	attach(t, s, nil)
	return s
}

func TestSLIPEscapesEndByte(t *testing.T) {
	testlog.Start(t)
	s := newSLIP(t, DefaultSLIPConfig())
	wire := write(t, s, packet.New([]byte{0x01, 0xC0, 0x02}))
	if !bytes.Equal(wire, []byte{0x01, 0xDB, 0xDC, 0x02, 0xC0}) {
		t.Fatalf("unexpected wire % X", wire)
	}
	got := feed(t, s, wire)
	if len(got) != 1 || !bytes.Equal(got[0], []byte{0x01, 0xC0, 0x02}) {
		t.Fatalf("unexpected packets % X", got)
	}
}

func TestSLIPStartCharRoundTrip(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultSLIPConfig()
	cfg.StartChar = HexBytes{0xC0}
	s := newSLIP(t, cfg)
	payloads := [][]byte{{0xDB, 0x00}, {}, {0xC0, 0xC0}}
	var stream []byte
	for _, p := range payloads {
		stream = append(stream, write(t, s, packet.New(append([]byte(nil), p...)))...)
	}
	if stream[0] != 0xC0 {
		t.Fatalf("expected start byte, got % X", stream)
	}
	got := feed(t, newSLIP(t, cfg), bytewise(stream)...)
	if len(got) != len(payloads) {
		t.Fatalf("expected %d packets, got % X", len(payloads), got)
	}
	for i, p := range payloads {
		if !bytes.Equal(got[i], p) {
			t.Fatalf("packet %d: got % X want % X", i, got[i], p)
		}
	}
}

func TestSLIPWithoutStripKeepsFraming(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultSLIPConfig()
	cfg.ReadStripCharacters = false
	cfg.ReadEnableEscaping = false
	got := feed(t, newSLIP(t, cfg), []byte{0x01, 0xDB, 0xDC, 0xC0})
	if len(got) != 1 || !bytes.Equal(got[0], []byte{0x01, 0xDB, 0xDC, 0xC0}) {
		t.Fatalf("unexpected packets % X", got)
	}
	if _, err := NewSLIP(SLIPConfig{}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected missing end_char to fail, got %v", err)
	}
}
