package crc

import (
	"errors"
	"hash/crc32"
	"hash/crc64"
	"testing"
)

var check = []byte("123456789")

func mustEngine(t *testing.T, width int) *Engine {
	t.Helper()
	p, err := Defaults(width)
	if err != nil {
		t.Fatalf("defaults %d: %v", width, err)
	}
	e, err := New(p)
	if err != nil {
		t.Fatalf("new %d: %v", width, err)
	}
	return e
}

func TestCRC16CCITTFalseCheckValue(t *testing.T) {
	if got := mustEngine(t, 16).Calc(check); got != 0x29B1 {
		t.Fatalf("expected 0x29b1, got %#x", got)
	}
}

func TestCRC32MatchesIEEE(t *testing.T) {
	data := []byte("packet link payload")
	if got, want := mustEngine(t, 32).Calc(data), uint64(crc32.ChecksumIEEE(data)); got != want {
		t.Fatalf("expected %#x, got %#x", want, got)
	}
}

func TestCRC64MatchesECMA(t *testing.T) {
	data := []byte("packet link payload")
	want := crc64.Checksum(data, crc64.MakeTable(crc64.ECMA))
	if got := mustEngine(t, 64).Calc(data); got != want {
		t.Fatalf("expected %#x, got %#x", want, got)
	}
}

func TestCRC8FitsWidth(t *testing.T) {
	if got := mustEngine(t, 8).Calc(check); got > 0xFF {
		t.Fatalf("crc8 overflowed: %#x", got)
	}
}

func TestRejectsUnknownWidth(t *testing.T) {
	if _, err := Defaults(12); !errors.Is(err, ErrWidth) {
		t.Fatalf("expected ErrWidth, got %v", err)
	}
	if _, err := New(Params{Width: 24}); !errors.Is(err, ErrWidth) {
		t.Fatalf("expected ErrWidth, got %v", err)
	}
}
