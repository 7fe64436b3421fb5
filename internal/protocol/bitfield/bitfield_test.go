package bitfield

import (
	"bytes"
	"errors"
	"testing"
)

func TestReadAlignedBigEndian(t *testing.T) {
	buf := []byte{0x12, 0x34, 0x56, 0x78}
	v, err := Read(buf, 8, 16, BigEndian)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if v != 0x3456 {
		t.Fatalf("expected 0x3456, got %#x", v)
	}
}

func TestReadUnalignedBigEndian(t *testing.T) {
	// 0b1010_1100 0b0101_0000 -> bits 4..11 are 1100_0101
	buf := []byte{0xAC, 0x50}
	v, err := Read(buf, 4, 8, BigEndian)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if v != 0xC5 {
		t.Fatalf("expected 0xc5, got %#x", v)
	}
}

func TestReadLittleEndian(t *testing.T) {
	buf := []byte{0x00, 0x34, 0x12}
	v, err := Read(buf, 8, 16, LittleEndian)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if v != 0x1234 {
		t.Fatalf("expected 0x1234, got %#x", v)
	}
}

func TestNegativeOffsetCountsFromEnd(t *testing.T) {
	buf := []byte{0x01, 0x02, 0xAA, 0xBB}
	v, err := Read(buf, -16, 16, BigEndian)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if v != 0xAABB {
		t.Fatalf("expected 0xaabb, got %#x", v)
	}
}

func TestWriteUnalignedPreservesNeighbours(t *testing.T) {
	buf := []byte{0xFF, 0xFF}
	if err := Write(buf, 4, 4, BigEndian, 0); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !bytes.Equal(buf, []byte{0xF0, 0xFF}) {
		t.Fatalf("unexpected buffer % X", buf)
	}
}

func TestWriteReadRoundTrip64(t *testing.T) {
	for _, e := range []Endianness{BigEndian, LittleEndian} {
		buf := make([]byte, 10)
		want := uint64(0x0102030405060708)
		if err := Write(buf, 16, 64, e, want); err != nil {
			t.Fatalf("%s write: %v", e, err)
		}
		got, err := Read(buf, 16, 64, e)
		if err != nil {
			t.Fatalf("%s read: %v", e, err)
		}
		if got != want {
			t.Fatalf("%s expected %#x, got %#x", e, want, got)
		}
	}
}

func TestLayoutErrors(t *testing.T) {
	if err := CheckLayout(4, 16, LittleEndian); !errors.Is(err, ErrUnaligned) {
		t.Fatalf("expected ErrUnaligned, got %v", err)
	}
	if err := CheckLayout(0, 65, BigEndian); !errors.Is(err, ErrBitSize) {
		t.Fatalf("expected ErrBitSize, got %v", err)
	}
	if _, err := Read([]byte{0x01}, 0, 16, BigEndian); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
	if err := Write(make([]byte, 1), 0, 8, BigEndian, 0x100); !errors.Is(err, ErrValueTooLarge) {
		t.Fatalf("expected ErrValueTooLarge, got %v", err)
	}
}

func TestParseEndianness(t *testing.T) {
	cases := map[string]Endianness{"": BigEndian, "big_endian": BigEndian, "LITTLE_ENDIAN": LittleEndian, "le": LittleEndian}
	for raw, want := range cases {
		got, err := ParseEndianness(raw)
		if err != nil || got != want {
			t.Fatalf("parse %q: got=%v err=%v", raw, got, err)
		}
	}
	if _, err := ParseEndianness("middle"); !errors.Is(err, ErrEndianness) {
		t.Fatalf("expected ErrEndianness, got %v", err)
	}
}
