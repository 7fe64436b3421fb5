// Package bitfield reads and writes unsigned integer fields at arbitrary bit
// offsets inside a byte buffer.
//
// Offsets are counted from the most significant bit of the first byte.
// Negative offsets count back from the end of the buffer. Big endian fields
// may start and end anywhere; little endian fields must be byte aligned.
package bitfield

import (
	"errors"
	"fmt"
	"strings"
)

type Endianness int

const (
	BigEndian Endianness = iota
	LittleEndian
)

var (
	ErrBitSize       = errors.New("bitfield: bit size must be between 1 and 64")
	ErrUnaligned     = errors.New("bitfield: little endian fields must be byte aligned")
	ErrOutOfRange    = errors.New("bitfield: field exceeds buffer")
	ErrValueTooLarge = errors.New("bitfield: value does not fit in field")
	ErrEndianness    = errors.New("bitfield: unknown endianness")
)

func (e Endianness) String() string {
	if e == LittleEndian {
		return "LITTLE_ENDIAN"
	}
	return "BIG_ENDIAN"
}

// ParseEndianness accepts BIG_ENDIAN/LITTLE_ENDIAN and the short forms big/little.
func ParseEndianness(raw string) (Endianness, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "", "BIG_ENDIAN", "BIG", "BE":
		return BigEndian, nil
	case "LITTLE_ENDIAN", "LITTLE", "LE":
		return LittleEndian, nil
	default:
		return BigEndian, fmt.Errorf("%w: %q", ErrEndianness, raw)
	}
}

func (e Endianness) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

func (e *Endianness) UnmarshalText(text []byte) error {
	v, err := ParseEndianness(string(text))
	if err != nil {
		return err
	}
	*e = v
	return nil
}

// CheckLayout validates a field definition independent of any buffer.
func CheckLayout(bitOffset, bitSize int, e Endianness) error {
	if bitSize < 1 || bitSize > 64 {
		return fmt.Errorf("%w: got %d", ErrBitSize, bitSize)
	}
	if e == LittleEndian && (bitOffset%8 != 0 || bitSize%8 != 0) {
		return fmt.Errorf("%w: offset=%d size=%d", ErrUnaligned, bitOffset, bitSize)
	}
	return nil
}

// BytesNeeded is the minimum buffer length that contains a field at a
// non-negative bit offset.
func BytesNeeded(bitOffset, bitSize int) int {
	return (bitOffset + bitSize + 7) / 8
}

// Resolve converts a possibly negative bit offset into an absolute one.
func Resolve(bitOffset, bufLen int) int {
	if bitOffset < 0 {
		return bufLen*8 + bitOffset
	}
	return bitOffset
}

func locate(buf []byte, bitOffset, bitSize int, e Endianness) (int, error) {
	if err := CheckLayout(bitOffset, bitSize, e); err != nil {
		return 0, err
	}
	off := Resolve(bitOffset, len(buf))
	if off < 0 || off+bitSize > len(buf)*8 {
		return 0, fmt.Errorf("%w: offset=%d size=%d buffer=%d bytes", ErrOutOfRange, bitOffset, bitSize, len(buf))
	}
	return off, nil
}

// Read returns the unsigned value of the field.
func Read(buf []byte, bitOffset, bitSize int, e Endianness) (uint64, error) {
	off, err := locate(buf, bitOffset, bitSize, e)
	if err != nil {
		return 0, err
	}
	if e == LittleEndian {
		start := off / 8
		var v uint64
		for i := 0; i < bitSize/8; i++ {
			v |= uint64(buf[start+i]) << (8 * i)
		}
		return v, nil
	}
	if off%8 == 0 && bitSize%8 == 0 {
		var v uint64
		for _, b := range buf[off/8 : off/8+bitSize/8] {
			v = v<<8 | uint64(b)
		}
		return v, nil
	}
	var v uint64
	for i := 0; i < bitSize; i++ {
		pos := off + i
		bit := (buf[pos/8] >> (7 - uint(pos%8))) & 1
		v = v<<1 | uint64(bit)
	}
	return v, nil
}

// Write stores value into the field, leaving surrounding bits untouched.
func Write(buf []byte, bitOffset, bitSize int, e Endianness, value uint64) error {
	off, err := locate(buf, bitOffset, bitSize, e)
	if err != nil {
		return err
	}
	if bitSize < 64 && value>>uint(bitSize) != 0 {
		return fmt.Errorf("%w: %d in %d bits", ErrValueTooLarge, value, bitSize)
	}
	if e == LittleEndian {
		start := off / 8
		for i := 0; i < bitSize/8; i++ {
			buf[start+i] = byte(value >> (8 * i))
		}
		return nil
	}
	for i := 0; i < bitSize; i++ {
		pos := off + i
		mask := byte(1) << (7 - uint(pos%8))
		if (value>>uint(bitSize-1-i))&1 == 1 {
			buf[pos/8] |= mask
		} else {
			buf[pos/8] &^= mask
		}
	}
	return nil
}
