// Package crc wraps a table driven CRC engine with the parameter defaults
// used on packet links.
package crc

import (
	"errors"
	"fmt"

	snk "github.com/snksoft/crc"
)

var ErrWidth = errors.New("crc: width must be 8, 16, 32 or 64")

// Params selects the CRC algorithm. Xor applies an all-ones final xor;
// Reflect bit-reverses input bytes and the result.
type Params struct {
	Width   int
	Poly    uint64
	Seed    uint64
	Xor     bool
	Reflect bool
}

// Defaults returns the link defaults for the given width:
// CRC-8 0xD5, CRC-16-CCITT, CRC-32 (IEEE) and CRC-64-ECMA.
func Defaults(width int) (Params, error) {
	switch width {
	case 8:
		return Params{Width: 8, Poly: 0xD5, Seed: 0x00}, nil
	case 16:
		return Params{Width: 16, Poly: 0x1021, Seed: 0xFFFF}, nil
	case 32:
		return Params{Width: 32, Poly: 0x04C11DB7, Seed: 0xFFFFFFFF, Xor: true, Reflect: true}, nil
	case 64:
		return Params{Width: 64, Poly: 0x42F0E1EBA9EA3693, Seed: 0xFFFFFFFFFFFFFFFF, Xor: true, Reflect: true}, nil
	default:
		return Params{}, fmt.Errorf("%w: got %d", ErrWidth, width)
	}
}

func mask(width int) uint64 {
	if width == 64 {
		return ^uint64(0)
	}
	return (uint64(1) << uint(width)) - 1
}

// Engine computes one configured CRC.
type Engine struct {
	params Params
	table  *snk.Table
}

func New(p Params) (*Engine, error) {
	switch p.Width {
	case 8, 16, 32, 64:
	default:
		return nil, fmt.Errorf("%w: got %d", ErrWidth, p.Width)
	}
	m := mask(p.Width)
	final := uint64(0)
	if p.Xor {
		final = m
	}
	table := snk.NewTable(&snk.Parameters{
		Width:      uint(p.Width),
		Polynomial: p.Poly & m,
		Init:       p.Seed & m,
		ReflectIn:  p.Reflect,
		ReflectOut: p.Reflect,
		FinalXor:   final,
	})
	return &Engine{params: p, table: table}, nil
}

func (e *Engine) Params() Params { return e.params }

func (e *Engine) Width() int { return e.params.Width }

// Calc returns the CRC of data.
func (e *Engine) Calc(data []byte) uint64 {
	return e.table.CalculateCRC(data)
}
