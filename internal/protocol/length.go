package protocol

import (
	"fmt"

	"github.com/danmuck/linkctl/internal/packet"
	"github.com/danmuck/linkctl/internal/protocol/bitfield"
)

type LengthConfig struct {
	BurstConfig
	LengthBitOffset     int                 `toml:"length_bit_offset"`
	LengthBitSize       int                 `toml:"length_bit_size"`
	LengthValueOffset   int                 `toml:"length_value_offset"`
	LengthBytesPerCount int                 `toml:"length_bytes_per_count"`
	LengthEndianness    bitfield.Endianness `toml:"length_endianness"`
	// MaxLength bounds the frame length in bytes; zero disables the check.
	MaxLength int `toml:"max_length"`
}

func DefaultLengthConfig() LengthConfig {
	return LengthConfig{LengthBitSize: 16, LengthBytesPerCount: 1}
}

func (c LengthConfig) validate() error {
	if err := c.BurstConfig.validate(); err != nil {
		return err
	}
	if c.LengthBitOffset < 0 {
		return fmt.Errorf("%w: length_bit_offset must be >= 0", ErrInvalidConfig)
	}
	if err := bitfield.CheckLayout(c.LengthBitOffset, c.LengthBitSize, c.LengthEndianness); err != nil {
		return fmt.Errorf("%w: length field: %v", ErrInvalidConfig, err)
	}
	if c.LengthBytesPerCount < 1 {
		return fmt.Errorf("%w: length_bytes_per_count must be >= 1", ErrInvalidConfig)
	}
	if c.MaxLength < 0 {
		return fmt.Errorf("%w: max_length must be >= 0", ErrInvalidConfig)
	}
	return nil
}

// Length frames packets by a length field carried in the packet header.
// The frame length is field*bytes_per_count + value_offset bytes.
type Length struct {
	Burst
	lcfg LengthConfig
}

func NewLength(cfg LengthConfig) (*Length, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	l := &Length{lcfg: cfg}
	l.init("length", cfg.BurstConfig, l.reduceFrame)
	return l, nil
}

func (l *Length) bytesNeeded() int {
	return bitfield.BytesNeeded(l.lcfg.LengthBitOffset, l.lcfg.LengthBitSize)
}

func (l *Length) reduceFrame(buf []byte) ([]byte, int, reduceOutcome, error) {
	if len(buf) < l.bytesNeeded() {
		return nil, 0, reduceStop, nil
	}
	v, err := bitfield.Read(buf, l.lcfg.LengthBitOffset, l.lcfg.LengthBitSize, l.lcfg.LengthEndianness)
	if err != nil {
		return nil, 0, reduceStop, err
	}
	frameLen := int(v)*l.lcfg.LengthBytesPerCount + l.lcfg.LengthValueOffset
	if l.lcfg.MaxLength > 0 && frameLen > l.lcfg.MaxLength {
		return l.corrupt(fmt.Errorf("%w: %d > %d", ErrLengthExceeded, frameLen, l.lcfg.MaxLength))
	}
	if frameLen*8 < l.lcfg.LengthBitOffset+l.lcfg.LengthBitSize {
		return l.corrupt(fmt.Errorf("%w: %d bits < offset=%d + size=%d",
			ErrLengthOverlap, frameLen*8, l.lcfg.LengthBitOffset, l.lcfg.LengthBitSize))
	}
	if len(buf) < frameLen {
		return nil, 0, reduceStop, nil
	}
	return buf[:frameLen], frameLen, reducePacket, nil
}

// corrupt resyncs when a sync pattern can find the next boundary and fails
// otherwise.
func (l *Length) corrupt(err error) ([]byte, int, reduceOutcome, error) {
	if len(l.lcfg.SyncPattern) > 0 {
		l.Log().Error().Err(err).Msg("bad length field, resyncing")
		return nil, 0, reduceResync, nil
	}
	return nil, 0, reduceStop, err
}

// lengthValue is the field value for a frame of frameLen bytes, the inverse
// of the read computation.
func (l *Length) lengthValue(frameLen int) (uint64, error) {
	if l.lcfg.MaxLength > 0 && frameLen > l.lcfg.MaxLength {
		return 0, fmt.Errorf("%w: calculated %d > %d", ErrLengthExceeded, frameLen, l.lcfg.MaxLength)
	}
	v := (frameLen - l.lcfg.LengthValueOffset) / l.lcfg.LengthBytesPerCount
	if v < 0 {
		return 0, fmt.Errorf("%w: frame of %d bytes below value offset %d", ErrLengthOverlap, frameLen, l.lcfg.LengthValueOffset)
	}
	return uint64(v), nil
}

func (l *Length) fieldInPacket() bool {
	return l.lcfg.LengthBitOffset >= l.lcfg.DiscardLeadingBytes*8
}

func (l *Length) WritePacket(p *packet.Packet) (PacketResult, error) {
	if l.lcfg.FillFields && l.fieldInPacket() {
		v, err := l.lengthValue(len(p.Buffer) + l.lcfg.DiscardLeadingBytes)
		if err != nil {
			return PacketResult{}, err
		}
		off := l.lcfg.LengthBitOffset - l.lcfg.DiscardLeadingBytes*8
		if err := bitfield.Write(p.Buffer, off, l.lcfg.LengthBitSize, l.lcfg.LengthEndianness, v); err != nil {
			return PacketResult{}, err
		}
	}
	return l.Burst.WritePacket(p)
}

func (l *Length) WriteData(data []byte, extra map[string]any) (DataResult, error) {
	res, err := l.Burst.WriteData(data, extra)
	if err != nil || res.Signal != Continue {
		return res, err
	}
	if l.lcfg.FillFields && !l.fieldInPacket() {
		v, err := l.lengthValue(len(res.Data))
		if err != nil {
			return DataResult{}, err
		}
		if err := bitfield.Write(res.Data, l.lcfg.LengthBitOffset, l.lcfg.LengthBitSize, l.lcfg.LengthEndianness, v); err != nil {
			return DataResult{}, err
		}
	}
	return res, nil
}
