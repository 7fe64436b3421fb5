package protocol

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/danmuck/linkctl/internal/observability"
	"github.com/danmuck/linkctl/internal/packet"
	"github.com/danmuck/linkctl/internal/protocol/bitfield"
	"github.com/danmuck/linkctl/internal/protocol/crc"
)

const (
	BadCRCError      = "ERROR"
	BadCRCDisconnect = "DISCONNECT"
)

type CRCConfig struct {
	// WriteItemName names a packet item that receives the CRC on write.
	// Without it the CRC is appended to the outgoing bytes.
	WriteItemName  string              `toml:"write_item_name"`
	StripCRC       bool                `toml:"strip_crc"`
	BadStrategy    string              `toml:"bad_strategy"`
	BitOffset      int                 `toml:"bit_offset"`
	BitSize        int                 `toml:"bit_size"`
	Endianness     bitfield.Endianness `toml:"endianness"`
	Poly           HexBytes            `toml:"poly"`
	Seed           HexBytes            `toml:"seed"`
	Xor            *bool               `toml:"xor"`
	Reflect        *bool               `toml:"reflect"`
	AllowEmptyData *bool               `toml:"allow_empty_data"`
}

func DefaultCRCConfig() CRCConfig {
	return CRCConfig{BadStrategy: BadCRCError, BitOffset: -32, BitSize: 32}
}

func hexUint(h HexBytes) (uint64, error) {
	if len(h) > 8 {
		return 0, fmt.Errorf("%w: value wider than 64 bits", ErrInvalidConfig)
	}
	var buf [8]byte
	copy(buf[8-len(h):], h)
	return binary.BigEndian.Uint64(buf[:]), nil
}

func (c CRCConfig) params() (crc.Params, error) {
	if c.BitOffset%8 != 0 {
		return crc.Params{}, fmt.Errorf("%w: bit_offset %d must be divisible by 8", ErrInvalidConfig, c.BitOffset)
	}
	p, err := crc.Defaults(c.BitSize)
	if err != nil {
		return crc.Params{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if len(c.Poly) > 0 {
		if p.Poly, err = hexUint(c.Poly); err != nil {
			return crc.Params{}, err
		}
	}
	if len(c.Seed) > 0 {
		if p.Seed, err = hexUint(c.Seed); err != nil {
			return crc.Params{}, err
		}
	}
	if c.Xor != nil {
		p.Xor = *c.Xor
	}
	if c.Reflect != nil {
		p.Reflect = *c.Reflect
	}
	return p, nil
}

// CRC validates an embedded checksum on read and fills it on write.
type CRC struct {
	Base
	cfg        CRCConfig
	engine     *crc.Engine
	disconnect bool
}

func NewCRC(cfg CRCConfig) (*CRC, error) {
	strategy := strings.ToUpper(strings.TrimSpace(cfg.BadStrategy))
	switch strategy {
	case "", BadCRCError:
		strategy = BadCRCError
	case BadCRCDisconnect:
	default:
		return nil, fmt.Errorf("%w: bad_strategy must be ERROR or DISCONNECT, got %q", ErrInvalidConfig, cfg.BadStrategy)
	}
	cfg.BadStrategy = strategy
	p, err := cfg.params()
	if err != nil {
		return nil, err
	}
	if err := bitfield.CheckLayout(cfg.BitOffset, cfg.BitSize, cfg.Endianness); err != nil {
		return nil, fmt.Errorf("%w: crc field: %v", ErrInvalidConfig, err)
	}
	engine, err := crc.New(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return &CRC{
		Base:       NewBase("crc", cfg.AllowEmptyData),
		cfg:        cfg,
		engine:     engine,
		disconnect: strategy == BadCRCDisconnect,
	}, nil
}

// bad records a failed check and reports whether to disconnect.
func (c *CRC) bad() bool {
	observability.RecordCRCError(c.InterfaceName())
	return c.disconnect
}

func (c *CRC) ReadData(data []byte, extra map[string]any) (DataResult, error) {
	if len(data) == 0 {
		return c.HandleEmpty(data, extra), nil
	}
	off := bitfield.Resolve(c.cfg.BitOffset, len(data))
	if off < 0 || off+c.cfg.BitSize > len(data)*8 {
		c.Log().Error().Int("bytes", len(data)).Msg("packet too short to hold crc")
		if c.bad() {
			return DisconnectData(), nil
		}
		return Emit(data, extra), nil
	}
	found, err := bitfield.Read(data, c.cfg.BitOffset, c.cfg.BitSize, c.cfg.Endianness)
	if err != nil {
		return DataResult{}, err
	}
	end := off / 8
	calculated := c.engine.Calc(data[:end])
	if calculated != found {
		c.Log().Error().
			Str("calculated", fmt.Sprintf("%#x", calculated)).
			Str("found", fmt.Sprintf("%#x", found)).
			Msg("invalid crc detected")
		if c.bad() {
			return DisconnectData(), nil
		}
	}
	if c.cfg.StripCRC {
		out := make([]byte, 0, len(data)-c.cfg.BitSize/8)
		out = append(out, data[:end]...)
		out = append(out, data[end+c.cfg.BitSize/8:]...)
		return Emit(out, extra), nil
	}
	return Emit(data, extra), nil
}

func (c *CRC) WritePacket(p *packet.Packet) (PacketResult, error) {
	if c.cfg.WriteItemName == "" {
		return Pass(p), nil
	}
	item, err := p.ItemDef(c.cfg.WriteItemName)
	if err != nil {
		return PacketResult{}, err
	}
	end := bitfield.Resolve(item.BitOffset, len(p.Buffer)) / 8
	if end < 0 || end > len(p.Buffer) {
		return PacketResult{}, fmt.Errorf("%w: crc item %s outside packet", ErrInvalidConfig, item.Name)
	}
	if err := p.WriteItem(c.cfg.WriteItemName, c.engine.Calc(p.Buffer[:end])); err != nil {
		return PacketResult{}, err
	}
	return Pass(p), nil
}

func (c *CRC) WriteData(data []byte, extra map[string]any) (DataResult, error) {
	if c.cfg.WriteItemName != "" {
		return Emit(data, extra), nil
	}
	sum := c.engine.Calc(data)
	out := make([]byte, len(data)+c.cfg.BitSize/8)
	copy(out, data)
	if err := bitfield.Write(out, -c.cfg.BitSize, c.cfg.BitSize, c.cfg.Endianness, sum); err != nil {
		return DataResult{}, err
	}
	return Emit(out, extra), nil
}
