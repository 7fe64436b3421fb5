package protocol

import (
	"bytes"
	"fmt"

	"github.com/danmuck/linkctl/internal/observability"
	"github.com/danmuck/linkctl/internal/packet"
)

// BurstConfig is shared by every stream framing stage.
type BurstConfig struct {
	DiscardLeadingBytes int      `toml:"discard_leading_bytes"`
	SyncPattern         HexBytes `toml:"sync_pattern"`
	FillFields          bool     `toml:"fill_fields"`
	AllowEmptyData      *bool    `toml:"allow_empty_data"`
}

func (c BurstConfig) validate() error {
	if c.DiscardLeadingBytes < 0 {
		return fmt.Errorf("%w: discard_leading_bytes must be >= 0", ErrInvalidConfig)
	}
	return nil
}

type reduceOutcome int

const (
	reducePacket reduceOutcome = iota
	reduceStop
	reduceResync
	reduceDisconnect
	// reduceSkip consumes bytes that carry no packet and searches again.
	reduceSkip
)

// reduceFunc carves one packet from the front of buf. On reducePacket it
// returns the packet bytes and how many buffered bytes they consumed.
type reduceFunc func(buf []byte) (pkt []byte, consumed int, outcome reduceOutcome, err error)

// Burst accumulates bytes, optionally hunts for a sync pattern and hands the
// synced buffer to a reducer. On its own it emits everything buffered as one
// packet.
type Burst struct {
	Base
	cfg    BurstConfig
	buf    bytes.Buffer
	synced bool
	extra  map[string]any
	reduce reduceFunc
}

func NewBurst(cfg BurstConfig) (*Burst, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	b := &Burst{}
	b.init("burst", cfg, nil)
	return b, nil
}

func (b *Burst) init(kind string, cfg BurstConfig, reduce reduceFunc) {
	b.Base = NewBase(kind, cfg.AllowEmptyData)
	b.cfg = cfg
	b.reduce = reduce
	if b.reduce == nil {
		b.reduce = reduceAll
	}
}

func reduceAll(buf []byte) ([]byte, int, reduceOutcome, error) {
	if len(buf) == 0 {
		return nil, 0, reduceStop, nil
	}
	return buf, len(buf), reducePacket, nil
}

// Buffered reports how many bytes are waiting in the stage.
func (b *Burst) Buffered() int { return b.buf.Len() }

func (b *Burst) reset() {
	b.buf.Reset()
	b.synced = false
	b.extra = nil
}

func (b *Burst) ConnectReset() { b.reset() }

func (b *Burst) DisconnectReset() { b.reset() }

func (b *Burst) ReadData(data []byte, extra map[string]any) (DataResult, error) {
	b.buf.Write(data)
	if len(data) > 0 || extra != nil {
		b.extra = extra
	}
	for {
		if !b.syncSearch() {
			if len(data) == 0 {
				return b.HandleEmpty(data, extra), nil
			}
			return StopData(), nil
		}

		pkt, consumed, outcome, err := b.reduce(b.buf.Bytes())
		if err != nil {
			return DataResult{}, err
		}
		switch outcome {
		case reducePacket:
			out := append([]byte(nil), pkt...)
			b.buf.Next(consumed)
			b.synced = false
			if b.cfg.DiscardLeadingBytes > 0 {
				if len(out) < b.cfg.DiscardLeadingBytes {
					out = out[:0]
				} else {
					out = out[b.cfg.DiscardLeadingBytes:]
				}
			}
			return Emit(out, b.extra), nil
		case reduceSkip:
			b.buf.Next(consumed)
			b.synced = false
			continue
		case reduceResync:
			b.resync()
			if len(data) > 0 {
				continue
			}
			return b.HandleEmpty(data, extra), nil
		case reduceDisconnect:
			return DisconnectData(), nil
		default:
			if len(data) == 0 {
				return b.HandleEmpty(data, extra), nil
			}
			return StopData(), nil
		}
	}
}

// syncSearch reports whether the buffer starts at a packet boundary,
// discarding bytes that precede the sync pattern.
func (b *Burst) syncSearch() bool {
	pattern := b.cfg.SyncPattern
	if len(pattern) == 0 || b.synced {
		return true
	}
	for {
		buf := b.buf.Bytes()
		if len(buf) < len(pattern) {
			return false
		}
		idx := bytes.IndexByte(buf, pattern[0])
		if idx < 0 {
			b.discard(len(buf), false)
			return false
		}
		if len(buf) < idx+len(pattern) {
			return false
		}
		if bytes.Equal(buf[idx:idx+len(pattern)], pattern) {
			if idx > 0 {
				b.discard(idx, true)
			}
			b.synced = true
			return true
		}
		b.discard(idx+1, false)
	}
}

// resync drops one byte so the next search moves past the bad boundary.
func (b *Burst) resync() {
	b.synced = false
	if b.buf.Len() > 0 {
		b.discard(1, false)
	}
}

func (b *Burst) discard(n int, found bool) {
	head := b.buf.Bytes()
	if len(head) > 6 {
		head = head[:6]
	}
	ev := b.Log().Warn().Int("bytes", n).Hex("head", head)
	if found {
		ev.Msg("sync found, discarding leading bytes")
	} else {
		ev.Msg("sync not found, discarding bytes")
	}
	observability.RecordSyncDiscard(b.InterfaceName(), n)
	b.buf.Next(n)
}

// WritePacket fills the sync pattern when it is part of the packet itself.
func (b *Burst) WritePacket(p *packet.Packet) (PacketResult, error) {
	if b.cfg.FillFields && len(b.cfg.SyncPattern) > 0 && b.cfg.DiscardLeadingBytes == 0 {
		if len(p.Buffer) < len(b.cfg.SyncPattern) {
			return PacketResult{}, fmt.Errorf("%w: packet shorter than sync pattern", ErrInvalidConfig)
		}
		copy(p.Buffer, b.cfg.SyncPattern)
	}
	return Pass(p), nil
}

// WriteData restores the discarded prefix (with the sync pattern at its
// start) when fill_fields is set.
func (b *Burst) WriteData(data []byte, extra map[string]any) (DataResult, error) {
	if b.cfg.FillFields && b.cfg.DiscardLeadingBytes > 0 {
		out := make([]byte, b.cfg.DiscardLeadingBytes, b.cfg.DiscardLeadingBytes+len(data))
		copy(out, b.cfg.SyncPattern)
		data = append(out, data...)
	}
	return Emit(data, extra), nil
}
