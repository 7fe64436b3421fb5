package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/linkctl/internal/packet"
	"github.com/danmuck/linkctl/internal/protocol/logcodec"
)

const (
	PreidentifiedLegacy = "legacy"
	PreidentifiedEntry  = "entry"

	PreidentifiedRaw  = "raw"
	PreidentifiedJSON = "json"

	// LegacyFileHeader starts the 128 byte header of legacy log files.
	LegacyFileHeader    = "LINKLOG4"
	LegacyFileHeaderLen = 128

	legacyFlagStored byte = 0x80
	legacyFlagExtra  byte = 0x40

	unknownName = "UNKNOWN"
)

type PreidentifiedConfig struct {
	SyncPattern HexBytes `toml:"sync_pattern"`
	// MaxLength caps the payload size, 0 disables the check.
	MaxLength int    `toml:"max_length"`
	Mode      string `toml:"mode"`
	// File expects a file header before the first entry.
	File bool `toml:"file"`
	// Format selects how entry mode writes payloads.
	Format         string `toml:"format"`
	AllowEmptyData *bool  `toml:"allow_empty_data"`
}

func DefaultPreidentifiedConfig() PreidentifiedConfig {
	return PreidentifiedConfig{Mode: PreidentifiedEntry, Format: PreidentifiedRaw}
}

func (c *PreidentifiedConfig) normalize() error {
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	if c.Mode == "" {
		c.Mode = PreidentifiedEntry
	}
	if c.Mode != PreidentifiedEntry && c.Mode != PreidentifiedLegacy {
		return fmt.Errorf("%w: unknown preidentified mode %q", ErrInvalidConfig, c.Mode)
	}
	c.Format = strings.ToLower(strings.TrimSpace(c.Format))
	if c.Format == "" {
		c.Format = PreidentifiedRaw
	}
	if c.Format != PreidentifiedRaw && c.Format != PreidentifiedJSON {
		return fmt.Errorf("%w: unknown preidentified format %q", ErrInvalidConfig, c.Format)
	}
	if c.Format == PreidentifiedJSON && c.Mode == PreidentifiedLegacy {
		return fmt.Errorf("%w: json format requires entry mode", ErrInvalidConfig)
	}
	if c.MaxLength < 0 {
		return fmt.Errorf("%w: max_length must be >= 0", ErrInvalidConfig)
	}
	return nil
}

// legacyState is the position of the legacy parser inside one entry.
type legacyState int

const (
	legacyStart legacyState = iota
	legacySyncRemoved
	legacyNeedExtra
	legacyFlagsRemoved
	legacyTimeRemoved
	legacyTargetRemoved
	legacyPacketRemoved
)

// framed is the identity carried by the entry that produced the last packet.
type framed struct {
	kind         packet.Kind
	target       string
	name         string
	packetTime   time.Time
	receivedTime time.Time
	stored       bool
	extra        map[string]any
}

// Preidentified frames packets that carry their own identity, either in the
// legacy fixed layout or as log codec entries.
type Preidentified struct {
	Burst
	pcfg PreidentifiedConfig

	header        []byte
	headerPending bool
	headerWritten bool
	filename      string

	state legacyState
	cur   framed

	decoder *logcodec.Decoder
	encoder *logcodec.Encoder

	ready   *framed
	writing *logcodec.Record
}

func NewPreidentified(cfg PreidentifiedConfig) (*Preidentified, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	p := &Preidentified{
		pcfg:    cfg,
		decoder: logcodec.NewDecoder(logcodec.DefaultLimits()),
		encoder: logcodec.NewEncoder(),
	}
	reduce := p.reduceEntry
	if cfg.Mode == PreidentifiedLegacy {
		reduce = p.reduceLegacy
	}
	p.init("preidentified", BurstConfig{SyncPattern: cfg.SyncPattern, AllowEmptyData: cfg.AllowEmptyData}, reduce)
	p.headerPending = cfg.File
	return p, nil
}

func (p *Preidentified) headerLen() int {
	if p.pcfg.Mode == PreidentifiedLegacy {
		return LegacyFileHeaderLen
	}
	return len(logcodec.FileHeader)
}

func (p *Preidentified) headerMagic() string {
	if p.pcfg.Mode == PreidentifiedLegacy {
		return LegacyFileHeader
	}
	return logcodec.FileHeader
}

func (p *Preidentified) reset() {
	p.Burst.reset()
	p.header = nil
	p.headerPending = p.pcfg.File
	p.headerWritten = false
	p.filename = ""
	p.state = legacyStart
	p.cur = framed{}
	p.ready = nil
	p.writing = nil
	p.decoder.Reset()
	p.encoder.Reset()
}

func (p *Preidentified) ConnectReset() { p.reset() }

func (p *Preidentified) DisconnectReset() { p.reset() }

func (p *Preidentified) ReadData(data []byte, extra map[string]any) (DataResult, error) {
	if p.pcfg.File {
		if raw, ok := extra["filename"]; ok {
			name := fmt.Sprint(raw)
			if p.filename != "" && name != p.filename {
				p.Log().Info().Str("from", p.filename).Str("to", name).Msg("input file changed, restarting parse")
				p.reset()
			}
			p.filename = name
		}
		if p.headerPending {
			p.header = append(p.header, data...)
			if len(p.header) < p.headerLen() {
				if len(data) == 0 {
					return p.HandleEmpty(data, extra), nil
				}
				return StopData(), nil
			}
			buf := p.header
			p.header = nil
			p.headerPending = false
			if string(buf[:len(p.headerMagic())]) == p.headerMagic() {
				data = buf[p.headerLen():]
			} else {
				p.Log().Error().Hex("head", head(buf, 16)).Msg("file header missing, parsing from first byte")
				data = buf
			}
		}
	}
	return p.Burst.ReadData(data, extra)
}

// corrupt resyncs on a bad entry when a sync pattern can find the next one.
func (p *Preidentified) corrupt(err error) ([]byte, int, reduceOutcome, error) {
	p.state = legacyStart
	p.cur = framed{}
	if len(p.pcfg.SyncPattern) > 0 {
		p.Log().Error().Err(err).Msg("bad entry, resyncing")
		return nil, 0, reduceResync, nil
	}
	return nil, 0, reduceStop, err
}

func (p *Preidentified) reduceEntry(buf []byte) ([]byte, int, reduceOutcome, error) {
	n := len(p.pcfg.SyncPattern)
	if len(buf) < n {
		return nil, 0, reduceStop, nil
	}
	e, size, err := p.decoder.Decode(buf[n:])
	switch {
	case errors.Is(err, logcodec.ErrShortEntry):
		return nil, 0, reduceStop, nil
	case err != nil && size > 0:
		p.Log().Warn().Err(err).Int("bytes", size).Msg("skipping undecodable entry")
		return nil, n + size, reduceSkip, nil
	case err != nil:
		return p.corrupt(fmt.Errorf("%w: %v", ErrMalformedEntry, err))
	}
	if !e.IsPacket() {
		return nil, n + size, reduceSkip, nil
	}
	if p.pcfg.MaxLength > 0 && len(e.Data) > p.pcfg.MaxLength {
		p.Log().Error().Int("length", len(e.Data)).Int("max", p.pcfg.MaxLength).Str("packet", e.TargetName+" "+e.PacketName).Msg("entry larger than max_length, skipping")
		return nil, n + size, reduceSkip, nil
	}
	p.ready = &framed{
		kind:         e.Kind,
		target:       e.TargetName,
		name:         e.PacketName,
		packetTime:   e.PacketTime,
		receivedTime: e.ReceivedTime,
		stored:       e.Stored,
		extra:        e.Extra,
	}
	return e.Data, n + size, reducePacket, nil
}

// reduceLegacy runs the legacy state machine. Each transition consumes its
// field from the stage buffer only once the whole field is present.
func (p *Preidentified) reduceLegacy(_ []byte) ([]byte, int, reduceOutcome, error) {
	for {
		var ok bool
		var err error
		switch p.state {
		case legacyStart:
			ok = p.removeSync()
		case legacySyncRemoved:
			ok = p.removeFlags()
		case legacyNeedExtra:
			ok, err = p.removeExtra()
		case legacyFlagsRemoved:
			ok = p.removeTime()
		case legacyTimeRemoved:
			ok, err = p.removeName(&p.cur.target, legacyTargetRemoved)
		case legacyTargetRemoved:
			ok, err = p.removeName(&p.cur.name, legacyPacketRemoved)
		case legacyPacketRemoved:
			data, done, err := p.removeData()
			if err != nil {
				return p.corrupt(err)
			}
			if !done {
				return nil, 0, reduceStop, nil
			}
			cur := p.cur
			p.ready = &cur
			p.state = legacyStart
			p.cur = framed{}
			return data, 0, reducePacket, nil
		}
		if err != nil {
			return p.corrupt(err)
		}
		if !ok {
			return nil, 0, reduceStop, nil
		}
	}
}

func (p *Preidentified) removeSync() bool {
	n := len(p.pcfg.SyncPattern)
	if p.buf.Len() < n {
		return false
	}
	p.buf.Next(n)
	p.state = legacySyncRemoved
	return true
}

func (p *Preidentified) removeFlags() bool {
	if p.buf.Len() < 1 {
		return false
	}
	flags := p.buf.Next(1)[0]
	p.cur.kind = packet.Telemetry
	p.cur.stored = flags&legacyFlagStored != 0
	if flags&legacyFlagExtra != 0 {
		p.state = legacyNeedExtra
	} else {
		p.state = legacyFlagsRemoved
	}
	return true
}

func (p *Preidentified) removeExtra() (bool, error) {
	buf := p.buf.Bytes()
	if len(buf) < 4 {
		return false, nil
	}
	n := int(binary.BigEndian.Uint32(buf[0:4]))
	if p.pcfg.MaxLength > 0 && n > p.pcfg.MaxLength {
		return false, fmt.Errorf("%w: extra length %d", ErrPacketTooLarge, n)
	}
	if len(buf) < 4+n {
		return false, nil
	}
	var extra map[string]any
	if err := json.Unmarshal(buf[4:4+n], &extra); err != nil {
		return false, fmt.Errorf("%w: extra: %v", ErrMalformedEntry, err)
	}
	p.buf.Next(4 + n)
	p.cur.extra = extra
	p.state = legacyFlagsRemoved
	return true, nil
}

func (p *Preidentified) removeTime() bool {
	buf := p.buf.Bytes()
	if len(buf) < 8 {
		return false
	}
	sec := binary.BigEndian.Uint32(buf[0:4])
	usec := binary.BigEndian.Uint32(buf[4:8])
	p.buf.Next(8)
	// The legacy layout has one timestamp: when the packet was received.
	// Packet time falls back to it.
	ts := time.Unix(int64(sec), int64(usec)*int64(time.Microsecond))
	p.cur.receivedTime = ts
	p.cur.packetTime = ts
	p.state = legacyTimeRemoved
	return true
}

func (p *Preidentified) removeName(dst *string, next legacyState) (bool, error) {
	buf := p.buf.Bytes()
	if len(buf) < 1 {
		return false, nil
	}
	n := int(buf[0])
	if len(buf) < 1+n {
		return false, nil
	}
	*dst = string(buf[1 : 1+n])
	p.buf.Next(1 + n)
	p.state = next
	return true, nil
}

func (p *Preidentified) removeData() ([]byte, bool, error) {
	buf := p.buf.Bytes()
	if len(buf) < 4 {
		return nil, false, nil
	}
	n := int(binary.BigEndian.Uint32(buf[0:4]))
	if p.pcfg.MaxLength > 0 && n > p.pcfg.MaxLength {
		return nil, false, fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, n, p.pcfg.MaxLength)
	}
	if len(buf) < 4+n {
		return nil, false, nil
	}
	data := append([]byte(nil), buf[4:4+n]...)
	p.buf.Next(4 + n)
	return data, true, nil
}

// ReadPacket stamps the identity carried by the entry.
func (p *Preidentified) ReadPacket(pkt *packet.Packet) (PacketResult, error) {
	r := p.ready
	p.ready = nil
	if r == nil {
		return Pass(pkt), nil
	}
	pkt.TargetName = r.target
	pkt.PacketName = r.name
	pkt.Template = nil
	if c := p.Catalog(); c != nil {
		if t, ok := c.Template(r.target, r.name, r.kind); ok {
			pkt.Template = t
		}
	}
	pkt.PacketTime = r.packetTime
	pkt.ReceivedTime = r.receivedTime
	if pkt.ReceivedTime.IsZero() {
		pkt.ReceivedTime = time.Now()
	}
	pkt.Stored = r.stored
	if len(r.extra) > 0 {
		if pkt.Extra == nil {
			pkt.Extra = make(map[string]any, len(r.extra))
		}
		for k, v := range r.extra {
			pkt.Extra[k] = v
		}
	}
	return Pass(pkt), nil
}

// WritePacket records the identity for the entry built in WriteData.
func (p *Preidentified) WritePacket(pkt *packet.Packet) (PacketResult, error) {
	kind := packet.Telemetry
	if pkt.Template != nil {
		kind = pkt.Template.Kind
	}
	p.writing = &logcodec.Record{
		Kind:         kind,
		TargetName:   pkt.TargetName,
		PacketName:   pkt.PacketName,
		PacketTime:   pkt.PacketTime,
		ReceivedTime: pkt.ReceivedTime,
		Stored:       pkt.Stored,
		Extra:        pkt.Extra,
	}
	return Pass(pkt), nil
}

func (p *Preidentified) WriteData(data []byte, extra map[string]any) (DataResult, error) {
	rec := logcodec.Record{}
	if p.writing != nil {
		rec = *p.writing
		p.writing = nil
	}
	if rec.TargetName == "" {
		rec.TargetName = unknownName
	}
	if rec.PacketName == "" {
		rec.PacketName = unknownName
	}
	if rec.PacketTime.IsZero() {
		rec.PacketTime = time.Now()
	}
	rec.Data = data
	if p.pcfg.MaxLength > 0 && len(data) > p.pcfg.MaxLength {
		return DataResult{}, fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, len(data), p.pcfg.MaxLength)
	}

	var out bytes.Buffer
	if p.pcfg.File && !p.headerWritten {
		hdr := make([]byte, p.headerLen())
		copy(hdr, p.headerMagic())
		out.Write(hdr)
		p.headerWritten = true
	}
	if p.pcfg.Mode == PreidentifiedLegacy {
		if err := p.writeLegacy(&out, rec); err != nil {
			return DataResult{}, err
		}
		return Emit(out.Bytes(), extra), nil
	}

	var entries [][]byte
	var err error
	if p.pcfg.Format == PreidentifiedJSON {
		entries, err = p.encoder.EncodeJSON(rec)
	} else {
		entries, err = p.encoder.EncodeRaw(rec)
	}
	if err != nil {
		return DataResult{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	for _, e := range entries {
		out.Write(p.pcfg.SyncPattern)
		out.Write(e)
	}
	return Emit(out.Bytes(), extra), nil
}

func (p *Preidentified) writeLegacy(out *bytes.Buffer, rec logcodec.Record) error {
	if len(rec.TargetName) > 255 || len(rec.PacketName) > 255 {
		return fmt.Errorf("%w: names longer than 255 bytes", ErrInvalidConfig)
	}
	out.Write(p.pcfg.SyncPattern)
	var flags byte
	if rec.Stored {
		flags |= legacyFlagStored
	}
	var extra []byte
	if len(rec.Extra) > 0 {
		raw, err := json.Marshal(rec.Extra)
		if err != nil {
			return fmt.Errorf("%w: extra: %v", ErrInvalidConfig, err)
		}
		extra = raw
		flags |= legacyFlagExtra
	}
	out.WriteByte(flags)
	var word [4]byte
	if extra != nil {
		binary.BigEndian.PutUint32(word[:], uint32(len(extra)))
		out.Write(word[:])
		out.Write(extra)
	}
	received := rec.ReceivedTime
	if received.IsZero() {
		received = time.Now()
	}
	binary.BigEndian.PutUint32(word[:], uint32(received.Unix()))
	out.Write(word[:])
	binary.BigEndian.PutUint32(word[:], uint32(received.Nanosecond()/int(time.Microsecond)))
	out.Write(word[:])
	out.WriteByte(byte(len(rec.TargetName)))
	out.WriteString(rec.TargetName)
	out.WriteByte(byte(len(rec.PacketName)))
	out.WriteString(rec.PacketName)
	binary.BigEndian.PutUint32(word[:], uint32(len(rec.Data)))
	out.Write(word[:])
	out.Write(rec.Data)
	return nil
}
