package logcodec

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/danmuck/linkctl/internal/packet"
)

type packetDecl struct {
	kind   packet.Kind
	target string
	name   string
}

// Decoder holds the declarations seen so far on one stream.
type Decoder struct {
	limits  Limits
	targets []string
	packets []packetDecl
	// keyMaps maps short JSON keys back to full keys per packet index.
	keyMaps map[uint16]map[string]string
}

func NewDecoder(limits Limits) *Decoder {
	d := &Decoder{limits: limits}
	d.Reset()
	return d
}

func (d *Decoder) Reset() {
	d.targets = nil
	d.packets = nil
	d.keyMaps = make(map[uint16]map[string]string)
}

// CheckFileHeader validates the file header at the start of buf.
func CheckFileHeader(buf []byte) error {
	if len(buf) < len(FileHeader) {
		return ErrShortEntry
	}
	if string(buf[:len(FileHeader)]) != FileHeader {
		return fmt.Errorf("%w: % X", ErrBadFileHeader, buf[:len(FileHeader)])
	}
	return nil
}

// Decode parses the entry at the start of buf. It returns ErrShortEntry
// until the whole entry is buffered. For malformed entries with a sane
// length the returned size still covers the entry so callers can skip it.
func (d *Decoder) Decode(buf []byte) (Entry, int, error) {
	if len(buf) < lengthLen {
		return Entry{}, 0, ErrShortEntry
	}
	n := binary.BigEndian.Uint32(buf[0:4])
	if n < flagsLen {
		return Entry{}, 0, fmt.Errorf("%w: length %d", ErrMalformed, n)
	}
	if d.limits.MaxEntryBytes > 0 && n > d.limits.MaxEntryBytes {
		return Entry{}, 0, fmt.Errorf("%w: %d > %d", ErrEntryTooLarge, n, d.limits.MaxEntryBytes)
	}
	total := lengthLen + int(n)
	if len(buf) < total {
		return Entry{}, 0, ErrShortEntry
	}
	flags := binary.BigEndian.Uint16(buf[4:6])
	body := buf[6:total]
	entry, err := d.decodeBody(flags, body)
	return entry, total, err
}

func (d *Decoder) decodeBody(flags uint16, body []byte) (Entry, error) {
	if flags&FlagCBOR != 0 {
		return Entry{}, ErrCBORUnsupported
	}
	entryType := flags & EntryTypeMask
	kind := kindOf(flags)
	switch entryType {
	case EntryTargetDecl:
		name, err := stripID(flags, body)
		if err != nil {
			return Entry{}, err
		}
		d.targets = append(d.targets, string(name))
		return Entry{Type: entryType, TargetName: string(name)}, nil
	case EntryPacketDecl:
		if len(body) < 2 {
			return Entry{}, fmt.Errorf("%w: short packet declaration", ErrMalformed)
		}
		ti := int(binary.BigEndian.Uint16(body[0:2]))
		if ti >= len(d.targets) {
			return Entry{}, fmt.Errorf("%w: %d", ErrUnknownTarget, ti)
		}
		name, err := stripID(flags, body[2:])
		if err != nil {
			return Entry{}, err
		}
		decl := packetDecl{kind: kind, target: d.targets[ti], name: string(name)}
		d.packets = append(d.packets, decl)
		return Entry{Type: entryType, Kind: kind, TargetName: decl.target, PacketName: decl.name}, nil
	case EntryKeyMap:
		if len(body) < 2 {
			return Entry{}, fmt.Errorf("%w: short key map", ErrMalformed)
		}
		pi := binary.BigEndian.Uint16(body[0:2])
		if int(pi) >= len(d.packets) {
			return Entry{}, fmt.Errorf("%w: %d", ErrUnknownPacket, pi)
		}
		var km map[string]string
		if err := json.Unmarshal(body[2:], &km); err != nil {
			return Entry{}, fmt.Errorf("%w: key map: %v", ErrMalformed, err)
		}
		d.keyMaps[pi] = km
		decl := d.packets[pi]
		return Entry{Type: entryType, Kind: decl.kind, TargetName: decl.target, PacketName: decl.name}, nil
	case EntryOffsetMarker:
		return Entry{Type: entryType, Marker: string(body)}, nil
	case EntryRawPacket, EntryJSONPacket:
		return d.decodePacket(flags, body)
	default:
		return Entry{}, fmt.Errorf("%w: %#04x", ErrUnknownEntryType, entryType)
	}
}

func stripID(flags uint16, b []byte) ([]byte, error) {
	if flags&FlagID == 0 {
		return b, nil
	}
	if len(b) < IDLen {
		return nil, fmt.Errorf("%w: declaration shorter than id", ErrMalformed)
	}
	return b[:len(b)-IDLen], nil
}

func fromNanos(v uint64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(v))
}

func (d *Decoder) decodePacket(flags uint16, body []byte) (Entry, error) {
	if len(body) < 10 {
		return Entry{}, fmt.Errorf("%w: short packet entry", ErrMalformed)
	}
	pi := binary.BigEndian.Uint16(body[0:2])
	if int(pi) >= len(d.packets) {
		return Entry{}, fmt.Errorf("%w: %d", ErrUnknownPacket, pi)
	}
	decl := d.packets[pi]
	e := Entry{
		Type:       flags & EntryTypeMask,
		Kind:       decl.kind,
		TargetName: decl.target,
		PacketName: decl.name,
		PacketTime: fromNanos(binary.BigEndian.Uint64(body[2:10])),
		Stored:     flags&FlagStored != 0,
	}
	rest := body[10:]
	if flags&FlagReceivedTime != 0 {
		if len(rest) < 8 {
			return Entry{}, fmt.Errorf("%w: short received time", ErrMalformed)
		}
		e.ReceivedTime = fromNanos(binary.BigEndian.Uint64(rest[0:8]))
		rest = rest[8:]
	}
	if flags&FlagExtra != 0 {
		if len(rest) < 4 {
			return Entry{}, fmt.Errorf("%w: short extra length", ErrMalformed)
		}
		n := int(binary.BigEndian.Uint32(rest[0:4]))
		rest = rest[4:]
		if len(rest) < n {
			return Entry{}, fmt.Errorf("%w: extra overruns entry", ErrMalformed)
		}
		if err := json.Unmarshal(rest[:n], &e.Extra); err != nil {
			return Entry{}, fmt.Errorf("%w: extra: %v", ErrMalformed, err)
		}
		rest = rest[n:]
	}
	if e.Type == EntryRawPacket {
		e.Data = append([]byte(nil), rest...)
		return e, nil
	}
	data, err := d.expand(pi, rest)
	if err != nil {
		return Entry{}, err
	}
	e.Data = data
	return e, nil
}

func (d *Decoder) expand(pi uint16, data []byte) ([]byte, error) {
	obj, err := decodeObject(data)
	if err != nil {
		return nil, fmt.Errorf("%w: json packet: %v", ErrMalformed, err)
	}
	km := d.keyMaps[pi]
	if len(km) == 0 {
		return append([]byte(nil), data...), nil
	}
	full := make(map[string]any, len(obj))
	for k, v := range obj {
		if name, ok := km[k]; ok {
			full[name] = v
		} else {
			full[k] = v
		}
	}
	out, err := json.Marshal(full)
	if err != nil {
		return nil, fmt.Errorf("%w: json packet: %v", ErrMalformed, err)
	}
	return out, nil
}
