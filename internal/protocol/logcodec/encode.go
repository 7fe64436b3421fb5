package logcodec

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/danmuck/linkctl/internal/packet"
)

// Record is one packet to log.
type Record struct {
	Kind         packet.Kind
	TargetName   string
	PacketName   string
	PacketTime   time.Time
	ReceivedTime time.Time
	Stored       bool
	Extra        map[string]any
	Data         []byte
}

// Encoder tracks which declarations the peer has already seen.
type Encoder struct {
	targets map[string]uint16
	packets map[packetKey]uint16
	// keyMaps maps full JSON keys to their short form per packet index.
	keyMaps map[uint16]map[string]string
}

func NewEncoder() *Encoder {
	e := &Encoder{}
	e.Reset()
	return e
}

// Reset forgets all declarations; the next entries re-declare names.
func (e *Encoder) Reset() {
	e.targets = make(map[string]uint16)
	e.packets = make(map[packetKey]uint16)
	e.keyMaps = make(map[uint16]map[string]string)
}

func buildEntry(flags uint16, parts ...[]byte) []byte {
	n := flagsLen
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, lengthLen+n)
	binary.BigEndian.PutUint32(out[0:4], uint32(n))
	binary.BigEndian.PutUint16(out[4:6], flags)
	off := lengthLen + flagsLen
	for _, p := range parts {
		off += copy(out[off:], p)
	}
	return out
}

func u16(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func nanos(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.UnixNano())
}

// declare returns the declaration entries still owed to the peer and the
// packet index for the record.
func (e *Encoder) declare(kind packet.Kind, target, name string) ([][]byte, uint16, error) {
	var out [][]byte
	ti, ok := e.targets[target]
	if !ok {
		if len(e.targets) >= math.MaxUint16 {
			return nil, 0, ErrTooManyDecls
		}
		ti = uint16(len(e.targets))
		e.targets[target] = ti
		out = append(out, buildEntry(EntryTargetDecl, []byte(target)))
	}
	key := packetKey{kind: kind, target: target, name: name}
	pi, ok := e.packets[key]
	if !ok {
		if len(e.packets) >= math.MaxUint16 {
			return nil, 0, ErrTooManyDecls
		}
		pi = uint16(len(e.packets))
		e.packets[key] = pi
		out = append(out, buildEntry(EntryPacketDecl|kindFlag(kind), u16(ti), []byte(name)))
	}
	return out, pi, nil
}

func (e *Encoder) packetEntry(entryType uint16, r Record, pi uint16, data []byte) ([]byte, error) {
	flags := entryType | kindFlag(r.Kind)
	parts := [][]byte{u16(pi), u64(nanos(r.PacketTime))}
	if r.Stored {
		flags |= FlagStored
	}
	if !r.ReceivedTime.IsZero() {
		flags |= FlagReceivedTime
		parts = append(parts, u64(nanos(r.ReceivedTime)))
	}
	if len(r.Extra) > 0 {
		extra, err := json.Marshal(r.Extra)
		if err != nil {
			return nil, fmt.Errorf("logcodec: encode extra: %w", err)
		}
		flags |= FlagExtra
		parts = append(parts, u32(uint32(len(extra))), extra)
	}
	parts = append(parts, data)
	return buildEntry(flags, parts...), nil
}

// EncodeRaw returns the entries for a binary packet, declarations first.
func (e *Encoder) EncodeRaw(r Record) ([][]byte, error) {
	out, pi, err := e.declare(r.Kind, r.TargetName, r.PacketName)
	if err != nil {
		return nil, err
	}
	entry, err := e.packetEntry(EntryRawPacket, r, pi, r.Data)
	if err != nil {
		return nil, err
	}
	return append(out, entry), nil
}

// EncodeJSON returns the entries for a packet whose Data is a JSON object.
// The first record of each packet also emits its key map.
func (e *Encoder) EncodeJSON(r Record) ([][]byte, error) {
	obj, err := decodeObject(r.Data)
	if err != nil {
		return nil, err
	}
	out, pi, err := e.declare(r.Kind, r.TargetName, r.PacketName)
	if err != nil {
		return nil, err
	}
	km, ok := e.keyMaps[pi]
	if !ok {
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		km = make(map[string]string, len(keys))
		wire := make(map[string]string, len(keys))
		for i, k := range keys {
			short := strconv.Itoa(i)
			km[k] = short
			wire[short] = k
		}
		raw, err := json.Marshal(wire)
		if err != nil {
			return nil, fmt.Errorf("logcodec: encode key map: %w", err)
		}
		e.keyMaps[pi] = km
		out = append(out, buildEntry(EntryKeyMap|kindFlag(r.Kind), u16(pi), raw))
	}
	compact := make(map[string]any, len(obj))
	for k, v := range obj {
		if short, ok := km[k]; ok {
			compact[short] = v
		} else {
			compact[k] = v
		}
	}
	data, err := json.Marshal(compact)
	if err != nil {
		return nil, fmt.Errorf("logcodec: encode json packet: %w", err)
	}
	entry, err := e.packetEntry(EntryJSONPacket, r, pi, data)
	if err != nil {
		return nil, err
	}
	return append(out, entry), nil
}

// EncodeMarker builds an offset marker entry.
func EncodeMarker(marker string) []byte {
	return buildEntry(EntryOffsetMarker, []byte(marker))
}

func decodeObject(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return nil, ErrJSONPayloadNotMap
	}
	return obj, nil
}
