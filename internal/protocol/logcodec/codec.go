// Package logcodec encodes and decodes packet log entries.
//
// A stream is an optional 8 byte file header followed by entries:
//
//	u32 length   bytes that follow the length field
//	u16 flags    entry type in the high nibble plus flag bits
//	...          type specific body
//
// Target and packet names are declared once and then referenced by index.
// JSON packets may be compacted through a per-packet key map entry.
package logcodec

import (
	"errors"
	"time"

	"github.com/danmuck/linkctl/internal/packet"
)

const (
	FileHeader = "LINKLOG5"

	EntryTypeMask     uint16 = 0xF000
	EntryTargetDecl   uint16 = 0x1000
	EntryPacketDecl   uint16 = 0x2000
	EntryRawPacket    uint16 = 0x3000
	EntryJSONPacket   uint16 = 0x4000
	EntryOffsetMarker uint16 = 0x5000
	EntryKeyMap       uint16 = 0x6000

	FlagCmd          uint16 = 0x0800
	FlagStored       uint16 = 0x0400
	FlagID           uint16 = 0x0200
	FlagCBOR         uint16 = 0x0100
	FlagExtra        uint16 = 0x0080
	FlagReceivedTime uint16 = 0x0040

	// IDLen is the size of the definition hash carried by declarations
	// with FlagID set.
	IDLen = 32

	lengthLen = 4
	flagsLen  = 2
)

var (
	ErrShortEntry        = errors.New("logcodec: incomplete entry")
	ErrEntryTooLarge     = errors.New("logcodec: entry too large")
	ErrMalformed         = errors.New("logcodec: malformed entry")
	ErrUnknownEntryType  = errors.New("logcodec: unknown entry type")
	ErrUnknownTarget     = errors.New("logcodec: undeclared target index")
	ErrUnknownPacket     = errors.New("logcodec: undeclared packet index")
	ErrCBORUnsupported   = errors.New("logcodec: cbor payloads are not supported")
	ErrBadFileHeader     = errors.New("logcodec: bad file header")
	ErrTooManyDecls      = errors.New("logcodec: declaration table full")
	ErrJSONPayloadNotMap = errors.New("logcodec: json payload must be an object")
)

// Entry is one decoded log entry. Packet fields are only set for raw and
// JSON packet entries.
type Entry struct {
	Type         uint16
	Kind         packet.Kind
	TargetName   string
	PacketName   string
	PacketTime   time.Time
	ReceivedTime time.Time
	Stored       bool
	Extra        map[string]any
	Data         []byte
	Marker       string
}

func (e Entry) IsPacket() bool {
	return e.Type == EntryRawPacket || e.Type == EntryJSONPacket
}

// Limits constrains decode memory use.
type Limits struct {
	MaxEntryBytes uint32
}

func DefaultLimits() Limits {
	return Limits{MaxEntryBytes: 16 * 1024 * 1024}
}

type packetKey struct {
	kind   packet.Kind
	target string
	name   string
}

func kindFlag(k packet.Kind) uint16 {
	if k == packet.Command {
		return FlagCmd
	}
	return 0
}

func kindOf(flags uint16) packet.Kind {
	if flags&FlagCmd != 0 {
		return packet.Command
	}
	return packet.Telemetry
}
