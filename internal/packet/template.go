package packet

import (
	"strconv"
	"strings"

	"github.com/danmuck/linkctl/internal/protocol/bitfield"
)

// CatchAll is the identification key of a target's fallback packet.
const CatchAll = "CATCHALL"

// Item is one named field of a packet definition.
type Item struct {
	Name       string
	BitOffset  int
	BitSize    int
	Endianness bitfield.Endianness
	ID         bool
	IDValue    uint64
}

// Template is a packet definition from the catalog.
type Template struct {
	TargetName     string
	PacketName     string
	Kind           Kind
	Length         int
	Items          []Item
	ResponseTarget string
	ResponsePacket string
	// CmdTemplate is the text sent for a command, with <ITEM> placeholders
	// filled from the command's items. RspTemplate captures <ITEM> values
	// out of the reply into the RspPacket telemetry packet, whose name may
	// hold placeholders too.
	CmdTemplate string
	RspTemplate string
	RspPacket   string
	// IdentifyFunc overrides id item matching in unique id mode.
	IdentifyFunc func(data []byte) bool
}

func (t *Template) Item(name string) (Item, bool) {
	for _, it := range t.Items {
		if strings.EqualFold(it.Name, name) {
			return it, true
		}
	}
	return Item{}, false
}

func (t *Template) IDItems() []Item {
	var out []Item
	for _, it := range t.Items {
		if it.ID {
			out = append(out, it)
		}
	}
	return out
}

// Identify reports whether data matches this definition. A definition
// without id items matches anything.
func (t *Template) Identify(data []byte) bool {
	if t.IdentifyFunc != nil {
		return t.IdentifyFunc(data)
	}
	for _, it := range t.IDItems() {
		v, err := bitfield.Read(data, it.BitOffset, it.BitSize, it.Endianness)
		if err != nil || v != it.IDValue {
			return false
		}
	}
	return true
}

// IDKey reads this definition's id item positions out of data and joins the
// values into a lookup key.
func (t *Template) IDKey(data []byte) (string, bool) {
	ids := t.IDItems()
	if len(ids) == 0 {
		return "", false
	}
	parts := make([]string, 0, len(ids))
	for _, it := range ids {
		v, err := bitfield.Read(data, it.BitOffset, it.BitSize, it.Endianness)
		if err != nil {
			return "", false
		}
		parts = append(parts, strconv.FormatUint(v, 10))
	}
	return strings.Join(parts, ","), true
}

// DefinedKey is the lookup key built from the declared id values.
func (t *Template) DefinedKey() string {
	ids := t.IDItems()
	if len(ids) == 0 {
		return CatchAll
	}
	parts := make([]string, 0, len(ids))
	for _, it := range ids {
		parts = append(parts, strconv.FormatUint(it.IDValue, 10))
	}
	return strings.Join(parts, ",")
}

// NewPacket builds an identified packet around buf.
func (t *Template) NewPacket(buf []byte) *Packet {
	p := New(buf)
	p.Identify(t)
	return p
}
