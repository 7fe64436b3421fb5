package protocol

import (
	"fmt"
	"strings"

	"github.com/danmuck/linkctl/internal/packet"
)

// Signal is the control outcome of a stage hook.
type Signal int

const (
	Continue Signal = iota
	Stop
	Disconnect
)

func (s Signal) String() string {
	switch s {
	case Continue:
		return "CONTINUE"
	case Stop:
		return "STOP"
	case Disconnect:
		return "DISCONNECT"
	default:
		return fmt.Sprintf("Signal(%d)", int(s))
	}
}

// DataResult is returned by byte level hooks. Data and Extra are only
// meaningful when Signal is Continue.
type DataResult struct {
	Signal Signal
	Data   []byte
	Extra  map[string]any
}

func Emit(data []byte, extra map[string]any) DataResult {
	return DataResult{Signal: Continue, Data: data, Extra: extra}
}

func StopData() DataResult { return DataResult{Signal: Stop} }

func DisconnectData() DataResult { return DataResult{Signal: Disconnect} }

// PacketResult is returned by packet level hooks.
type PacketResult struct {
	Signal Signal
	Packet *packet.Packet
}

func Pass(p *packet.Packet) PacketResult {
	return PacketResult{Signal: Continue, Packet: p}
}

func StopPacket() PacketResult { return PacketResult{Signal: Stop} }

func DisconnectPacket() PacketResult { return PacketResult{Signal: Disconnect} }

// Host is the link a stage is attached to.
type Host interface {
	Name() string
	// Catalog may be nil when the link runs without packet definitions.
	Catalog() packet.Catalog
	TargetNames(kind packet.Kind) []string
}

// Stage is one element of a link's protocol chain. Hooks never run
// concurrently for the same direction; the read hooks run on the reader
// path and the write hooks under the link's write lock.
type Stage interface {
	// Attach binds the stage to its host. lastReader is true when the stage
	// is the final element of the read chain.
	Attach(host Host, lastReader bool)
	ReadData(data []byte, extra map[string]any) (DataResult, error)
	ReadPacket(p *packet.Packet) (PacketResult, error)
	WritePacket(p *packet.Packet) (PacketResult, error)
	WriteData(data []byte, extra map[string]any) (DataResult, error)
	// PostWrite runs after the bytes reached the transport.
	PostWrite(p *packet.Packet, data []byte, extra map[string]any) error
	ConnectReset()
	// DisconnectReset clears stage state. The link only calls it while no
	// hook of the stage is running.
	DisconnectReset()
}

// Interrupter is implemented by stages that can park a caller, for example
// a writer waiting for a response. Interrupt runs on the disconnecting
// goroutine, possibly while hooks are in flight, and must only wake waiters.
type Interrupter interface {
	Interrupt()
}

// WriteAborter is implemented by stages that arm state in WritePacket.
// AbortWrite releases it when the write ends before PostWrite runs.
type WriteAborter interface {
	AbortWrite()
}

// Direction selects which chains a stage joins.
type Direction int

const (
	DirRead Direction = iota
	DirWrite
	DirReadWrite
)

func (d Direction) Reads() bool { return d == DirRead || d == DirReadWrite }

func (d Direction) Writes() bool { return d == DirWrite || d == DirReadWrite }

func (d Direction) String() string {
	switch d {
	case DirRead:
		return "READ"
	case DirWrite:
		return "WRITE"
	default:
		return "READ_WRITE"
	}
}

func ParseDirection(raw string) (Direction, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "READ":
		return DirRead, nil
	case "WRITE":
		return DirWrite, nil
	case "READ_WRITE", "READWRITE", "BOTH", "":
		return DirReadWrite, nil
	default:
		return DirReadWrite, fmt.Errorf("%w: unknown direction %q", ErrInvalidConfig, raw)
	}
}
