package protocol

import (
	"testing"

	"github.com/danmuck/linkctl/internal/catalog"
	"github.com/danmuck/linkctl/internal/packet"
)

const testCatalog = `
[[target]]
name = "inst"

  [[target.packet]]
  kind = "tlm"
  name = "health"
  length = 6
    [[target.packet.item]]
    name = "id"
    bit_offset = 0
    bit_size = 8
    id_value = 1

  [[target.packet]]
  kind = "tlm"
  name = "status"
  length = 4
    [[target.packet.item]]
    name = "id"
    bit_offset = 0
    bit_size = 8
    id_value = 2

  [[target.packet]]
  kind = "cmd"
  name = "noop"
  length = 4
  response = "inst noop_rsp"
    [[target.packet.item]]
    name = "opcode"
    bit_offset = 0
    bit_size = 16
    id_value = 7
    [[target.packet.item]]
    name = "crc"
    bit_offset = 16
    bit_size = 16

  [[target.packet]]
  kind = "cmd"
  name = "reset"
  length = 2
    [[target.packet.item]]
    name = "opcode"
    bit_offset = 0
    bit_size = 16
    id_value = 9

  [[target.packet]]
  kind = "tlm"
  name = "noop_rsp"
  length = 2
    [[target.packet.item]]
    name = "id"
    bit_offset = 0
    bit_size = 8
    id_value = 3
`

type fakeHost struct {
	name    string
	catalog *catalog.Catalog
}

func (h *fakeHost) Name() string { return h.name }

func (h *fakeHost) Catalog() packet.Catalog {
	if h.catalog == nil {
		return nil
	}
	return h.catalog
}

func (h *fakeHost) TargetNames(kind packet.Kind) []string {
	if h.catalog == nil {
		return nil
	}
	return h.catalog.TargetNames(kind)
}

func loadCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.Parse(testCatalog)
	if err != nil {
		t.Fatalf("parse catalog: %v", err)
	}
	return c
}

// attach binds s as the last reader of a host named after the test.
func attach(t *testing.T, s Stage, c *catalog.Catalog) Stage {
	t.Helper()
	s.Attach(&fakeHost{name: t.Name(), catalog: c}, true)
	return s
}

// feed pushes each chunk through ReadData and then drains buffered packets
// with empty passes, mirroring the link read loop.
func feed(t *testing.T, s Stage, chunks ...[]byte) [][]byte {
	t.Helper()
	var out [][]byte
	for _, chunk := range chunks {
		data := chunk
		for {
			res, err := s.ReadData(data, nil)
			if err != nil {
				t.Fatalf("read data: %v", err)
			}
			if res.Signal != Continue {
				break
			}
			out = append(out, res.Data)
			data = nil
		}
	}
	return out
}

// bytewise splits data into single byte chunks.
func bytewise(data []byte) [][]byte {
	out := make([][]byte, len(data))
	for i := range data {
		out[i] = data[i : i+1]
	}
	return out
}

// write runs p through the stage's write hooks.
func write(t *testing.T, s Stage, p *packet.Packet) []byte {
	t.Helper()
	pr, err := s.WritePacket(p)
	if err != nil {
		t.Fatalf("write packet: %v", err)
	}
	if pr.Signal != Continue {
		t.Fatalf("write packet signal %s", pr.Signal)
	}
	dr, err := s.WriteData(pr.Packet.Buffer, nil)
	if err != nil {
		t.Fatalf("write data: %v", err)
	}
	if dr.Signal != Continue {
		t.Fatalf("write data signal %s", dr.Signal)
	}
	return dr.Data
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func boolPtr(v bool) *bool { return &v }
