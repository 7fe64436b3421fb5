package catalog

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/linkctl/internal/packet"
	"github.com/danmuck/linkctl/internal/protocol/bitfield"
)

type fileCatalog struct {
	Targets []fileTarget `toml:"target"`
}

type fileTarget struct {
	Name         string       `toml:"name"`
	UniqueIDMode *bool        `toml:"unique_id_mode"`
	Packets      []filePacket `toml:"packet"`
}

type filePacket struct {
	Kind       string     `toml:"kind"`
	Name       string     `toml:"name"`
	Length     int        `toml:"length"`
	Endianness string     `toml:"endianness"`
	Response   string     `toml:"response"`
	Items      []fileItem `toml:"item"`

	// Text command templates, see packet.Template.
	CmdTemplate string `toml:"cmd_template"`
	RspTemplate string `toml:"rsp_template"`
	RspPacket   string `toml:"rsp_packet"`
}

type fileItem struct {
	Name       string  `toml:"name"`
	BitOffset  int     `toml:"bit_offset"`
	BitSize    int     `toml:"bit_size"`
	Endianness string  `toml:"endianness"`
	IDValue    *uint64 `toml:"id_value"`
}

// LoadFile reads a TOML catalog definition from disk.
func LoadFile(path string) (*Catalog, error) {
	var raw fileCatalog
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, fmt.Errorf("load catalog %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("load catalog %s: unknown keys %v", path, undecoded)
	}
	return build(raw)
}

// Parse reads a TOML catalog definition from a string.
func Parse(data string) (*Catalog, error) {
	var raw fileCatalog
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("parse catalog: unknown keys %v", undecoded)
	}
	return build(raw)
}

func build(raw fileCatalog) (*Catalog, error) {
	c := New()
	for _, ft := range raw.Targets {
		targetName := normalize(ft.Name)
		if targetName == "" {
			return nil, fmt.Errorf("%w: target without name", ErrInvalidPacket)
		}
		for _, fp := range ft.Packets {
			t, err := buildTemplate(targetName, fp)
			if err != nil {
				return nil, err
			}
			if err := c.Add(t); err != nil {
				return nil, err
			}
		}
		if ft.UniqueIDMode != nil {
			c.SetUniqueIDMode(targetName, packet.Telemetry, *ft.UniqueIDMode)
			c.SetUniqueIDMode(targetName, packet.Command, *ft.UniqueIDMode)
		}
	}
	return c, nil
}

func buildTemplate(targetName string, fp filePacket) (*packet.Template, error) {
	kind, err := packet.ParseKind(fp.Kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrInvalidPacket, targetName, fp.Name, err)
	}
	defaultEndian, err := bitfield.ParseEndianness(fp.Endianness)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrInvalidPacket, targetName, fp.Name, err)
	}
	t := &packet.Template{
		TargetName: targetName,
		PacketName: normalize(fp.Name),
		Kind:       kind,
		Length:     fp.Length,

		CmdTemplate: fp.CmdTemplate,
		RspTemplate: strings.TrimSpace(fp.RspTemplate),
		RspPacket:   strings.TrimSpace(fp.RspPacket),
	}
	if fp.Response != "" {
		parts := strings.Fields(fp.Response)
		if len(parts) != 2 {
			return nil, fmt.Errorf("%w: %s %s: response must be \"TARGET PACKET\"", ErrInvalidPacket, targetName, fp.Name)
		}
		t.ResponseTarget = normalize(parts[0])
		t.ResponsePacket = normalize(parts[1])
	}
	for _, fi := range fp.Items {
		e := defaultEndian
		if fi.Endianness != "" {
			if e, err = bitfield.ParseEndianness(fi.Endianness); err != nil {
				return nil, fmt.Errorf("%w: %s %s %s: %v", ErrInvalidPacket, targetName, fp.Name, fi.Name, err)
			}
		}
		if err := bitfield.CheckLayout(fi.BitOffset, fi.BitSize, e); err != nil {
			return nil, fmt.Errorf("%w: %s %s %s: %v", ErrInvalidPacket, targetName, fp.Name, fi.Name, err)
		}
		it := packet.Item{
			Name:       normalize(fi.Name),
			BitOffset:  fi.BitOffset,
			BitSize:    fi.BitSize,
			Endianness: e,
		}
		if fi.IDValue != nil {
			it.ID = true
			it.IDValue = *fi.IDValue
		}
		t.Items = append(t.Items, it)
	}
	if t.Length <= 0 {
		t.Length = definedLength(t.Items)
	}
	return t, nil
}

// definedLength covers every non-negative item.
func definedLength(items []packet.Item) int {
	n := 0
	for _, it := range items {
		if it.BitOffset < 0 {
			continue
		}
		if end := bitfield.BytesNeeded(it.BitOffset, it.BitSize); end > n {
			n = end
		}
	}
	return n
}
