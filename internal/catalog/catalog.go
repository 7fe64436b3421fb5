// Package catalog stores packet definitions per target and implements the
// packet.Catalog lookups used by framing stages.
package catalog

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/linkctl/internal/packet"
)

var (
	ErrPacketExists  = errors.New("catalog: packet already defined")
	ErrInvalidPacket = errors.New("catalog: invalid packet definition")
)

type kindTable struct {
	packets  []*packet.Template
	byName   map[string]*packet.Template
	byKey    map[string]*packet.Template
	uniqueID bool
	forced   bool
}

func newKindTable() *kindTable {
	return &kindTable{
		byName: make(map[string]*packet.Template),
		byKey:  make(map[string]*packet.Template),
	}
}

type target struct {
	name  string
	kinds [2]*kindTable
}

// Catalog is safe for concurrent lookups.
type Catalog struct {
	mu      sync.RWMutex
	targets map[string]*target
}

// New creates an empty catalog.
func New() *Catalog {
	return &Catalog{targets: make(map[string]*target)}
}

func normalize(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

func (c *Catalog) table(targetName string, kind packet.Kind, create bool) *kindTable {
	t, ok := c.targets[targetName]
	if !ok {
		if !create {
			return nil
		}
		t = &target{name: targetName, kinds: [2]*kindTable{newKindTable(), newKindTable()}}
		c.targets[targetName] = t
	}
	return t.kinds[kind]
}

// Add registers a definition. A target whose packets use differing id item
// layouts switches to unique id mode automatically.
func (c *Catalog) Add(t *packet.Template) error {
	if t == nil || normalize(t.TargetName) == "" || normalize(t.PacketName) == "" {
		return fmt.Errorf("%w: target and packet names are required", ErrInvalidPacket)
	}
	if t.Kind != packet.Telemetry && t.Kind != packet.Command {
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidPacket, t.Kind)
	}
	t.TargetName = normalize(t.TargetName)
	t.PacketName = normalize(t.PacketName)

	c.mu.Lock()
	defer c.mu.Unlock()
	kt := c.table(t.TargetName, t.Kind, true)
	if _, ok := kt.byName[t.PacketName]; ok {
		return fmt.Errorf("%w: %s %s %s", ErrPacketExists, t.Kind, t.TargetName, t.PacketName)
	}
	if !kt.forced && !kt.uniqueID && (t.IdentifyFunc != nil || differentLayout(kt.packets, t)) {
		kt.uniqueID = true
	}
	kt.packets = append(kt.packets, t)
	kt.byName[t.PacketName] = t
	if _, ok := kt.byKey[t.DefinedKey()]; !ok {
		kt.byKey[t.DefinedKey()] = t
	}
	return nil
}

func differentLayout(existing []*packet.Template, t *packet.Template) bool {
	ids := t.IDItems()
	if len(ids) == 0 {
		return false
	}
	for _, other := range existing {
		oids := other.IDItems()
		if len(oids) == 0 {
			continue
		}
		if len(oids) != len(ids) {
			return true
		}
		for i := range ids {
			if ids[i].BitOffset != oids[i].BitOffset || ids[i].BitSize != oids[i].BitSize || ids[i].Endianness != oids[i].Endianness {
				return true
			}
		}
		return false
	}
	return false
}

// SetUniqueIDMode forces the identification strategy for a target.
func (c *Catalog) SetUniqueIDMode(targetName string, kind packet.Kind, enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kt := c.table(normalize(targetName), kind, true)
	kt.uniqueID = enabled
	kt.forced = true
}

func (c *Catalog) Template(targetName, name string, kind packet.Kind) (*packet.Template, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	kt := c.table(normalize(targetName), kind, false)
	if kt == nil {
		return nil, false
	}
	t, ok := kt.byName[normalize(name)]
	return t, ok
}

func (c *Catalog) Packets(targetName string, kind packet.Kind) []*packet.Template {
	c.mu.RLock()
	defer c.mu.RUnlock()
	kt := c.table(normalize(targetName), kind, false)
	if kt == nil {
		return nil
	}
	return append([]*packet.Template(nil), kt.packets...)
}

func (c *Catalog) LookupByID(targetName string, kind packet.Kind, key string) (*packet.Template, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	kt := c.table(normalize(targetName), kind, false)
	if kt == nil {
		return nil, false
	}
	t, ok := kt.byKey[key]
	return t, ok
}

func (c *Catalog) UniqueIDMode(targetName string, kind packet.Kind) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	kt := c.table(normalize(targetName), kind, false)
	return kt != nil && kt.uniqueID
}

// TargetNames returns the targets that define at least one packet of kind,
// sorted by name.
func (c *Catalog) TargetNames(kind packet.Kind) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.targets))
	for name, t := range c.targets {
		if len(t.kinds[kind].packets) > 0 {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// HasTarget reports whether any packet was defined for the target.
func (c *Catalog) HasTarget(targetName string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.targets[normalize(targetName)]
	return ok
}
