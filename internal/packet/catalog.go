package packet

// Catalog exposes packet definitions per target.
type Catalog interface {
	Template(target, name string, kind Kind) (*Template, bool)
	// Packets lists a target's definitions in declaration order.
	Packets(target string, kind Kind) []*Template
	LookupByID(target string, kind Kind, key string) (*Template, bool)
	UniqueIDMode(target string, kind Kind) bool
	TargetNames(kind Kind) []string
}

// Identify finds the definition matching data among targets. Targets in
// unique id mode are scanned packet by packet; the rest use a key lookup
// with the catch-all packet as fallback.
func Identify(c Catalog, data []byte, kind Kind, targets []string) (*Template, bool) {
	if c == nil || len(data) == 0 {
		return nil, false
	}
	for _, target := range targets {
		if c.UniqueIDMode(target, kind) {
			for _, t := range c.Packets(target, kind) {
				if t.Identify(data) {
					return t, true
				}
			}
			continue
		}
		for _, t := range c.Packets(target, kind) {
			if len(t.IDItems()) == 0 {
				continue
			}
			if key, ok := t.IDKey(data); ok {
				if found, ok := c.LookupByID(target, kind, key); ok {
					return found, true
				}
			}
			break
		}
		if found, ok := c.LookupByID(target, kind, CatchAll); ok {
			return found, true
		}
	}
	return nil, false
}
