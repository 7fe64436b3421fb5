package protocol

import (
	"fmt"
	"sort"
	"strings"

	"github.com/danmuck/linkctl/internal/packet"
)

// Deps are the collaborators a stage may need at construction.
type Deps struct {
	Catalog packet.Catalog
}

// Factory builds a stage from free-form params.
type Factory func(params map[string]any, deps Deps) (Stage, error)

// Registry stores stage factories by type identifier.
type Registry struct {
	items map[string]Factory
}

// NewRegistry creates an empty stage registry.
func NewRegistry() *Registry {
	return &Registry{items: make(map[string]Factory)}
}

// DefaultRegistry returns a registry holding every built-in stage type.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for id, f := range builtins() {
		if err := r.Register(id, f); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds a factory under id.
func (r *Registry) Register(id string, f Factory) error {
	id = strings.TrimSpace(id)
	if !isValidID(id) {
		return fmt.Errorf("%w: invalid stage type id %q", ErrInvalidConfig, id)
	}
	if f == nil {
		return fmt.Errorf("%w: nil factory for %q", ErrInvalidConfig, id)
	}
	if _, ok := r.items[id]; ok {
		return fmt.Errorf("%w: %s", ErrStageExists, id)
	}
	r.items[id] = f
	return nil
}

// Resolve returns the factory for id.
func (r *Registry) Resolve(id string) (Factory, bool) {
	f, ok := r.items[strings.ToLower(strings.TrimSpace(id))]
	return f, ok
}

// Build resolves id and constructs the stage.
func (r *Registry) Build(id string, params map[string]any, deps Deps) (Stage, error) {
	f, ok := r.Resolve(id)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStage, id)
	}
	s, err := f(params, deps)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", id, err)
	}
	return s, nil
}

// List returns the registered ids in order.
func (r *Registry) List() []string {
	ids := make([]string, 0, len(r.items))
	for id := range r.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func builtins() map[string]Factory {
	return map[string]Factory{
		"burst": func(params map[string]any, _ Deps) (Stage, error) {
			var cfg BurstConfig
			if err := DecodeParams(params, &cfg); err != nil {
				return nil, err
			}
			return NewBurst(cfg)
		},
		"length": func(params map[string]any, _ Deps) (Stage, error) {
			cfg := DefaultLengthConfig()
			if err := DecodeParams(params, &cfg); err != nil {
				return nil, err
			}
			return NewLength(cfg)
		},
		"terminated": func(params map[string]any, _ Deps) (Stage, error) {
			cfg := DefaultTerminatedConfig()
			if err := DecodeParams(params, &cfg); err != nil {
				return nil, err
			}
			return NewTerminated(cfg)
		},
		"cobs": func(params map[string]any, _ Deps) (Stage, error) {
			var cfg COBSConfig
			if err := DecodeParams(params, &cfg); err != nil {
				return nil, err
			}
			return NewCOBS(cfg)
		},
		"slip": func(params map[string]any, _ Deps) (Stage, error) {
			cfg := DefaultSLIPConfig()
			if err := DecodeParams(params, &cfg); err != nil {
				return nil, err
			}
			return NewSLIP(cfg)
		},
		"fixed": func(params map[string]any, _ Deps) (Stage, error) {
			cfg := DefaultFixedConfig()
			if err := DecodeParams(params, &cfg); err != nil {
				return nil, err
			}
			return NewFixed(cfg)
		},
		"crc": func(params map[string]any, _ Deps) (Stage, error) {
			cfg := DefaultCRCConfig()
			if err := DecodeParams(params, &cfg); err != nil {
				return nil, err
			}
			return NewCRC(cfg)
		},
		"template": func(params map[string]any, _ Deps) (Stage, error) {
			cfg := DefaultTemplateConfig()
			if err := DecodeParams(params, &cfg); err != nil {
				return nil, err
			}
			return NewTemplate(cfg)
		},
		"cmd_response": func(params map[string]any, _ Deps) (Stage, error) {
			cfg := DefaultCmdResponseConfig()
			if err := DecodeParams(params, &cfg); err != nil {
				return nil, err
			}
			return NewCmdResponse(cfg)
		},
		"ignore_packet": func(params map[string]any, deps Deps) (Stage, error) {
			var cfg IgnorePacketConfig
			if err := DecodeParams(params, &cfg); err != nil {
				return nil, err
			}
			return NewIgnorePacket(cfg, deps.Catalog)
		},
		"preidentified": func(params map[string]any, _ Deps) (Stage, error) {
			cfg := DefaultPreidentifiedConfig()
			if err := DecodeParams(params, &cfg); err != nil {
				return nil, err
			}
			return NewPreidentified(cfg)
		},
	}
}

func isValidID(id string) bool {
	if id == "" {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		isLower := c >= 'a' && c <= 'z'
		isDigit := c >= '0' && c <= '9'
		if !(isLower || isDigit || c == '_') {
			return false
		}
		if c == '_' && (i == 0 || i == len(id)-1) {
			return false
		}
	}
	return true
}
