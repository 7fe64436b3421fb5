package link

import (
	"fmt"
	"strings"
)

// Config is the per interface behavior outside the protocol chain.
type Config struct {
	Name string
	// Targets restricts identification to these targets. Empty means every
	// target in the catalog.
	Targets         []string
	ReadAllowed     bool
	WriteAllowed    bool
	WriteRawAllowed bool
	AutoReconnect   bool
	Backoff         BackoffConfig
}

func DefaultConfig(name string) Config {
	return Config{
		Name:            name,
		ReadAllowed:     true,
		WriteAllowed:    true,
		WriteRawAllowed: true,
		AutoReconnect:   true,
		Backoff:         DefaultBackoff(),
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: interface name required", ErrInvalidConfig)
	}
	if c.Backoff.Multiplier != 0 && c.Backoff.Multiplier < 1 {
		return fmt.Errorf("%w: backoff multiplier must be >= 1", ErrInvalidConfig)
	}
	if c.Backoff.MaxDelay > 0 && c.Backoff.MaxDelay < c.Backoff.InitialDelay {
		return fmt.Errorf("%w: backoff max delay below initial delay", ErrInvalidConfig)
	}
	return nil
}

// StageSpec names a stage to build through a protocol registry.
type StageSpec struct {
	Type      string
	Direction string
	Params    map[string]any
}
