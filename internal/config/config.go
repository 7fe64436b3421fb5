// Package config loads the linkctl service file. TOML and YAML are both
// accepted and chosen by file extension.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/danmuck/linkctl/internal/link"
	"github.com/danmuck/linkctl/internal/protocol"
	"github.com/danmuck/linkctl/internal/transport"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("config: invalid")

const (
	FormatTOML = "toml"
	FormatYAML = "yaml"
)

// Duration accepts Go duration strings in either format.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

type ServiceConfig struct {
	Name        string            `toml:"name" yaml:"name"`
	StatusAddr  string            `toml:"status_addr" yaml:"status_addr"`
	CorsOrigins []string          `toml:"cors_origins" yaml:"cors_origins"`
	Catalog     string            `toml:"catalog" yaml:"catalog"`
	Heartbeat   Duration          `toml:"heartbeat" yaml:"heartbeat"`
	Interfaces  []InterfaceConfig `toml:"interface" yaml:"interfaces"`
}

type InterfaceConfig struct {
	Name            string          `toml:"name" yaml:"name"`
	Targets         []string        `toml:"targets" yaml:"targets"`
	ReadAllowed     *bool           `toml:"read_allowed" yaml:"read_allowed"`
	WriteAllowed    *bool           `toml:"write_allowed" yaml:"write_allowed"`
	WriteRawAllowed *bool           `toml:"write_raw_allowed" yaml:"write_raw_allowed"`
	AutoReconnect   *bool           `toml:"auto_reconnect" yaml:"auto_reconnect"`
	Reconnect       ReconnectConfig `toml:"reconnect" yaml:"reconnect"`
	Transport       TransportConfig `toml:"transport" yaml:"transport"`
	Stages          []StageConfig   `toml:"stage" yaml:"stages"`
}

type ReconnectConfig struct {
	InitialDelay Duration `toml:"initial_delay" yaml:"initial_delay"`
	Multiplier   float64  `toml:"multiplier" yaml:"multiplier"`
	MaxDelay     Duration `toml:"max_delay" yaml:"max_delay"`
	Jitter       *bool    `toml:"jitter" yaml:"jitter"`
}

type TransportConfig struct {
	Type           string    `toml:"type" yaml:"type"`
	Address        string    `toml:"address" yaml:"address"`
	BindAddress    string    `toml:"bind_address" yaml:"bind_address"`
	ConnectTimeout Duration  `toml:"connect_timeout" yaml:"connect_timeout"`
	ReadTimeout    Duration  `toml:"read_timeout" yaml:"read_timeout"`
	WriteTimeout   Duration  `toml:"write_timeout" yaml:"write_timeout"`
	ReadSize       int       `toml:"read_size" yaml:"read_size"`
	ClientID       string    `toml:"client_id" yaml:"client_id"`
	ReadTopic      string    `toml:"read_topic" yaml:"read_topic"`
	WriteTopic     string    `toml:"write_topic" yaml:"write_topic"`
	QoS            int       `toml:"qos" yaml:"qos"`
	ReadFolder     string    `toml:"read_folder" yaml:"read_folder"`
	ArchiveFolder  string    `toml:"archive_folder" yaml:"archive_folder"`
	WriteFolder    string    `toml:"write_folder" yaml:"write_folder"`
	Label          string    `toml:"label" yaml:"label"`
	Extension      string    `toml:"extension" yaml:"extension"`
	PollInterval   Duration  `toml:"poll_interval" yaml:"poll_interval"`
	TLS            TLSConfig `toml:"tls" yaml:"tls"`
}

type TLSConfig struct {
	Enabled            bool   `toml:"enabled" yaml:"enabled"`
	CAFile             string `toml:"ca_file" yaml:"ca_file"`
	CertFile           string `toml:"cert_file" yaml:"cert_file"`
	KeyFile            string `toml:"key_file" yaml:"key_file"`
	ServerName         string `toml:"server_name" yaml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

// StageConfig is one protocol stage. Params are decoded by the stage's
// factory into its typed config.
type StageConfig struct {
	Type      string         `toml:"type" yaml:"type"`
	Direction string         `toml:"direction" yaml:"direction"`
	Params    map[string]any `toml:"params" yaml:"params"`
}

// Load reads, defaults and validates the file at path. A relative catalog
// path is resolved against the file's directory.
func Load(path string) (ServiceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ServiceConfig{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	format, err := FormatFor(path)
	if err != nil {
		return ServiceConfig{}, err
	}
	cfg, err := Parse(data, format)
	if err != nil {
		return ServiceConfig{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if cfg.Catalog != "" && !filepath.IsAbs(cfg.Catalog) {
		cfg.Catalog = filepath.Join(filepath.Dir(path), cfg.Catalog)
	}
	return cfg, nil
}

func FormatFor(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("%w: unsupported config extension %q", ErrInvalid, filepath.Ext(path))
	}
}

// Parse decodes data in format, applies defaults and validates. Unknown
// keys are rejected.
func Parse(data []byte, format string) (ServiceConfig, error) {
	var cfg ServiceConfig
	switch format {
	case FormatTOML:
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return ServiceConfig{}, err
		}
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return ServiceConfig{}, err
		}
	default:
		return ServiceConfig{}, fmt.Errorf("%w: unknown format %q", ErrInvalid, format)
	}
	applyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return ServiceConfig{}, err
	}
	return cfg, nil
}

func applyDefaults(cfg *ServiceConfig) {
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = "linkctl"
	}
	if strings.TrimSpace(cfg.StatusAddr) == "" {
		cfg.StatusAddr = ":9400"
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = Duration(30 * time.Second)
	}
}

func Validate(cfg ServiceConfig) error {
	if len(cfg.Interfaces) == 0 {
		return fmt.Errorf("%w: at least one interface is required", ErrInvalid)
	}
	reg := protocol.DefaultRegistry()
	seen := make(map[string]bool, len(cfg.Interfaces))
	for i, ic := range cfg.Interfaces {
		name := strings.ToUpper(strings.TrimSpace(ic.Name))
		if name == "" {
			return fmt.Errorf("%w: interface[%d] missing name", ErrInvalid, i)
		}
		if seen[name] {
			return fmt.Errorf("%w: duplicate interface %q", ErrInvalid, ic.Name)
		}
		seen[name] = true
		if err := ic.LinkConfig().Validate(); err != nil {
			return fmt.Errorf("interface %s: %w", ic.Name, err)
		}
		if ic.Transport.QoS < 0 || ic.Transport.QoS > 2 {
			return fmt.Errorf("%w: interface %s: qos must be 0, 1 or 2", ErrInvalid, ic.Name)
		}
		if err := ic.TransportConfig().Validate(); err != nil {
			return fmt.Errorf("interface %s: %w", ic.Name, err)
		}
		for n, st := range ic.Stages {
			if _, ok := reg.Resolve(st.Type); !ok {
				return fmt.Errorf("%w: interface %s stage[%d]: unknown type %q", ErrInvalid, ic.Name, n, st.Type)
			}
			if _, err := protocol.ParseDirection(st.Direction); err != nil {
				return fmt.Errorf("interface %s stage[%d]: %w", ic.Name, n, err)
			}
		}
	}
	return nil
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// LinkConfig maps the interface block onto link.Config, keeping link
// defaults for anything unset.
func (ic InterfaceConfig) LinkConfig() link.Config {
	cfg := link.DefaultConfig(strings.TrimSpace(ic.Name))
	cfg.Targets = ic.Targets
	cfg.ReadAllowed = boolOr(ic.ReadAllowed, cfg.ReadAllowed)
	cfg.WriteAllowed = boolOr(ic.WriteAllowed, cfg.WriteAllowed)
	cfg.WriteRawAllowed = boolOr(ic.WriteRawAllowed, cfg.WriteRawAllowed)
	cfg.AutoReconnect = boolOr(ic.AutoReconnect, cfg.AutoReconnect)
	if ic.Reconnect.InitialDelay > 0 {
		cfg.Backoff.InitialDelay = time.Duration(ic.Reconnect.InitialDelay)
	}
	if ic.Reconnect.Multiplier != 0 {
		cfg.Backoff.Multiplier = ic.Reconnect.Multiplier
	}
	if ic.Reconnect.MaxDelay > 0 {
		cfg.Backoff.MaxDelay = time.Duration(ic.Reconnect.MaxDelay)
	}
	cfg.Backoff.Jitter = boolOr(ic.Reconnect.Jitter, cfg.Backoff.Jitter)
	return cfg
}

func (ic InterfaceConfig) TransportConfig() transport.Config {
	tc := ic.Transport
	return transport.Config{
		Type:           tc.Type,
		Address:        tc.Address,
		BindAddress:    tc.BindAddress,
		ConnectTimeout: time.Duration(tc.ConnectTimeout),
		ReadTimeout:    time.Duration(tc.ReadTimeout),
		WriteTimeout:   time.Duration(tc.WriteTimeout),
		ReadSize:       tc.ReadSize,
		ClientID:       tc.ClientID,
		ReadTopic:      tc.ReadTopic,
		WriteTopic:     tc.WriteTopic,
		QoS:            byte(tc.QoS),
		ReadFolder:     tc.ReadFolder,
		ArchiveFolder:  tc.ArchiveFolder,
		WriteFolder:    tc.WriteFolder,
		Label:          tc.Label,
		Extension:      tc.Extension,
		PollInterval:   time.Duration(tc.PollInterval),
		TLS: transport.TLSConfig{
			Enabled:            tc.TLS.Enabled,
			CAFile:             tc.TLS.CAFile,
			CertFile:           tc.TLS.CertFile,
			KeyFile:            tc.TLS.KeyFile,
			ServerName:         tc.TLS.ServerName,
			InsecureSkipVerify: tc.TLS.InsecureSkipVerify,
		},
	}.WithDefaults()
}

func (ic InterfaceConfig) StageSpecs() []link.StageSpec {
	out := make([]link.StageSpec, 0, len(ic.Stages))
	for _, st := range ic.Stages {
		out = append(out, link.StageSpec{Type: st.Type, Direction: st.Direction, Params: st.Params})
	}
	return out
}
