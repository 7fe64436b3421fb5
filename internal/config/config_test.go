package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/linkctl/internal/link"
	"github.com/danmuck/linkctl/internal/protocol"
	"github.com/danmuck/linkctl/internal/testutil/testlog"
	"github.com/danmuck/linkctl/internal/transport"
)

func TestTemplatesParse(t *testing.T) {
	testlog.Start(t)

	for _, format := range []string{FormatTOML, FormatYAML} {
		tmpl, err := Template(format)
		if err != nil {
			t.Fatalf("template %s: %v", format, err)
		}
		cfg, err := Parse([]byte(tmpl), format)
		if err != nil {
			t.Fatalf("parse %s template: %v", format, err)
		}
		if cfg.Name != "linkctl" || cfg.StatusAddr != ":9400" {
			t.Fatalf("%s: unexpected service %+v", format, cfg)
		}
		if want := map[string]int{FormatTOML: 2, FormatYAML: 3}[format]; len(cfg.Interfaces) != want {
			t.Fatalf("%s: interfaces=%d want=%d", format, len(cfg.Interfaces), want)
		}
	}
}

func TestTOMLInterfaceMapping(t *testing.T) {
	testlog.Start(t)

	cfg, err := Parse([]byte(tomlTemplate), FormatTOML)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ic := cfg.Interfaces[0]

	lc := ic.LinkConfig()
	if lc.Name != "inst_int" || !lc.AutoReconnect || !lc.WriteAllowed {
		t.Fatalf("unexpected link config %+v", lc)
	}
	if lc.Backoff.InitialDelay != 250*time.Millisecond || lc.Backoff.MaxDelay != 5*time.Second {
		t.Fatalf("unexpected backoff %+v", lc.Backoff)
	}

	tc := ic.TransportConfig()
	if tc.Type != transport.TypeTCP || tc.Address != "127.0.0.1:8080" {
		t.Fatalf("unexpected transport %+v", tc)
	}
	if tc.ConnectTimeout != 5*time.Second || tc.ReadSize <= 0 {
		t.Fatalf("transport defaults not applied %+v", tc)
	}

	specs := ic.StageSpecs()
	if len(specs) != 2 || specs[0].Type != "length" || specs[1].Type != "cmd_response" {
		t.Fatalf("unexpected stages %+v", specs)
	}
	if specs[0].Params["sync_pattern"] != "0x1ACFFC1D" {
		t.Fatalf("params not carried: %+v", specs[0].Params)
	}

	// The params must build through the registry as written.
	reg := protocol.DefaultRegistry()
	for _, spec := range specs {
		if _, err := reg.Build(spec.Type, spec.Params, protocol.Deps{}); err != nil {
			t.Fatalf("build %s: %v", spec.Type, err)
		}
	}
}

func TestYAMLInterfaceMapping(t *testing.T) {
	testlog.Start(t)

	cfg, err := Parse([]byte(yamlTemplate), FormatYAML)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	bridge := cfg.Interfaces[1]
	lc := bridge.LinkConfig()
	if lc.WriteRawAllowed || !lc.ReadAllowed {
		t.Fatalf("unexpected permissions %+v", lc)
	}
	if bridge.TransportConfig().BindAddress != "127.0.0.1:5001" {
		t.Fatalf("bind address lost")
	}
	// An unquoted 0x literal reaches the stage as an integer.
	term, err := protocol.DefaultRegistry().Build("terminated", bridge.StageSpecs()[0].Params, protocol.Deps{})
	if err != nil {
		t.Fatalf("build terminated: %v", err)
	}
	if got := term.(*protocol.Terminated).Config().ReadTermination; string(got) != "\r\n" {
		t.Fatalf("unexpected read termination % X", []byte(got))
	}

	replay := cfg.Interfaces[2]
	tc := replay.TransportConfig()
	if tc.Type != transport.TypeFile || tc.ReadFolder != "replay/in" || tc.ArchiveFolder != "replay/done" || tc.ReadSize != 65536 {
		t.Fatalf("unexpected file transport %+v", tc)
	}
	if err := tc.Validate(); err != nil {
		t.Fatalf("file transport invalid: %v", err)
	}
	if replay.LinkConfig().WriteAllowed {
		t.Fatalf("replay link should not write")
	}

	a, _ := transport.NewPipe()
	for _, ic := range cfg.Interfaces {
		iface, err := link.New(ic.LinkConfig(), a, nil)
		if err != nil {
			t.Fatalf("link %s: %v", ic.Name, err)
		}
		if err := iface.AddStages(protocol.DefaultRegistry(), ic.StageSpecs()); err != nil {
			t.Fatalf("stages %s: %v", ic.Name, err)
		}
	}
}

func TestParseRejects(t *testing.T) {
	testlog.Start(t)

	cases := map[string]struct {
		format string
		data   string
		want   string
	}{
		"no interfaces": {FormatTOML, `name = "x"`, "at least one interface"},
		"unknown key": {FormatTOML, `
bogus = 1
[[interface]]
name = "a"
  [interface.transport]
  type = "loopback"
`, "strict mode"},
		"unknown yaml key": {FormatYAML, `
interfaces:
  - name: a
    transprot:
      type: loopback
`, "transprot"},
		"duplicate": {FormatYAML, `
interfaces:
  - name: a
    transport: {type: loopback}
  - name: A
    transport: {type: loopback}
`, "duplicate interface"},
		"bad stage": {FormatTOML, `
[[interface]]
name = "a"
  [interface.transport]
  type = "loopback"
  [[interface.stage]]
  type = "rot13"
`, "unknown type"},
		"bad direction": {FormatYAML, `
interfaces:
  - name: a
    transport: {type: loopback}
    stages:
      - {type: burst, direction: sideways}
`, "unknown direction"},
		"bad transport": {FormatYAML, `
interfaces:
  - name: a
    transport: {type: tcp}
`, "address required"},
		"bad duration": {FormatTOML, `
[[interface]]
name = "a"
  [interface.transport]
  type = "loopback"
  connect_timeout = "soon"
`, "soon"},
	}
	for name, tc := range cases {
		_, err := Parse([]byte(tc.data), tc.format)
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: err=%v want %q", name, err, tc.want)
		}
	}
}

func TestLoadResolvesCatalogPath(t *testing.T) {
	testlog.Start(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "svc.yml")
	if err := WriteTemplate(path, "yml", false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if err := WriteTemplate(path, FormatYAML, false); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Catalog != filepath.Join(dir, "catalog.toml") {
		t.Fatalf("catalog=%q", cfg.Catalog)
	}

	bad := filepath.Join(dir, "svc.json")
	if err := os.WriteFile(bad, []byte("{}"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(bad); !errors.Is(err, ErrInvalid) {
		t.Fatalf("json err=%v", err)
	}
	if _, err := Load(filepath.Join(dir, "missing.toml")); err == nil {
		t.Fatalf("expected missing file error")
	}
}
