package protocol

import (
	"errors"
	"testing"
	"time"

	"github.com/danmuck/linkctl/internal/catalog"
	"github.com/danmuck/linkctl/internal/packet"
	"github.com/danmuck/linkctl/internal/testutil/testlog"
)

const scopeCatalog = `
[[target]]
name = "scope"

  [[target.packet]]
  kind = "cmd"
  name = "set_volts"
  length = 3
  cmd_template = "SOUR<CHANNEL>:VOLT <VOLTS>"
  rsp_template = "V=<VOLTS> I=<AMPS>"
  rsp_packet = "volts<CHANNEL>"
    [[target.packet.item]]
    name = "channel"
    bit_offset = 0
    bit_size = 8
    [[target.packet.item]]
    name = "volts"
    bit_offset = 8
    bit_size = 16

  [[target.packet]]
  kind = "cmd"
  name = "reset"
  length = 1
  cmd_template = "*RST"
    [[target.packet.item]]
    name = "pad"
    bit_offset = 0
    bit_size = 8

  [[target.packet]]
  kind = "tlm"
  name = "volts2"
  length = 4
    [[target.packet.item]]
    name = "id"
    bit_offset = 0
    bit_size = 8
    id_value = 2
    [[target.packet.item]]
    name = "volts"
    bit_offset = 8
    bit_size = 16
    [[target.packet.item]]
    name = "amps"
    bit_offset = 24
    bit_size = 8
`

func scope(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.Parse(scopeCatalog)
	if err != nil {
		t.Fatalf("parse catalog: %v", err)
	}
	return c
}

func newTemplate(t *testing.T, c *catalog.Catalog, mutate func(*TemplateConfig)) *Template {
	t.Helper()
	cfg := DefaultTemplateConfig()
	cfg.ReadTermination = HexBytes("\n")
	cfg.WriteTermination = HexBytes("\n")
	cfg.ResponseTimeout = Duration(2 * time.Second)
	cfg.RaiseExceptions = true
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := NewTemplate(cfg)
	if err != nil {
		t.Fatalf("new template: %v", err)
	}
	attach(t, s, c)
	return s
}

func scopeCommand(t *testing.T, c *catalog.Catalog, name string, buf []byte) *packet.Packet {
	t.Helper()
	tmpl, ok := c.Template("SCOPE", name, packet.Command)
	if !ok {
		t.Fatalf("missing command %s", name)
	}
	return tmpl.NewPacket(buf)
}

// readLines runs each chunk through the read hooks and returns the packets
// that were not held back.
func readLines(t *testing.T, s Stage, chunks ...string) []*packet.Packet {
	t.Helper()
	var out []*packet.Packet
	for _, chunk := range chunks {
		data := []byte(chunk)
		for {
			res, err := s.ReadData(data, nil)
			if err != nil {
				t.Fatalf("read data: %v", err)
			}
			if res.Signal != Continue {
				break
			}
			data = nil
			pr, err := s.ReadPacket(packet.New(res.Data))
			if err != nil {
				t.Fatalf("read packet: %v", err)
			}
			if pr.Signal == Continue {
				out = append(out, pr.Packet)
			}
		}
	}
	return out
}

func TestTemplateFillsCommandAndParsesReply(t *testing.T) {
	testlog.Start(t)
	c := scope(t)
	s := newTemplate(t, c, func(cfg *TemplateConfig) { cfg.IgnoreLines = 1 })

	cmd := scopeCommand(t, c, "SET_VOLTS", []byte{2, 0x00, 0x0C})
	wire := write(t, s, cmd)
	if string(wire) != "SOUR2:VOLT 12\n" {
		t.Fatalf("unexpected command text %q", wire)
	}

	done := make(chan error, 1)
	go func() { done <- s.PostWrite(cmd, wire, nil) }()

	// The instrument echoes the command before answering.
	got := readLines(t, s, "SOUR2:VOLT 12\nV=12", " I=3\n")
	if len(got) != 1 {
		t.Fatalf("expected one response packet, got %d", len(got))
	}
	rsp := got[0]
	if rsp.TargetName != "SCOPE" || rsp.PacketName != "VOLTS2" {
		t.Fatalf("unexpected response %s", rsp.Name())
	}
	for item, want := range map[string]uint64{"id": 2, "volts": 12, "amps": 3} {
		if v, err := rsp.ReadItem(item); err != nil || v != want {
			t.Fatalf("%s: got %d %v want %d", item, v, err, want)
		}
	}
	if err := <-done; err != nil {
		t.Fatalf("post write: %v", err)
	}

	// Nothing pending: lines pass through unidentified.
	got = readLines(t, s, "hello\n")
	if len(got) != 1 || got[0].Identified() || string(got[0].Buffer) != "hello" {
		t.Fatalf("expected passthrough, got %+v", got)
	}
}

func TestTemplateUnexpectedReply(t *testing.T) {
	testlog.Start(t)
	c := scope(t)
	for _, tc := range []struct {
		name  string
		reply string
	}{
		{name: "no match", reply: "ERR 42\n"},
		{name: "not a number", reply: "V=high I=3\n"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := newTemplate(t, c, nil)
			cmd := scopeCommand(t, c, "SET_VOLTS", []byte{2, 0x00, 0x05})
			wire := write(t, s, cmd)
			done := make(chan error, 1)
			go func() { done <- s.PostWrite(cmd, wire, nil) }()

			got := readLines(t, s, tc.reply)
			if len(got) != 1 || got[0].PacketName != "VOLTS2" {
				t.Fatalf("expected the response packet even on a bad reply, got %+v", got)
			}
			if err := <-done; !errors.Is(err, ErrUnexpectedResponse) {
				t.Fatalf("expected ErrUnexpectedResponse, got %v", err)
			}
		})
	}
}

func TestTemplateOverridesAndNoResponse(t *testing.T) {
	testlog.Start(t)
	c := scope(t)
	s := newTemplate(t, c, nil)

	rst := scopeCommand(t, c, "RESET", []byte{0})
	wire := write(t, s, rst)
	if string(wire) != "*RST\n" {
		t.Fatalf("unexpected command text %q", wire)
	}
	start := time.Now()
	if err := s.PostWrite(rst, wire, nil); err != nil {
		t.Fatalf("post write: %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatalf("post write blocked for a command without response")
	}

	// Extra templates win over the catalog, and an empty response template
	// disables the wait.
	cmd := scopeCommand(t, c, "SET_VOLTS", []byte{1, 0x01, 0x00})
	cmd.Extra = map[string]any{ExtraCmdTemplate: "APPL <VOLTS>", ExtraRspTemplate: ""}
	wire = write(t, s, cmd)
	if string(wire) != "APPL 256\n" {
		t.Fatalf("unexpected command text %q", wire)
	}
	if err := s.PostWrite(cmd, wire, nil); err != nil {
		t.Fatalf("post write: %v", err)
	}

	if _, err := s.WritePacket(packet.New([]byte("raw"))); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected missing template error, got %v", err)
	}
}

func TestTemplateTimeoutAndDisconnect(t *testing.T) {
	testlog.Start(t)
	c := scope(t)
	s := newTemplate(t, c, func(cfg *TemplateConfig) { cfg.ResponseTimeout = Duration(60 * time.Millisecond) })
	cmd := scopeCommand(t, c, "SET_VOLTS", []byte{2, 0x00, 0x01})
	wire := write(t, s, cmd)
	if err := s.PostWrite(cmd, wire, nil); !errors.Is(err, ErrResponseTimeout) {
		t.Fatalf("expected ErrResponseTimeout, got %v", err)
	}

	s = newTemplate(t, c, func(cfg *TemplateConfig) { cfg.ResponseTimeout = 0 })
	wire = write(t, s, cmd)
	go func() {
		time.Sleep(30 * time.Millisecond)
		s.Interrupt()
	}()
	if err := s.PostWrite(cmd, wire, nil); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("expected ErrDisconnected, got %v", err)
	}
	s.DisconnectReset()
	if got := readLines(t, s, "V=1 I=1\n"); len(got) != 1 || got[0].Identified() {
		t.Fatalf("expected passthrough after reset, got %+v", got)
	}
}

func TestTemplateAbortedWriteReleasesReply(t *testing.T) {
	testlog.Start(t)
	c := scope(t)
	s := newTemplate(t, c, nil)
	cmd := scopeCommand(t, c, "SET_VOLTS", []byte{2, 0x00, 0x01})
	wire := write(t, s, cmd)
	s.AbortWrite()
	if got := readLines(t, s, "V=1 I=1\n"); len(got) != 1 || got[0].Identified() {
		t.Fatalf("aborted command claimed the next line: %+v", got)
	}
	start := time.Now()
	if err := s.PostWrite(cmd, wire, nil); err != nil || time.Since(start) > 100*time.Millisecond {
		t.Fatalf("post write after abort: %v after %s", err, time.Since(start))
	}
}

func TestTemplateInitialReadDelay(t *testing.T) {
	testlog.Start(t)
	c := scope(t)
	const delay = 80 * time.Millisecond
	s := newTemplate(t, c, func(cfg *TemplateConfig) { cfg.InitialReadDelay = Duration(delay) })
	s.ConnectReset()

	if got := readLines(t, s, "Welcome\n> "); len(got) != 0 {
		t.Fatalf("expected banner dropped, got %+v", got)
	}
	start := time.Now()
	cmd := scopeCommand(t, c, "RESET", []byte{0})
	if _, err := s.WritePacket(cmd); err != nil {
		t.Fatalf("write packet: %v", err)
	}
	if time.Since(start) < delay/2 {
		t.Fatalf("write did not wait for the initial read delay")
	}
	if got := readLines(t, s, "ready\n"); len(got) != 1 || string(got[0].Buffer) != "ready" {
		t.Fatalf("expected reads after the delay, got %+v", got)
	}
}

func TestTemplateConfigValidation(t *testing.T) {
	testlog.Start(t)
	for _, mutate := range []func(*TemplateConfig){
		func(c *TemplateConfig) { c.ResponseLines = 0 },
		func(c *TemplateConfig) { c.IgnoreLines = -1 },
		func(c *TemplateConfig) { c.ResponsePollingPeriod = 0 },
		func(c *TemplateConfig) { c.InitialReadDelay = Duration(-time.Second) },
	} {
		cfg := DefaultTemplateConfig()
		cfg.ReadTermination = HexBytes("\n")
		mutate(&cfg)
		if _, err := NewTemplate(cfg); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("expected ErrInvalidConfig, got %v", err)
		}
	}

	s, err := DefaultRegistry().Build("template", map[string]any{
		"read_termination":   "0x0A",
		"write_termination":  0x0D0A,
		"ignore_lines":       1,
		"initial_read_delay": "1s",
	}, Deps{})
	if err != nil {
		t.Fatalf("build template: %v", err)
	}
	cfg := s.(*Template).cfg
	if string(cfg.ReadTermination) != "\n" || string(cfg.WriteTermination) != "\r\n" {
		t.Fatalf("terminations lost: %+v", cfg.TerminatedConfig)
	}
	if cfg.IgnoreLines != 1 || cfg.ResponseLines != 1 || time.Duration(cfg.InitialReadDelay) != time.Second || !cfg.StripReadTermination {
		t.Fatalf("unexpected config %+v", cfg)
	}
}
