package protocol

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/linkctl/internal/observability"
	"github.com/danmuck/linkctl/internal/packet"
)

// Extra keys that override a command's catalog templates for one write.
const (
	ExtraCmdTemplate = "cmd_template"
	ExtraRspTemplate = "rsp_template"
	ExtraRspPacket   = "rsp_packet"
)

var placeholder = regexp.MustCompile(`<(.*?)>`)

type TemplateConfig struct {
	TerminatedConfig
	// IgnoreLines replies are dropped before the response lines.
	IgnoreLines   int `toml:"ignore_lines"`
	ResponseLines int `toml:"response_lines"`
	// InitialReadDelay drops everything read this long after connecting,
	// such as banners and prompts. Writes wait it out.
	InitialReadDelay      Duration `toml:"initial_read_delay"`
	ResponseTimeout       Duration `toml:"response_timeout"`
	ResponsePollingPeriod Duration `toml:"response_polling_period"`
	RaiseExceptions       bool     `toml:"raise_exceptions"`
}

func DefaultTemplateConfig() TemplateConfig {
	return TemplateConfig{
		TerminatedConfig:      DefaultTerminatedConfig(),
		ResponseLines:         1,
		ResponseTimeout:       Duration(5 * time.Second),
		ResponsePollingPeriod: Duration(20 * time.Millisecond),
	}
}

func (c TemplateConfig) validate() error {
	if err := c.TerminatedConfig.validate(); err != nil {
		return err
	}
	switch {
	case c.IgnoreLines < 0:
		return fmt.Errorf("%w: ignore_lines must be >= 0", ErrInvalidConfig)
	case c.ResponseLines < 1:
		return fmt.Errorf("%w: response_lines must be >= 1", ErrInvalidConfig)
	case c.InitialReadDelay < 0 || c.ResponseTimeout < 0:
		return fmt.Errorf("%w: delays must be >= 0", ErrInvalidConfig)
	case c.ResponsePollingPeriod <= 0:
		return fmt.Errorf("%w: response_polling_period must be > 0", ErrInvalidConfig)
	}
	return nil
}

// expectedReply is armed by a write and consumed by the reader.
type expectedReply struct {
	command string
	target  string
	packet  string
	pattern *regexp.Regexp
	items   []string
}

// Template drives line based text instruments. A command is sent as its
// command template with <ITEM> placeholders filled in; the reply lines are
// matched against the response template and the captured values written
// into the response packet. The writer blocks until that packet is built.
type Template struct {
	Terminated
	cfg     TemplateConfig
	signals chan responseSignal

	mu      sync.Mutex
	pending *expectedReply
	lines   [][]byte
	readyAt time.Time

	// Read path only.
	settled bool
	// Write path only.
	waiting bool
}

var (
	_ Interrupter  = (*Template)(nil)
	_ WriteAborter = (*Template)(nil)
)

func NewTemplate(cfg TemplateConfig) (*Template, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	t := &Template{cfg: cfg, signals: make(chan responseSignal, 16)}
	t.setup("template", cfg.TerminatedConfig)
	return t, nil
}

func (t *Template) push(sig responseSignal) {
	select {
	case t.signals <- sig:
	default:
		t.Log().Warn().Msg("response queue full, dropping signal")
	}
}

func (t *Template) drain() {
	for {
		select {
		case <-t.signals:
		default:
			return
		}
	}
}

func (t *Template) ConnectReset() {
	t.Terminated.ConnectReset()
	t.drain()
	t.settled = false
	t.mu.Lock()
	t.pending, t.lines = nil, nil
	t.readyAt = time.Now().Add(time.Duration(t.cfg.InitialReadDelay))
	t.mu.Unlock()
}

func (t *Template) DisconnectReset() {
	t.Terminated.DisconnectReset()
	t.settled = false
	t.setPending(nil)
}

// Interrupt wakes a writer blocked on a reply.
func (t *Template) Interrupt() {
	t.push(responseSignal{disconnected: true})
}

func (t *Template) AbortWrite() {
	t.waiting = false
	t.setPending(nil)
}

func (t *Template) setPending(r *expectedReply) {
	t.mu.Lock()
	t.pending, t.lines = r, nil
	t.mu.Unlock()
}

func (t *Template) delayLeft() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Until(t.readyAt)
}

func (t *Template) ReadData(data []byte, extra map[string]any) (DataResult, error) {
	if len(data) > 0 && !t.settled && t.cfg.InitialReadDelay > 0 {
		if t.delayLeft() > 0 {
			return StopData(), nil
		}
		t.settled = true
	}
	return t.Terminated.ReadData(data, extra)
}

// ReadPacket collects reply lines while a response is expected. Lines read
// with nothing pending pass through untouched.
func (t *Template) ReadPacket(p *packet.Packet) (PacketResult, error) {
	t.mu.Lock()
	r := t.pending
	if r == nil {
		t.mu.Unlock()
		return Pass(p), nil
	}
	t.lines = append(t.lines, append([]byte(nil), p.Buffer...))
	if len(t.lines) < t.cfg.IgnoreLines+t.cfg.ResponseLines {
		t.mu.Unlock()
		return StopPacket(), nil
	}
	var reply []byte
	for _, line := range t.lines[t.cfg.IgnoreLines:] {
		reply = append(reply, line...)
	}
	t.pending, t.lines = nil, nil
	t.mu.Unlock()

	out, err := t.buildReply(r, string(reply))
	if err != nil {
		t.Log().Error().Err(err).Str("command", r.command).Str("reply", string(reply)).Msg("bad response")
		t.push(responseSignal{err: err})
	} else {
		t.push(responseSignal{})
	}
	if out == nil {
		return Pass(p), nil
	}
	out.Extra = p.Extra
	return Pass(out), nil
}

// buildReply fills the response packet from the reply text. A reply that
// does not match still yields the packet with its id items set.
func (t *Template) buildReply(r *expectedReply, reply string) (*packet.Packet, error) {
	catalog := t.Catalog()
	if catalog == nil {
		return nil, ErrCatalogRequired
	}
	tmpl, ok := catalog.Template(r.target, r.packet, packet.Telemetry)
	if !ok {
		return nil, fmt.Errorf("%w: response packet %s %s", ErrUnknownPacket, r.target, r.packet)
	}
	out := tmpl.NewPacket(make([]byte, tmpl.Length))
	for _, it := range tmpl.IDItems() {
		if err := out.WriteItem(it.Name, it.IDValue); err != nil {
			return nil, err
		}
	}

	m := r.pattern.FindStringSubmatch(reply)
	if m == nil || len(m)-1 != len(r.items) {
		return out, fmt.Errorf("%w: %q", ErrUnexpectedResponse, reply)
	}
	for i, raw := range m[1:] {
		v, err := parseValue(raw)
		if err == nil {
			err = out.WriteItem(r.items[i], v)
		}
		if err != nil {
			return out, fmt.Errorf("%w: could not write %s=%q: %v", ErrUnexpectedResponse, r.items[i], raw, err)
		}
	}
	return out, nil
}

// parseValue accepts integers in any Go base prefix and integral floats.
func parseValue(raw string) (uint64, error) {
	raw = strings.TrimSpace(raw)
	if v, err := strconv.ParseUint(raw, 0, 64); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f < 0 || f != float64(uint64(f)) {
		return 0, errors.New("not an unsigned integer")
	}
	return uint64(f), nil
}

// WritePacket replaces the command with its filled in command template and
// arms the expected reply.
func (t *Template) WritePacket(p *packet.Packet) (PacketResult, error) {
	if d := t.delayLeft(); d > 0 {
		time.Sleep(d)
	}

	cmdTmpl, rspTmpl, rspPacket := templatesOf(p)
	if cmdTmpl == "" {
		return PacketResult{}, fmt.Errorf("%w: %s has no command template", ErrInvalidConfig, p.Name())
	}
	text := cmdTmpl
	for _, m := range placeholder.FindAllStringSubmatch(cmdTmpl, -1) {
		v, err := p.ReadItem(m[1])
		if err != nil {
			return PacketResult{}, err
		}
		value := strconv.FormatUint(v, 10)
		text = strings.ReplaceAll(text, m[0], value)
		rspPacket = strings.ReplaceAll(rspPacket, m[0], value)
	}

	var reply *expectedReply
	if rspTmpl != "" && rspPacket != "" {
		var err error
		if reply, err = compileReply(rspTmpl); err != nil {
			return PacketResult{}, err
		}
		reply.command = p.Name()
		reply.target = p.TargetName
		reply.packet = rspPacket
	}

	res, err := t.Terminated.WritePacket(&packet.Packet{Buffer: []byte(text), Extra: p.Extra})
	if err != nil || res.Signal != Continue {
		return res, err
	}
	t.waiting = reply != nil
	t.drain()
	t.setPending(reply)
	return res, nil
}

func templatesOf(p *packet.Packet) (cmd, rsp, rspPacket string) {
	if p.Template != nil {
		cmd, rsp, rspPacket = p.Template.CmdTemplate, p.Template.RspTemplate, p.Template.RspPacket
	}
	if v, ok := p.Extra[ExtraCmdTemplate].(string); ok {
		cmd = v
	}
	if v, ok := p.Extra[ExtraRspTemplate].(string); ok {
		rsp = v
	}
	if v, ok := p.Extra[ExtraRspPacket].(string); ok {
		rspPacket = v
	}
	return cmd, strings.TrimSpace(rsp), strings.TrimSpace(rspPacket)
}

// compileReply turns "T=<TEMP> V=<VOLTS>" into a pattern with one capture
// group per placeholder.
func compileReply(rspTmpl string) (*expectedReply, error) {
	r := &expectedReply{}
	var expr strings.Builder
	last := 0
	for _, loc := range placeholder.FindAllStringSubmatchIndex(rspTmpl, -1) {
		expr.WriteString(regexp.QuoteMeta(rspTmpl[last:loc[0]]))
		expr.WriteString("(.*)")
		r.items = append(r.items, rspTmpl[loc[2]:loc[3]])
		last = loc[1]
	}
	expr.WriteString(regexp.QuoteMeta(rspTmpl[last:]))
	pattern, err := regexp.Compile(expr.String())
	if err != nil {
		return nil, fmt.Errorf("%w: response template %q: %v", ErrInvalidConfig, rspTmpl, err)
	}
	r.pattern = pattern
	return r, nil
}

// PostWrite blocks until the reply is parsed, the timeout passes or the
// link disconnects.
func (t *Template) PostWrite(p *packet.Packet, data []byte, extra map[string]any) error {
	if !t.waiting {
		return nil
	}
	t.waiting = false
	defer t.setPending(nil)

	timeout := time.Duration(t.cfg.ResponseTimeout)
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(time.Duration(t.cfg.ResponsePollingPeriod))
	defer ticker.Stop()
	for {
		select {
		case sig := <-t.signals:
			switch {
			case sig.disconnected:
				return ErrDisconnected
			case sig.err != nil && t.cfg.RaiseExceptions:
				return sig.err
			}
			return nil
		case <-ticker.C:
			if timeout == 0 || time.Now().Before(deadline) {
				continue
			}
			t.Log().Warn().Str("command", strings.TrimSpace(string(data))).Dur("timeout", timeout).Msg("timeout waiting for response")
			observability.RecordResponseTimeout(t.InterfaceName())
			if t.cfg.RaiseExceptions {
				return fmt.Errorf("%w: after %s", ErrResponseTimeout, timeout)
			}
			return nil
		}
	}
}
