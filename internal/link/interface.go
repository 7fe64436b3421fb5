// Package link runs a transport through an ordered chain of protocol
// stages and turns raw bytes into packets and back.
package link

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/linkctl/internal/observability"
	"github.com/danmuck/linkctl/internal/packet"
	"github.com/danmuck/linkctl/internal/protocol"
	"github.com/danmuck/linkctl/internal/transport"
	"github.com/rs/zerolog"
)

type registered struct {
	kind  string
	stage protocol.Stage
	dir   protocol.Direction
}

// Interface owns one transport and its protocol chains. The read chain is
// the registration order; the write chain is the reverse. A read-write
// stage sits in both, mirrored.
type Interface struct {
	cfg       Config
	transport transport.Transport
	catalog   packet.Catalog
	log       zerolog.Logger

	stages     []registered
	readChain  []protocol.Stage
	writeChain []protocol.Stage

	connected atomic.Bool
	// readMu is held while the read chain runs, writeMu while the write
	// chain runs. Stage resets need both.
	readMu       sync.Mutex
	writeMu      sync.Mutex
	resetPending atomic.Bool

	statsMu sync.Mutex
	stats   counters
}

type counters struct {
	bytesRead      uint64
	bytesWritten   uint64
	packetsRead    uint64
	packetsWritten uint64
	reconnects     uint64
	lastRead       []byte
	lastWrite      []byte
	lastReadAt     time.Time
	lastWriteAt    time.Time
	connectedAt    time.Time
}

// New builds an interface over tr. catalog may be nil.
func New(cfg Config, tr transport.Transport, catalog packet.Catalog) (*Interface, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tr == nil {
		return nil, fmt.Errorf("%w: transport required", ErrInvalidConfig)
	}
	return &Interface{
		cfg:       cfg,
		transport: tr,
		catalog:   catalog,
		log:       observability.Component("link").With().Str("interface", cfg.Name).Logger(),
	}, nil
}

func (i *Interface) Name() string { return i.cfg.Name }

func (i *Interface) Config() Config { return i.cfg }

func (i *Interface) Catalog() packet.Catalog { return i.catalog }

// TargetNames returns the configured targets, or every catalog target of
// kind when none are configured.
func (i *Interface) TargetNames(kind packet.Kind) []string {
	if len(i.cfg.Targets) > 0 {
		out := make([]string, len(i.cfg.Targets))
		for n, t := range i.cfg.Targets {
			out[n] = strings.ToUpper(strings.TrimSpace(t))
		}
		return out
	}
	if i.catalog == nil {
		return nil
	}
	return i.catalog.TargetNames(kind)
}

// AddStage registers s for dir. kind is the stage type shown in StageInfo.
func (i *Interface) AddStage(kind string, s protocol.Stage, dir protocol.Direction) error {
	if s == nil {
		return fmt.Errorf("%w: nil stage", ErrInvalidConfig)
	}
	if i.Connected() {
		return ErrChainLocked
	}
	i.stages = append(i.stages, registered{kind: kind, stage: s, dir: dir})
	if dir.Reads() {
		i.readChain = append(i.readChain, s)
	}
	if dir.Writes() {
		i.writeChain = append([]protocol.Stage{s}, i.writeChain...)
	}
	var last protocol.Stage
	if n := len(i.readChain); n > 0 {
		last = i.readChain[n-1]
	}
	for _, r := range i.stages {
		r.stage.Attach(i, r.stage == last)
	}
	return nil
}

// AddStages builds each spec through reg and registers it in order.
func (i *Interface) AddStages(reg *protocol.Registry, specs []StageSpec) error {
	for n, spec := range specs {
		dir, err := protocol.ParseDirection(spec.Direction)
		if err != nil {
			return fmt.Errorf("stage %d: %w", n, err)
		}
		s, err := reg.Build(spec.Type, spec.Params, protocol.Deps{Catalog: i.catalog})
		if err != nil {
			return fmt.Errorf("stage %d: %w", n, err)
		}
		if err := i.AddStage(strings.ToLower(spec.Type), s, dir); err != nil {
			return fmt.Errorf("stage %d: %w", n, err)
		}
	}
	return nil
}

func (i *Interface) Connected() bool { return i.connected.Load() }

// Connect opens the transport and resets every stage.
func (i *Interface) Connect(ctx context.Context) error {
	if err := i.transport.Connect(ctx); err != nil {
		return err
	}
	i.writeMu.Lock()
	i.readMu.Lock()
	i.resetPending.Store(false)
	for _, r := range i.stages {
		r.stage.ConnectReset()
	}
	i.readMu.Unlock()
	i.writeMu.Unlock()
	i.statsMu.Lock()
	i.stats.connectedAt = time.Now()
	i.statsMu.Unlock()
	i.connected.Store(true)
	observability.SetConnected(i.cfg.Name, true)
	i.log.Info().Int("stages", len(i.stages)).Msg("connected")
	return nil
}

// Disconnect closes the transport and wakes any writer blocked on a
// response. It never blocks on the chain locks: stage resets run here when
// both chains are idle, otherwise on whichever path releases its lock last.
func (i *Interface) Disconnect() error {
	if !i.connected.Swap(false) {
		return nil
	}
	err := i.transport.Disconnect()
	i.resetPending.Store(true)
	for _, r := range i.stages {
		if in, ok := r.stage.(protocol.Interrupter); ok {
			in.Interrupt()
		}
	}
	i.flushResets()
	observability.SetConnected(i.cfg.Name, false)
	i.log.Info().Msg("disconnected")
	return err
}

// flushResets runs pending DisconnectReset calls if neither chain is in
// use. Every unlock of readMu or writeMu is followed by a call, so a
// pending reset is never lost.
func (i *Interface) flushResets() {
	for i.resetPending.Load() {
		if !i.readMu.TryLock() {
			return
		}
		if !i.writeMu.TryLock() {
			i.readMu.Unlock()
			return
		}
		if i.resetPending.Swap(false) {
			for _, r := range i.stages {
				r.stage.DisconnectReset()
			}
		}
		i.writeMu.Unlock()
		i.readMu.Unlock()
	}
}

// Read returns the next packet. A nil packet with a nil error means the
// connection ended, either at the transport or because a stage asked to
// disconnect. Stage errors disconnect the interface and are returned.
func (i *Interface) Read(ctx context.Context) (*packet.Packet, error) {
	if !i.cfg.ReadAllowed {
		return nil, ErrReadNotAllowed
	}
	if !i.Connected() {
		return nil, ErrNotConnected
	}

	// The first pass feeds empty input so a stage already holding a full
	// packet can emit it without a transport read.
	first := len(i.readChain) > 0
	for {
		data := []byte{}
		var extra map[string]any
		if first {
			first = false
		} else {
			if !i.Connected() {
				return nil, nil
			}
			raw, rawExtra, err := i.readTransport(ctx)
			if err != nil {
				if errors.Is(err, io.EOF) {
					i.log.Info().Msg("transport closed")
					_ = i.Disconnect()
					return nil, nil
				}
				return nil, err
			}
			i.countRead(raw)
			data, extra = raw, rawExtra
		}

		p, sig, err := i.runReadChain(data, extra)
		if err != nil {
			return nil, i.fail(err)
		}
		switch sig {
		case protocol.Stop:
			continue
		case protocol.Disconnect:
			_ = i.Disconnect()
			return nil, nil
		}

		if !p.Identified() && i.catalog != nil {
			if t, ok := packet.Identify(i.catalog, p.Buffer, packet.Telemetry, i.TargetNames(packet.Telemetry)); ok {
				p.Identify(t)
			}
		}
		if p.ReceivedTime.IsZero() {
			p.ReceivedTime = time.Now()
		}
		i.statsMu.Lock()
		i.stats.packetsRead++
		i.statsMu.Unlock()
		observability.RecordRead(i.cfg.Name, len(p.Buffer))
		return p, nil
	}
}

// runReadChain passes data through the byte and packet hooks of the read
// chain under readMu.
func (i *Interface) runReadChain(data []byte, extra map[string]any) (*packet.Packet, protocol.Signal, error) {
	i.readMu.Lock()
	defer i.flushResets()
	defer i.readMu.Unlock()

	out, extra, sig, err := i.readData(data, extra)
	if err != nil || sig != protocol.Continue {
		return nil, sig, err
	}
	p := packet.New(out)
	p.Extra = extra
	return i.readPacket(p)
}

func (i *Interface) readTransport(ctx context.Context) ([]byte, map[string]any, error) {
	if er, ok := i.transport.(transport.ExtraReader); ok {
		return er.ReadExtra(ctx)
	}
	raw, err := i.transport.Read(ctx)
	return raw, nil, err
}

func (i *Interface) readData(data []byte, extra map[string]any) ([]byte, map[string]any, protocol.Signal, error) {
	for _, s := range i.readChain {
		res, err := s.ReadData(data, extra)
		if err != nil {
			return nil, nil, protocol.Disconnect, err
		}
		if res.Signal != protocol.Continue {
			return nil, nil, res.Signal, nil
		}
		data, extra = res.Data, res.Extra
	}
	return data, extra, protocol.Continue, nil
}

func (i *Interface) readPacket(p *packet.Packet) (*packet.Packet, protocol.Signal, error) {
	for _, s := range i.readChain {
		res, err := s.ReadPacket(p)
		if err != nil {
			return nil, protocol.Disconnect, err
		}
		if res.Signal != protocol.Continue {
			return nil, res.Signal, nil
		}
		p = res.Packet
	}
	return p, protocol.Continue, nil
}

func (i *Interface) fail(err error) error {
	i.log.Error().Err(err).Msg("protocol error, disconnecting")
	_ = i.Disconnect()
	return err
}

// Write sends p through the write chain. The caller keeps ownership of p;
// stages work on a copy. A stage Stop drops the packet without error.
func (i *Interface) Write(ctx context.Context, p *packet.Packet) error {
	if !i.cfg.WriteAllowed {
		return ErrWriteNotAllowed
	}
	if p == nil {
		return fmt.Errorf("%w: nil packet", ErrInvalidConfig)
	}
	i.writeMu.Lock()
	defer i.flushResets()
	defer i.writeMu.Unlock()
	if !i.Connected() {
		return ErrNotConnected
	}

	sent := false
	defer func() {
		if !sent {
			i.abortWrite()
		}
	}()

	p = p.Clone()
	for _, s := range i.writeChain {
		res, err := s.WritePacket(p)
		if err != nil {
			return err
		}
		switch res.Signal {
		case protocol.Stop:
			return nil
		case protocol.Disconnect:
			_ = i.Disconnect()
			return ErrDisconnected
		}
		p = res.Packet
	}

	data := append([]byte(nil), p.Buffer...)
	extra := p.Extra
	for _, s := range i.writeChain {
		res, err := s.WriteData(data, extra)
		if err != nil {
			return err
		}
		switch res.Signal {
		case protocol.Stop:
			return nil
		case protocol.Disconnect:
			_ = i.Disconnect()
			return ErrDisconnected
		}
		data, extra = res.Data, res.Extra
	}

	if err := i.send(ctx, data, true); err != nil {
		return err
	}
	sent = true
	for _, s := range i.writeChain {
		if err := s.PostWrite(p, data, extra); err != nil {
			return err
		}
	}
	return nil
}

func (i *Interface) abortWrite() {
	for _, s := range i.writeChain {
		if a, ok := s.(protocol.WriteAborter); ok {
			a.AbortWrite()
		}
	}
}

// WriteRaw sends data to the transport without touching the stages.
func (i *Interface) WriteRaw(ctx context.Context, data []byte) error {
	if !i.cfg.WriteRawAllowed {
		return ErrWriteRawNotAllowed
	}
	i.writeMu.Lock()
	defer i.flushResets()
	defer i.writeMu.Unlock()
	if !i.Connected() {
		return ErrNotConnected
	}
	return i.send(ctx, data, false)
}

func (i *Interface) send(ctx context.Context, data []byte, isPacket bool) error {
	n, err := i.transport.Write(ctx, data)
	if err != nil {
		i.log.Error().Err(err).Msg("transport write failed")
		_ = i.Disconnect()
		return err
	}
	i.statsMu.Lock()
	i.stats.bytesWritten += uint64(n)
	if isPacket {
		i.stats.packetsWritten++
	}
	i.stats.lastWrite = append(i.stats.lastWrite[:0], data...)
	i.stats.lastWriteAt = time.Now()
	i.statsMu.Unlock()
	observability.RecordWrite(i.cfg.Name, n, isPacket)
	return nil
}

func (i *Interface) countRead(raw []byte) {
	i.statsMu.Lock()
	i.stats.bytesRead += uint64(len(raw))
	i.stats.lastRead = append(i.stats.lastRead[:0], raw...)
	i.stats.lastReadAt = time.Now()
	i.statsMu.Unlock()
	observability.RecordReadBytes(i.cfg.Name, len(raw))
}

func (i *Interface) noteReconnect() {
	i.statsMu.Lock()
	i.stats.reconnects++
	i.statsMu.Unlock()
	observability.RecordReconnect(i.cfg.Name)
}

// Stats is a point in time view of an interface.
type Stats struct {
	Name           string    `json:"name"`
	Connected      bool      `json:"connected"`
	BytesRead      uint64    `json:"bytes_read"`
	BytesWritten   uint64    `json:"bytes_written"`
	PacketsRead    uint64    `json:"packets_read"`
	PacketsWritten uint64    `json:"packets_written"`
	Reconnects     uint64    `json:"reconnects"`
	LastRead       string    `json:"last_raw_read,omitempty"`
	LastWrite      string    `json:"last_raw_write,omitempty"`
	LastReadAt     time.Time `json:"last_read_at,omitzero"`
	LastWriteAt    time.Time `json:"last_write_at,omitzero"`
	ConnectedAt    time.Time `json:"connected_at,omitzero"`
}

func (i *Interface) Stats() Stats {
	i.statsMu.Lock()
	defer i.statsMu.Unlock()
	return Stats{
		Name:           i.cfg.Name,
		Connected:      i.Connected(),
		BytesRead:      i.stats.bytesRead,
		BytesWritten:   i.stats.bytesWritten,
		PacketsRead:    i.stats.packetsRead,
		PacketsWritten: i.stats.packetsWritten,
		Reconnects:     i.stats.reconnects,
		LastRead:       hex.EncodeToString(i.stats.lastRead),
		LastWrite:      hex.EncodeToString(i.stats.lastWrite),
		LastReadAt:     i.stats.lastReadAt,
		LastWriteAt:    i.stats.lastWriteAt,
		ConnectedAt:    i.stats.connectedAt,
	}
}

// StageInfo describes one registered stage.
type StageInfo struct {
	Type      string `json:"type"`
	Direction string `json:"direction"`
}

func (i *Interface) StageInfo() []StageInfo {
	out := make([]StageInfo, 0, len(i.stages))
	for _, r := range i.stages {
		out = append(out, StageInfo{Type: r.kind, Direction: r.dir.String()})
	}
	return out
}
