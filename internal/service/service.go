// Package service wires a loaded configuration into running interfaces and
// the status server.
package service

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/linkctl/internal/catalog"
	"github.com/danmuck/linkctl/internal/config"
	"github.com/danmuck/linkctl/internal/link"
	"github.com/danmuck/linkctl/internal/observability"
	"github.com/danmuck/linkctl/internal/packet"
	"github.com/danmuck/linkctl/internal/protocol"
	"github.com/danmuck/linkctl/internal/server"
	"github.com/danmuck/linkctl/internal/transport"
	"github.com/rs/zerolog"
)

// Service runs every configured interface plus the status server.
type Service struct {
	cfg     config.ServiceConfig
	catalog packet.Catalog
	ifaces  []*link.Interface
	status  *server.Server
	log     zerolog.Logger
	// OnPacket, when set, receives every packet read by any interface.
	OnPacket link.Handler
}

// New loads the catalog and builds transports, interfaces and stages.
// Nothing connects until Serve.
func New(cfg config.ServiceConfig) (*Service, error) {
	s := &Service{cfg: cfg, log: observability.Component("service")}
	if cfg.Catalog != "" {
		cat, err := catalog.LoadFile(cfg.Catalog)
		if err != nil {
			return nil, err
		}
		s.catalog = cat
	}

	reg := protocol.DefaultRegistry()
	s.status = server.New(cfg.Name, cfg.StatusAddr, cfg.CorsOrigins)
	for _, ic := range cfg.Interfaces {
		tr, err := transport.New(ic.TransportConfig())
		if err != nil {
			return nil, fmt.Errorf("interface %s: %w", ic.Name, err)
		}
		iface, err := link.New(ic.LinkConfig(), tr, s.catalog)
		if err != nil {
			return nil, fmt.Errorf("interface %s: %w", ic.Name, err)
		}
		if err := iface.AddStages(reg, ic.StageSpecs()); err != nil {
			return nil, fmt.Errorf("interface %s: %w", ic.Name, err)
		}
		s.ifaces = append(s.ifaces, iface)
		s.status.Register(iface)
	}
	return s, nil
}

func (s *Service) Interfaces() []*link.Interface { return s.ifaces }

func (s *Service) Status() *server.Server { return s.status }

// Run serves until SIGINT or SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Serve(ctx)
}

// Serve starts one runner per interface and the status server, then blocks
// until ctx is done or the status server fails.
func (s *Service) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, iface := range s.ifaces {
		wg.Add(1)
		go func(iface *link.Interface) {
			defer wg.Done()
			if err := link.NewRunner(iface, s.handle).Run(ctx); err != nil {
				s.log.Error().Err(err).Str("interface", iface.Name()).Msg("runner stopped")
			}
		}(iface)
	}

	statusErr := make(chan error, 1)
	go func() { statusErr <- s.status.Serve(ctx) }()

	s.log.Info().Str("service", s.cfg.Name).Int("interfaces", len(s.ifaces)).Msg("ready")
	ticker := time.NewTicker(time.Duration(s.cfg.Heartbeat))
	defer ticker.Stop()

	var err error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err = <-statusErr:
			if err != nil {
				err = fmt.Errorf("status server: %w", err)
			}
			break loop
		case <-ticker.C:
			s.heartbeat()
		}
	}
	cancel()
	wg.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	s.log.Info().Msg("shutdown")
	return err
}

func (s *Service) handle(ctx context.Context, iface *link.Interface, p *packet.Packet) {
	if s.OnPacket != nil {
		s.OnPacket(ctx, iface, p)
	}
	s.log.Debug().
		Str("interface", iface.Name()).
		Str("packet", p.Name()).
		Int("bytes", len(p.Buffer)).
		Str("data", hex.EncodeToString(head(p.Buffer, 32))).
		Msg("packet received")
}

func (s *Service) heartbeat() {
	for _, st := range s.status.Statuses() {
		s.log.Info().
			Str("interface", st.Name).
			Bool("connected", st.Connected).
			Uint64("packets_read", st.PacketsRead).
			Uint64("packets_written", st.PacketsWritten).
			Uint64("reconnects", st.Reconnects).
			Msg("heartbeat")
	}
}

func head(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
