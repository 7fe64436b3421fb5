package link

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/danmuck/linkctl/internal/packet"
)

// Handler receives every packet read by a Runner.
type Handler func(ctx context.Context, iface *Interface, p *packet.Packet)

// Runner is the dedicated reader loop of one interface. It connects, reads
// until the connection ends and reconnects with backoff while
// AutoReconnect is set.
type Runner struct {
	iface   *Interface
	handler Handler
	rng     *rand.Rand
}

func NewRunner(iface *Interface, handler Handler) *Runner {
	return &Runner{
		iface:   iface,
		handler: handler,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run blocks until ctx is done, or until the connection ends with
// AutoReconnect off. A cancelled context is not an error.
func (r *Runner) Run(ctx context.Context) error {
	cfg := r.iface.Config()
	log := r.iface.log
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		err := r.iface.Connect(ctx)
		if err == nil {
			attempt = 0
			err = r.readLoop(ctx)
			_ = r.iface.Disconnect()
		}
		if ctx.Err() != nil {
			return nil
		}
		if !cfg.AutoReconnect {
			return err
		}

		attempt++
		delay := NextBackoffDelay(cfg.Backoff, attempt, r.rng)
		ev := log.Warn().Int("attempt", attempt).Dur("delay", delay)
		if err != nil {
			ev = ev.Err(err)
		}
		ev.Msg("reconnecting")
		if err := sleepBackoff(ctx, delay); err != nil {
			return nil
		}
		r.iface.noteReconnect()
	}
}

func (r *Runner) readLoop(ctx context.Context) error {
	for {
		p, err := r.iface.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		if p == nil {
			return nil
		}
		if r.handler != nil {
			r.handler(ctx, r.iface, p)
		}
	}
}
