package link

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/linkctl/internal/packet"
	"github.com/danmuck/linkctl/internal/testutil/testlog"
	"github.com/danmuck/linkctl/internal/transport"
	"github.com/stretchr/testify/require"
)

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
	if got := NextBackoffDelay(BackoffConfig{}, 3, nil); got != 0 {
		t.Fatalf("zero config got=%v", got)
	}
}

func TestNextBackoffDelayJitterRange(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultBackoff()
	rng := rand.New(rand.NewSource(7))
	for attempt := 1; attempt <= 8; attempt++ {
		base := NextBackoffDelay(BackoffConfig{
			InitialDelay: cfg.InitialDelay,
			Multiplier:   cfg.Multiplier,
			MaxDelay:     cfg.MaxDelay,
		}, attempt, nil)
		got := NextBackoffDelay(cfg, attempt, rng)
		if got < base/2 || got >= base+base/2 {
			t.Fatalf("attempt %d jitter out of range: %v (base %v)", attempt, got, base)
		}
	}
}

type flaky struct {
	*transport.Loopback
	failures int32
	attempts atomic.Int32
}

func (f *flaky) Connect(ctx context.Context) error {
	if f.attempts.Add(1) <= f.failures {
		return errors.New("connection refused")
	}
	return f.Loopback.Connect(ctx)
}

func fastConfig(name string) Config {
	cfg := DefaultConfig(name)
	cfg.Backoff = BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond}
	return cfg
}

func TestRunnerDeliversPacketsAndStopsOnCancel(t *testing.T) {
	testlog.Start(t)

	a, b := transport.NewPipe()
	require.NoError(t, b.Connect(context.Background()))
	iface, err := New(fastConfig("runner"), a, nil)
	require.NoError(t, err)

	got := make(chan *packet.Packet, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- NewRunner(iface, func(_ context.Context, _ *Interface, p *packet.Packet) { got <- p }).Run(ctx)
	}()

	require.Eventually(t, iface.Connected, time.Second, 5*time.Millisecond)
	_, err = b.Write(context.Background(), []byte{0xCA, 0xFE})
	require.NoError(t, err)

	select {
	case p := <-got:
		require.Equal(t, []byte{0xCA, 0xFE}, p.Buffer)
	case <-time.After(2 * time.Second):
		t.Fatalf("no packet delivered")
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("runner did not stop")
	}
	require.False(t, iface.Connected())
}

func TestRunnerReconnectsWithBackoff(t *testing.T) {
	testlog.Start(t)

	a, b := transport.NewPipe()
	require.NoError(t, b.Connect(context.Background()))
	tr := &flaky{Loopback: a, failures: 3}
	iface, err := New(fastConfig("flaky"), tr, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- NewRunner(iface, nil).Run(ctx) }()

	require.Eventually(t, iface.Connected, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, int32(4), tr.attempts.Load())
	require.Equal(t, uint64(3), iface.Stats().Reconnects)

	cancel()
	require.NoError(t, <-done)
}

func TestRunnerWithoutAutoReconnectReturnsError(t *testing.T) {
	testlog.Start(t)

	cfg := fastConfig("once")
	cfg.AutoReconnect = false
	tr := &flaky{Loopback: transport.NewLoopback(), failures: 1}
	iface, err := New(cfg, tr, nil)
	require.NoError(t, err)

	err = NewRunner(iface, nil).Run(context.Background())
	require.EqualError(t, err, "connection refused")
	require.Equal(t, int32(1), tr.attempts.Load())
}
