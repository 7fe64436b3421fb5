package transport

import (
	"context"
	"io"
	"sync"
)

const loopbackDepth = 256

// Loopback is an in-memory transport. A lone loopback echoes writes back
// to its own reader; NewPipe returns two ends wired to each other.
type Loopback struct {
	mu        sync.Mutex
	in        chan []byte
	peer      *Loopback
	done      chan struct{}
	connected bool
}

func NewLoopback() *Loopback {
	l := &Loopback{in: make(chan []byte, loopbackDepth)}
	l.peer = l
	return l
}

// NewPipe returns two connected ends: writes on a are read from b and the
// other way round.
func NewPipe() (*Loopback, *Loopback) {
	a := NewLoopback()
	b := NewLoopback()
	a.peer, b.peer = b, a
	return a, b
}

func (l *Loopback) Connect(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.connected {
		l.done = make(chan struct{})
		l.connected = true
	}
	return nil
}

func (l *Loopback) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

func (l *Loopback) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.connected {
		close(l.done)
		l.connected = false
	}
	return nil
}

func (l *Loopback) state() (chan struct{}, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done, l.connected
}

func (l *Loopback) Read(ctx context.Context) ([]byte, error) {
	done, ok := l.state()
	if !ok {
		return nil, ErrNotConnected
	}
	select {
	case data := <-l.in:
		return data, nil
	case <-done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Loopback) Write(ctx context.Context, data []byte) (int, error) {
	if _, ok := l.state(); !ok {
		return 0, ErrNotConnected
	}
	select {
	case l.peer.in <- append([]byte(nil), data...):
		return len(data), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
