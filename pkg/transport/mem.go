package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

type envelope struct {
	from Addr
	data []byte
}

// Switch delivers frames between in-memory bindings; it plays the
// network in tests.
type Switch struct {
	mu    sync.RWMutex
	inbox map[Addr]chan envelope
}

func NewSwitch() *Switch {
	return &Switch{inbox: make(map[Addr]chan envelope)}
}

// MemBinding is one attachment to a Switch.
type MemBinding struct {
	sw     *Switch
	addr   Addr
	in     chan envelope
	closed chan struct{}
}

func (s *Switch) Listen(addr Addr) (*MemBinding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.inbox[addr]; exists {
		return nil, fmt.Errorf("address already in use: %s", addr)
	}
	ch := make(chan envelope, 128)
	s.inbox[addr] = ch
	return &MemBinding{
		sw: s, addr: addr, in: ch, closed: make(chan struct{}),
	}, nil
}

func (b *MemBinding) Kind() Kind      { return Mem }
func (b *MemBinding) LocalAddr() Addr { return b.addr }

func (b *MemBinding) Close() {
	select {
	case <-b.closed:
		return
	default:
		close(b.closed)
		b.sw.mu.Lock()
		delete(b.sw.inbox, b.addr)
		b.sw.mu.Unlock()
	}
}

// RecvFrom blocks until a frame arrives or ctx/binding is closed.
func (b *MemBinding) RecvFrom(ctx context.Context) (Addr, []byte, bool) {
	select {
	case <-b.closed:
		return "", nil, false
	case <-ctx.Done():
		return "", nil, false
	case env := <-b.in:
		return env.from, env.data, true
	}
}

// Send delivers a frame to the destination address.
func (b *MemBinding) Send(to Addr, frame []byte) error {
	b.sw.mu.RLock()
	dst, ok := b.sw.inbox[to]
	b.sw.mu.RUnlock()
	if !ok {
		return errors.New("unknown destination")
	}
	select {
	case <-b.closed:
		return ErrClosed
	default:
	}
	select {
	case dst <- envelope{from: b.addr, data: frame}:
		return nil
	default:
		// backpressure / drop policy; blockless error for now
		return errors.New("destination inbox full")
	}
}
