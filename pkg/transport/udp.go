package transport

import (
	"context"
	"net"
	"sync"
)

// UDPBinding carries one datagram per frame, the native fit for the
// message layer.
type UDPBinding struct {
	c      *net.UDPConn
	addr   Addr
	in     chan envelope
	closed chan struct{}
	once   sync.Once
}

func ListenUDP(addr string) (*UDPBinding, error) {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	c, err := net.ListenUDP("udp", ua)
	if err != nil {
		return nil, err
	}
	b := &UDPBinding{
		c:      c,
		addr:   Addr(c.LocalAddr().String()),
		in:     make(chan envelope, 256),
		closed: make(chan struct{}),
	}
	go b.readLoop()
	return b, nil
}

func (b *UDPBinding) Kind() Kind      { return UDP }
func (b *UDPBinding) LocalAddr() Addr { return b.addr }

func (b *UDPBinding) Close() {
	b.once.Do(func() {
		close(b.closed)
		_ = b.c.Close()
	})
}

func (b *UDPBinding) RecvFrom(ctx context.Context) (Addr, []byte, bool) {
	select {
	case <-b.closed:
		return "", nil, false
	case <-ctx.Done():
		return "", nil, false
	case env := <-b.in:
		return env.from, env.data, true
	}
}

// Send writes one datagram; no extra framing.
func (b *UDPBinding) Send(to Addr, frame []byte) error {
	select {
	case <-b.closed:
		return ErrClosed
	default:
	}
	ra, err := net.ResolveUDPAddr("udp", string(to))
	if err != nil {
		return err
	}
	_, err = b.c.WriteToUDP(frame, ra)
	return err
}

func (b *UDPBinding) readLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, raddr, err := b.c.ReadFromUDP(buf)
		if err != nil {
			return
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		select {
		case b.in <- envelope{from: Addr(raddr.String()), data: frame}:
		case <-b.closed:
			return
		}
	}
}
