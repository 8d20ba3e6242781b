package transport

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"time"
)

// TCPBinding implements Binding over stream connections. Outbound
// connections are dialed lazily on first Send and cached per peer;
// inbound connections become replyable automatically.
type TCPBinding struct {
	ln       net.Listener
	addr     Addr
	in       chan envelope
	closed   chan struct{}
	maxFrame int

	mu    sync.Mutex
	conns map[Addr]*streamPeer
}

// TCPOption configures ListenTCP.
type TCPOption func(*TCPBinding)

// WithMaxFrame caps the length-prefixed frame size in both directions;
// callers size it from their message MTU. Zero keeps the default.
func WithMaxFrame(n int) TCPOption {
	return func(b *TCPBinding) { b.maxFrame = n }
}

type streamPeer struct {
	addr Addr
	c    net.Conn
	r    *bufio.Reader
	wmu  sync.Mutex

	mu          sync.Mutex
	lastActUnix int64
}

func ListenTCP(addr string, opts ...TCPOption) (*TCPBinding, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	b := &TCPBinding{
		ln:     ln,
		addr:   Addr(ln.Addr().String()),
		in:     make(chan envelope, 128),
		closed: make(chan struct{}),
		conns:  make(map[Addr]*streamPeer),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	go b.acceptLoop()
	go b.pruneLoop(2 * time.Minute)
	return b, nil
}

func (b *TCPBinding) Kind() Kind      { return TCP }
func (b *TCPBinding) LocalAddr() Addr { return b.addr }

func (b *TCPBinding) Close() {
	select {
	case <-b.closed:
		return
	default:
		close(b.closed)
		_ = b.ln.Close()
		b.mu.Lock()
		for _, p := range b.conns {
			_ = p.c.Close()
		}
		b.conns = map[Addr]*streamPeer{}
		b.mu.Unlock()
	}
}

func (b *TCPBinding) RecvFrom(ctx context.Context) (Addr, []byte, bool) {
	select {
	case <-b.closed:
		return "", nil, false
	case <-ctx.Done():
		return "", nil, false
	case env := <-b.in:
		return env.from, env.data, true
	}
}

func (b *TCPBinding) Send(to Addr, frame []byte) error {
	select {
	case <-b.closed:
		return ErrClosed
	default:
	}

	p := b.getOrDial(to)
	if p == nil {
		return errors.New("dial failed")
	}
	p.wmu.Lock()
	// prevent indefinite blocking on slow/broken peers
	_ = p.c.SetWriteDeadline(time.Now().Add(5 * time.Second))
	err := writeFrame(p.c, frame, b.maxFrame)
	_ = p.c.SetWriteDeadline(time.Time{})
	p.wmu.Unlock()
	if err != nil {
		// drop the broken conn so the next Send re-dials
		b.mu.Lock()
		if cur, ok := b.conns[to]; ok && cur == p {
			_ = cur.c.Close()
			delete(b.conns, to)
		}
		b.mu.Unlock()
		return err
	}
	p.touch()
	return nil
}

func (p *streamPeer) touch() {
	p.mu.Lock()
	p.lastActUnix = time.Now().Unix()
	p.mu.Unlock()
}

func (b *TCPBinding) getOrDial(to Addr) *streamPeer {
	b.mu.Lock()
	if p, ok := b.conns[to]; ok {
		b.mu.Unlock()
		return p
	}
	b.mu.Unlock()

	// dial without holding the lock
	c, err := net.DialTimeout("tcp", string(to), 2*time.Second)
	if err != nil {
		return nil
	}
	p := &streamPeer{addr: to, c: c, r: bufio.NewReader(c)}
	p.touch()

	go b.readLoop(p, to)

	b.mu.Lock()
	// if someone raced and stored a conn, keep the cached one
	if existing, ok := b.conns[to]; ok {
		b.mu.Unlock()
		_ = c.Close()
		return existing
	}
	b.conns[to] = p
	b.mu.Unlock()
	return p
}

func (b *TCPBinding) readLoop(p *streamPeer, from Addr) {
	defer p.c.Close()
	for {
		frame, err := readFrame(p.r, b.maxFrame)
		if err != nil {
			return
		}
		p.touch()
		select {
		case b.in <- envelope{from: from, data: frame}:
		case <-b.closed:
			return
		}
	}
}

func (b *TCPBinding) acceptLoop() {
	for {
		c, err := b.ln.Accept()
		if err != nil {
			select {
			case <-b.closed:
				return
			default:
				// brief sleep to avoid a tight loop on transient errors
				time.Sleep(50 * time.Millisecond)
				continue
			}
		}
		go b.handleConn(c)
	}
}

func (b *TCPBinding) handleConn(c net.Conn) {
	peer := Addr(c.RemoteAddr().String())
	p := &streamPeer{addr: peer, c: c, r: bufio.NewReader(c)}
	p.touch()

	// make this inbound conn replyable
	b.mu.Lock()
	b.conns[peer] = p
	b.mu.Unlock()

	defer func() {
		// remove only if still the same pointer
		b.mu.Lock()
		if cur, ok := b.conns[peer]; ok && cur == p {
			delete(b.conns, peer)
		}
		b.mu.Unlock()
		_ = c.Close()
	}()

	for {
		frame, err := readFrame(p.r, b.maxFrame)
		if err != nil {
			return
		}
		p.touch()
		select {
		case b.in <- envelope{from: peer, data: frame}:
		case <-b.closed:
			return
		}
	}
}

// pruneLoop drops cached conns idle beyond maxIdle.
func (b *TCPBinding) pruneLoop(maxIdle time.Duration) {
	t := time.NewTicker(maxIdle / 2)
	defer t.Stop()
	for {
		select {
		case <-b.closed:
			return
		case <-t.C:
			cutoff := time.Now().Add(-maxIdle).Unix()
			b.mu.Lock()
			for addr, p := range b.conns {
				p.mu.Lock()
				idle := p.lastActUnix < cutoff
				p.mu.Unlock()
				if idle {
					_ = p.c.Close()
					delete(b.conns, addr)
				}
			}
			b.mu.Unlock()
		}
	}
}
