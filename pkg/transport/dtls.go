package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/pion/dtls/v3"
)

// handshakeTimeout bounds every DTLS handshake, inbound and outbound.
const handshakeTimeout = 10 * time.Second

// PSKConfig builds a pre-shared-key DTLS config usable on both ends of
// a secured datagram binding.
func PSKConfig(identity string, key []byte) *dtls.Config {
	return &dtls.Config{
		PSK: func(hint []byte) ([]byte, error) {
			return key, nil
		},
		PSKIdentityHint:      []byte(identity),
		CipherSuites:         []dtls.CipherSuiteID{dtls.TLS_PSK_WITH_AES_128_CCM_8},
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
	}
}

func handshake(c net.Conn) error {
	dc, ok := c.(*dtls.Conn)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()
	return dc.HandshakeContext(ctx)
}

// DTLSBinding is the secured datagram binding. Record boundaries
// preserve frame boundaries, so like UDP it needs no extra framing.
// Outbound peers are handshaked lazily on first Send and cached;
// accepted peers become replyable automatically.
type DTLSBinding struct {
	ln     net.Listener
	cfg    *dtls.Config
	addr   Addr
	in     chan envelope
	closed chan struct{}

	mu    sync.Mutex
	conns map[Addr]net.Conn
}

// ListenDTLS opens a server-side binding on addr.
func ListenDTLS(addr string, cfg *dtls.Config) (*DTLSBinding, error) {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	ln, err := dtls.Listen("udp", ua, cfg)
	if err != nil {
		return nil, err
	}
	b := &DTLSBinding{
		ln:     ln,
		cfg:    cfg,
		addr:   Addr(ln.Addr().String()),
		in:     make(chan envelope, 256),
		closed: make(chan struct{}),
		conns:  make(map[Addr]net.Conn),
	}
	go b.acceptLoop()
	return b, nil
}

// DialDTLS opens a client-side binding whose Sends all go to one
// server; to must match the dialed address.
func DialDTLS(server string, cfg *dtls.Config) (*DTLSBinding, error) {
	ua, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return nil, err
	}
	c, err := dtls.Dial("udp", ua, cfg)
	if err != nil {
		return nil, err
	}
	if err := handshake(c); err != nil {
		_ = c.Close()
		return nil, err
	}
	b := &DTLSBinding{
		cfg:    cfg,
		addr:   Addr(c.LocalAddr().String()),
		in:     make(chan envelope, 256),
		closed: make(chan struct{}),
		conns:  map[Addr]net.Conn{Addr(server): c},
	}
	go b.readLoop(c, Addr(server))
	return b, nil
}

func (b *DTLSBinding) Kind() Kind      { return DTLS }
func (b *DTLSBinding) LocalAddr() Addr { return b.addr }

func (b *DTLSBinding) Close() {
	select {
	case <-b.closed:
		return
	default:
		close(b.closed)
		if b.ln != nil {
			_ = b.ln.Close()
		}
		b.mu.Lock()
		for _, c := range b.conns {
			_ = c.Close()
		}
		b.conns = map[Addr]net.Conn{}
		b.mu.Unlock()
	}
}

func (b *DTLSBinding) RecvFrom(ctx context.Context) (Addr, []byte, bool) {
	select {
	case <-b.closed:
		return "", nil, false
	case <-ctx.Done():
		return "", nil, false
	case env := <-b.in:
		return env.from, env.data, true
	}
}

func (b *DTLSBinding) Send(to Addr, frame []byte) error {
	select {
	case <-b.closed:
		return ErrClosed
	default:
	}
	c := b.conn(to)
	if c == nil {
		return errors.New("no secured connection to " + string(to))
	}
	_ = c.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := c.Write(frame)
	_ = c.SetWriteDeadline(time.Time{})
	if err != nil {
		b.drop(to, c)
	}
	return err
}

func (b *DTLSBinding) conn(to Addr) net.Conn {
	b.mu.Lock()
	c, ok := b.conns[to]
	b.mu.Unlock()
	if ok {
		return c
	}
	if b.ln != nil {
		// server side never dials out; peers must handshake in
		return nil
	}
	ua, err := net.ResolveUDPAddr("udp", string(to))
	if err != nil {
		return nil
	}
	d, err := dtls.Dial("udp", ua, b.cfg)
	if err != nil {
		return nil
	}
	if err := handshake(d); err != nil {
		_ = d.Close()
		return nil
	}
	b.mu.Lock()
	if existing, ok := b.conns[to]; ok {
		b.mu.Unlock()
		_ = d.Close()
		return existing
	}
	b.conns[to] = d
	b.mu.Unlock()
	go b.readLoop(d, to)
	return d
}

func (b *DTLSBinding) drop(peer Addr, c net.Conn) {
	b.mu.Lock()
	if cur, ok := b.conns[peer]; ok && cur == c {
		_ = cur.Close()
		delete(b.conns, peer)
	}
	b.mu.Unlock()
}

func (b *DTLSBinding) acceptLoop() {
	for {
		c, err := b.ln.Accept()
		if err != nil {
			select {
			case <-b.closed:
				return
			default:
				time.Sleep(50 * time.Millisecond)
				continue
			}
		}
		peer := Addr(c.RemoteAddr().String())
		go func() {
			if err := handshake(c); err != nil {
				_ = c.Close()
				return
			}
			b.mu.Lock()
			b.conns[peer] = c
			b.mu.Unlock()
			b.readLoop(c, peer)
			b.drop(peer, c)
		}()
	}
}

func (b *DTLSBinding) readLoop(c net.Conn, from Addr) {
	buf := make([]byte, 64*1024)
	for {
		n, err := c.Read(buf)
		if err != nil {
			return
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		select {
		case b.in <- envelope{from: from, data: frame}:
		case <-b.closed:
			return
		}
	}
}
