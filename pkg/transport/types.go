// Package transport provides the raw byte delivery bindings the engine
// multiplexes sessions over: an in-memory switch for tests, UDP, TCP
// with length-prefixed framing, a PSK-secured DTLS binding, and a
// chaos wrapper that injects loss, duplication and reordering.
package transport

import (
	"context"
	"errors"
	"net"
)

// Kind distinguishes binding flavors; the engine keys its session
// registry by (peer address, kind), so the same peer address reached
// over two kinds yields two sessions.
type Kind uint8

const (
	Mem Kind = iota
	UDP
	TCP
	DTLS
)

func (k Kind) String() string {
	switch k {
	case Mem:
		return "mem"
	case UDP:
		return "udp"
	case TCP:
		return "tcp"
	case DTLS:
		return "dtls"
	}
	return "unknown"
}

// Addr is a peer address in "host:port" form. Address resolution lives
// in the bindings; the engine only needs equality and the two
// predicates below.
type Addr string

func (a Addr) Equal(b Addr) bool { return a == b }

// IsWildcard reports whether the address names no specific host.
func (a Addr) IsWildcard() bool {
	host, _, err := net.SplitHostPort(string(a))
	if err != nil {
		host = string(a)
	}
	if host == "" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsUnspecified()
}

// IsMulticast reports whether the address names a multicast group.
func (a Addr) IsMulticast() bool {
	host, _, err := net.SplitHostPort(string(a))
	if err != nil {
		host = string(a)
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsMulticast()
}

// ErrClosed is returned by Send after a binding has been closed.
var ErrClosed = errors.New("binding closed")

// Binding is the minimal surface the engine needs from a transport.
// RecvFrom blocks until a frame arrives or the context/binding is
// done; all other methods never block indefinitely.
type Binding interface {
	Kind() Kind
	LocalAddr() Addr
	RecvFrom(ctx context.Context) (Addr, []byte, bool)
	Send(to Addr, frame []byte) error
	Close()
}
