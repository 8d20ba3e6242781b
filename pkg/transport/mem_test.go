package transport

import (
	"context"
	"testing"
	"time"
)

func TestDelivery(t *testing.T) {
	sw := NewSwitch()
	a, err := sw.Listen("A")
	if err != nil {
		t.Fatal(err)
	}
	b, err := sw.Listen("B")
	if err != nil {
		t.Fatal(err)
	}

	if err := a.Send("B", []byte("ping")); err != nil {
		t.Fatalf("send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	from, got, ok := b.RecvFrom(ctx)
	if !ok || string(got) != "ping" || from != "A" {
		t.Fatalf("recv mismatch: ok=%v from=%q got=%q", ok, from, got)
	}
}

func TestCloseStopsRecv(t *testing.T) {
	sw := NewSwitch()
	a, err := sw.Listen("A")
	if err != nil {
		t.Fatal(err)
	}

	a.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, _, ok := a.RecvFrom(ctx); ok {
		t.Fatalf("expected closed recv to return ok=false")
	}
	if err := a.Send("A", nil); err == nil {
		t.Fatalf("expected send on closed binding to fail")
	}
}

func TestAddrPredicates(t *testing.T) {
	cases := []struct {
		addr      Addr
		wildcard  bool
		multicast bool
	}{
		{"0.0.0.0:5683", true, false},
		{"[::]:5683", true, false},
		{"224.0.1.187:5683", false, true},
		{"[ff02::fd]:5683", false, true},
		{"192.0.2.1:5683", false, false},
		{"", true, false},
	}
	for _, tc := range cases {
		if got := tc.addr.IsWildcard(); got != tc.wildcard {
			t.Errorf("%q IsWildcard=%v want %v", tc.addr, got, tc.wildcard)
		}
		if got := tc.addr.IsMulticast(); got != tc.multicast {
			t.Errorf("%q IsMulticast=%v want %v", tc.addr, got, tc.multicast)
		}
	}
	if !Addr("a:1").Equal("a:1") || Addr("a:1").Equal("a:2") {
		t.Fatal("Equal mismatch")
	}
}
