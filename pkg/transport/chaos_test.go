package transport

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestChaosUpDown(t *testing.T) {
	sw := NewSwitch()
	a, err := sw.Listen("A")
	if err != nil {
		t.Fatal(err)
	}
	b, err := sw.Listen("B")
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	chaos := WrapChaos(a, ChaosConfig{Up: false, Seed: 1})
	defer chaos.Close()

	if err := chaos.Send("B", []byte("hi")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed when link down, got %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, _, ok := b.RecvFrom(ctx); ok {
		t.Fatalf("expected no frame when link down")
	}

	chaos.SetUp(true)
	if err := chaos.Send("B", []byte("hi")); err != nil {
		t.Fatalf("send after SetUp: %v", err)
	}
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	_, got, ok := b.RecvFrom(ctx2)
	if !ok || string(got) != "hi" {
		t.Fatalf("recv mismatch: ok=%v got=%q", ok, got)
	}
}

func TestChaosDup(t *testing.T) {
	sw := NewSwitch()
	a, err := sw.Listen("A")
	if err != nil {
		t.Fatal(err)
	}
	b, err := sw.Listen("B")
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	chaos := WrapChaos(a, ChaosConfig{Up: true, Dup: 1.0, Seed: 42})
	defer chaos.Close()

	if err := chaos.Send("B", []byte("x")); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n := 0
	for n < 2 {
		if _, _, ok := b.RecvFrom(ctx); !ok {
			break
		}
		n++
	}
	if n != 2 {
		t.Fatalf("expected duplicated delivery, got %d frames", n)
	}
}

func TestChaosLossDropsEverything(t *testing.T) {
	sw := NewSwitch()
	a, _ := sw.Listen("A")
	b, _ := sw.Listen("B")
	defer b.Close()

	chaos := WrapChaos(a, ChaosConfig{Up: true, Loss: 1.0, Seed: 7})
	defer chaos.Close()

	for range 10 {
		if err := chaos.Send("B", []byte("gone")); err != nil {
			t.Fatal(err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, _, ok := b.RecvFrom(ctx); ok {
		t.Fatalf("expected total loss")
	}
}
