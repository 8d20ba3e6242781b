package transport

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/pion/dtls/v3"
)

func TestPSKConfig(t *testing.T) {
	key := []byte{0xde, 0xad, 0xbe, 0xef}
	cfg := PSKConfig("gateway", key)

	got, err := cfg.PSK([]byte("gateway"))
	if err != nil {
		t.Fatalf("PSK callback: %v", err)
	}
	if !bytes.Equal(got, key) {
		t.Fatalf("PSK = %x, want %x", got, key)
	}
	if string(cfg.PSKIdentityHint) != "gateway" {
		t.Fatalf("identity hint = %q", cfg.PSKIdentityHint)
	}
	if len(cfg.CipherSuites) != 1 || cfg.CipherSuites[0] != dtls.TLS_PSK_WITH_AES_128_CCM_8 {
		t.Fatalf("cipher suites = %v", cfg.CipherSuites)
	}
	if cfg.ExtendedMasterSecret != dtls.RequireExtendedMasterSecret {
		t.Fatal("extended master secret must be required")
	}
}

func TestDTLSLoopback(t *testing.T) {
	key := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	srv, err := ListenDTLS("127.0.0.1:0", PSKConfig("srv", key))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer srv.Close()

	cli, err := DialDTLS(string(srv.LocalAddr()), PSKConfig("srv", key))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cli.Close()

	frame := []byte{0x40, 0x01, 0x12, 0x34}
	if err := cli.Send(srv.LocalAddr(), frame); err != nil {
		t.Fatalf("send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	peer, got, ok := srv.RecvFrom(ctx)
	if !ok {
		t.Fatal("server received nothing")
	}
	if !bytes.Equal(got, frame) {
		t.Fatalf("frame = %x, want %x", got, frame)
	}

	// The accepted connection is replyable without a dial-back.
	reply := []byte{0x60, 0x45, 0x12, 0x34}
	if err := srv.Send(peer, reply); err != nil {
		t.Fatalf("reply: %v", err)
	}
	_, got, ok = cli.RecvFrom(ctx)
	if !ok {
		t.Fatal("client received nothing")
	}
	if !bytes.Equal(got, reply) {
		t.Fatalf("reply = %x, want %x", got, reply)
	}
}
