package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "coapen.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
udp_listen = ":9000"
log_level = "debug"
ack_timeout_ms = 500
max_retransmit = 2
idle_timeout_s = 60
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.UDPListen != ":9000" {
		t.Fatalf("UDPListen = %q", cfg.UDPListen)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q", cfg.LogLevel)
	}
	if got := cfg.Engine.Reliability.AckTimeout; got != 500*time.Millisecond {
		t.Fatalf("AckTimeout = %v", got)
	}
	if got := cfg.Engine.Reliability.MaxRetransmit; got != 2 {
		t.Fatalf("MaxRetransmit = %d", got)
	}
	if got := cfg.Engine.IdleTimeout; got != 60*time.Second {
		t.Fatalf("IdleTimeout = %v", got)
	}
	// Untouched keys keep their defaults.
	def := Default()
	if got := cfg.Engine.Reliability.AckRandomFactor; got != def.Engine.Reliability.AckRandomFactor {
		t.Fatalf("AckRandomFactor = %v, want default %v", got, def.Engine.Reliability.AckRandomFactor)
	}
	if cfg.Engine.MTU != def.Engine.MTU {
		t.Fatalf("MTU = %d, want default %d", cfg.Engine.MTU, def.Engine.MTU)
	}
}

func TestLoadRejectsDTLSWithoutCredentials(t *testing.T) {
	path := writeConfig(t, `
dtls_listen = ":5684"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for dtls_listen without psk credentials")
	}
}

func TestLoadRejectsUnknownLogLevel(t *testing.T) {
	path := writeConfig(t, `
udp_listen = ":5683"
log_level = "verbose"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for unknown log level")
	}
}

func TestLoadRejectsNoListeners(t *testing.T) {
	path := writeConfig(t, `
udp_listen = ""
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error when every listener is disabled")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
