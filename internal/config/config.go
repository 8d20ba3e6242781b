// Package config loads the TOML runtime configuration shared by the
// server and client commands: listen addresses per transport, DTLS
// credentials, and protocol tunables overlaid on the engine defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/juanpablocruz/coapen/pkg/engine"
)

// Config is the resolved runtime configuration.
type Config struct {
	// UDPListen/TCPListen/DTLSListen are host:port listen addresses;
	// empty disables the transport.
	UDPListen  string
	TCPListen  string
	DTLSListen string

	// PSKIdentity/PSKKey are the DTLS pre-shared credentials. The key
	// is hex-encoded in the file.
	PSKIdentity string
	PSKKey      string

	// LogLevel is one of debug/info/warn/error.
	LogLevel string

	Engine engine.Config
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		UDPListen: ":5683",
		LogLevel:  "info",
		Engine:    engine.DefaultConfig(),
	}
}

// fileConfig is the TOML key surface.
type fileConfig struct {
	UDPListen  string `toml:"udp_listen"`
	TCPListen  string `toml:"tcp_listen"`
	DTLSListen string `toml:"dtls_listen"`

	PSKIdentity string `toml:"psk_identity"`
	PSKKey      string `toml:"psk_key"`

	LogLevel string `toml:"log_level"`

	AckTimeoutMS    int     `toml:"ack_timeout_ms"`
	AckRandomFactor float64 `toml:"ack_random_factor"`
	MaxRetransmit   int     `toml:"max_retransmit"`
	DedupWindowS    int     `toml:"dedup_window_s"`
	IdleTimeoutS    int     `toml:"idle_timeout_s"`
	MTU             int     `toml:"mtu"`
	EventBuffer     int     `toml:"event_buffer"`
}

// Load reads path and overlays its keys on the defaults. Keys absent
// from the file keep their default values.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}

	if meta.IsDefined("udp_listen") {
		cfg.UDPListen = strings.TrimSpace(raw.UDPListen)
	}
	if meta.IsDefined("tcp_listen") {
		cfg.TCPListen = strings.TrimSpace(raw.TCPListen)
	}
	if meta.IsDefined("dtls_listen") {
		cfg.DTLSListen = strings.TrimSpace(raw.DTLSListen)
	}
	if meta.IsDefined("psk_identity") {
		cfg.PSKIdentity = strings.TrimSpace(raw.PSKIdentity)
	}
	if meta.IsDefined("psk_key") {
		cfg.PSKKey = strings.TrimSpace(raw.PSKKey)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(raw.LogLevel))
	}
	if meta.IsDefined("ack_timeout_ms") {
		cfg.Engine.Reliability.AckTimeout = time.Duration(raw.AckTimeoutMS) * time.Millisecond
	}
	if meta.IsDefined("ack_random_factor") {
		cfg.Engine.Reliability.AckRandomFactor = raw.AckRandomFactor
	}
	if meta.IsDefined("max_retransmit") {
		cfg.Engine.Reliability.MaxRetransmit = raw.MaxRetransmit
	}
	if meta.IsDefined("dedup_window_s") {
		cfg.Engine.Reliability.DedupWindow = time.Duration(raw.DedupWindowS) * time.Second
	}
	if meta.IsDefined("idle_timeout_s") {
		cfg.Engine.IdleTimeout = time.Duration(raw.IdleTimeoutS) * time.Second
	}
	if meta.IsDefined("mtu") {
		cfg.Engine.MTU = raw.MTU
	}
	if meta.IsDefined("event_buffer") {
		cfg.Engine.EventBuffer = raw.EventBuffer
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the runtime cannot honor.
func (c Config) Validate() error {
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("load config: unknown log_level %q", c.LogLevel)
	}
	if c.UDPListen == "" && c.TCPListen == "" && c.DTLSListen == "" {
		return fmt.Errorf("load config: at least one listen address is required")
	}
	if c.DTLSListen != "" && (c.PSKIdentity == "" || c.PSKKey == "") {
		return fmt.Errorf("load config: dtls_listen requires psk_identity and psk_key")
	}
	if c.Engine.Reliability.AckTimeout < 0 {
		return fmt.Errorf("load config: ack_timeout_ms must not be negative")
	}
	if c.Engine.Reliability.AckRandomFactor != 0 && c.Engine.Reliability.AckRandomFactor < 1 {
		return fmt.Errorf("load config: ack_random_factor must be >= 1")
	}
	if c.Engine.MTU < 0 {
		return fmt.Errorf("load config: mtu must not be negative")
	}
	return nil
}
