// coapserve runs a standalone protocol server exposing a few demo
// resources over any combination of UDP, TCP and DTLS listeners.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/juanpablocruz/coapen/internal/config"
	"github.com/juanpablocruz/coapen/pkg/engine"
	"github.com/juanpablocruz/coapen/pkg/message"
	"github.com/juanpablocruz/coapen/pkg/session"
	"github.com/juanpablocruz/coapen/pkg/transport"
)

func main() {
	var (
		configPath  = pflag.String("config", "", "TOML configuration file")
		udpListen   = pflag.String("udp", "", "UDP listen address (overrides config)")
		tcpListen   = pflag.String("tcp", "", "TCP listen address (overrides config)")
		dtlsListen  = pflag.String("dtls", "", "DTLS listen address (overrides config)")
		pskIdentity = pflag.String("psk-identity", "", "DTLS PSK identity hint")
		pskKey      = pflag.String("psk-key", "", "DTLS PSK key, hex encoded")
		logLevel    = pflag.String("log-level", "", "debug|info|warn|error")
	)
	pflag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatal(err)
		}
		cfg = loaded
	}
	if *udpListen != "" {
		cfg.UDPListen = *udpListen
	}
	if *tcpListen != "" {
		cfg.TCPListen = *tcpListen
	}
	if *dtlsListen != "" {
		cfg.DTLSListen = *dtlsListen
	}
	if *pskIdentity != "" {
		cfg.PSKIdentity = *pskIdentity
	}
	if *pskKey != "" {
		cfg.PSKKey = *pskKey
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}
	setupLogging(cfg.LogLevel)

	e := engine.New(cfg.Engine, &server{started: time.Now()})
	if err := addBindings(e, cfg); err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("serving",
		"udp", cfg.UDPListen, "tcp", cfg.TCPListen, "dtls", cfg.DTLSListen)
	if err := e.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(err)
	}
	slog.Info("shut down", "stats", e.Stats().String())
}

func setupLogging(level string) {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

func addBindings(e *engine.Engine, cfg config.Config) error {
	if cfg.UDPListen != "" {
		b, err := transport.ListenUDP(cfg.UDPListen)
		if err != nil {
			return fmt.Errorf("udp listen: %w", err)
		}
		e.AddBinding(b)
	}
	if cfg.TCPListen != "" {
		b, err := transport.ListenTCP(cfg.TCPListen, transport.WithMaxFrame(cfg.Engine.MTU))
		if err != nil {
			return fmt.Errorf("tcp listen: %w", err)
		}
		e.AddBinding(b)
	}
	if cfg.DTLSListen != "" {
		key, err := hex.DecodeString(cfg.PSKKey)
		if err != nil {
			return fmt.Errorf("psk key: %w", err)
		}
		b, err := transport.ListenDTLS(cfg.DTLSListen, transport.PSKConfig(cfg.PSKIdentity, key))
		if err != nil {
			return fmt.Errorf("dtls listen: %w", err)
		}
		e.AddBinding(b)
	}
	return nil
}

// server answers the demo resources: /time, /echo and /ping.
type server struct {
	started time.Time
}

func (h *server) OnRequest(s *session.Session, ex *session.Exchange, m message.Message) {
	now := time.Now()
	resp := h.respond(m)
	if err := s.Reply(now, ex, resp); err != nil {
		slog.Warn("reply failed", "peer", string(s.Peer()), "err", err)
	}
}

func (h *server) respond(m message.Message) message.Message {
	path := m.Options.Path()
	switch {
	case m.Code == message.GET && path == "/time":
		return message.Message{
			Code:    message.Content,
			Payload: []byte(time.Now().UTC().Format(time.RFC3339)),
		}
	case m.Code == message.GET && path == "/uptime":
		resp := message.Message{Code: message.Content}
		if err := resp.SetCBORPayload(time.Since(h.started).Seconds()); err != nil {
			return message.Message{Code: message.InternalError}
		}
		return resp
	case m.Code == message.POST && path == "/echo":
		return message.Message{Code: message.Changed, Payload: m.Payload}
	case path == "/time" || path == "/uptime" || path == "/echo":
		return message.Message{Code: message.MethodNotAllowed}
	}
	return message.Message{Code: message.NotFound}
}

func (h *server) OnResponse(ex *session.Exchange, m message.Message) {
	// a pure server never opens outgoing exchanges
}

func (h *server) OnExchangeFailed(ex *session.Exchange, err error) {
	slog.Warn("exchange failed", "err", err)
}
