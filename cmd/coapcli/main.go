// coapcli issues a single request against a server and prints the
// response.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/juanpablocruz/coapen/pkg/engine"
	"github.com/juanpablocruz/coapen/pkg/message"
	"github.com/juanpablocruz/coapen/pkg/session"
	"github.com/juanpablocruz/coapen/pkg/transport"
)

func main() {
	var (
		kindName    = pflag.String("transport", "udp", "udp|tcp|dtls")
		addr        = pflag.String("addr", "127.0.0.1:5683", "server address")
		method      = pflag.String("method", "GET", "GET|POST|PUT|DELETE")
		path        = pflag.String("path", "/", "resource path")
		payload     = pflag.String("payload", "", "request payload")
		nonConfirm  = pflag.Bool("non", false, "send non-confirmable")
		timeout     = pflag.Duration("timeout", 30*time.Second, "overall deadline")
		pskIdentity = pflag.String("psk-identity", "", "DTLS PSK identity hint")
		pskKey      = pflag.String("psk-key", "", "DTLS PSK key, hex encoded")
		verbose     = pflag.Bool("verbose", false, "debug logging")
	)
	pflag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	code, err := parseMethod(*method)
	if err != nil {
		log.Fatal(err)
	}
	b, kind, err := dial(*kindName, *addr, *pskIdentity, *pskKey)
	if err != nil {
		log.Fatal(err)
	}
	defer b.Close()

	req := message.Message{Type: message.Confirmable, Code: code}
	if *nonConfirm {
		req.Type = message.NonConfirmable
	}
	if err := req.Options.SetPath(*path); err != nil {
		log.Fatal(err)
	}
	if *payload != "" {
		req.Payload = []byte(*payload)
	}

	done := make(chan error, 1)
	e := engine.New(engine.DefaultConfig(), &printer{done: done})

	e.AddBinding(b)
	if _, err := e.Send(time.Now(), transport.Addr(*addr), kind, req); err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	go e.Run(ctx)

	select {
	case err := <-done:
		if err != nil {
			log.Fatal(err)
		}
	case <-ctx.Done():
		log.Fatal("timed out waiting for a response")
	}
}

func parseMethod(s string) (message.Code, error) {
	switch strings.ToUpper(s) {
	case "GET":
		return message.GET, nil
	case "POST":
		return message.POST, nil
	case "PUT":
		return message.PUT, nil
	case "DELETE":
		return message.DELETE, nil
	}
	return 0, fmt.Errorf("unknown method %q", s)
}

func dial(kindName, addr, pskIdentity, pskKey string) (transport.Binding, transport.Kind, error) {
	switch strings.ToLower(kindName) {
	case "udp":
		b, err := transport.ListenUDP(":0")
		return b, transport.UDP, err
	case "tcp":
		b, err := transport.ListenTCP(":0")
		return b, transport.TCP, err
	case "dtls":
		key, err := hex.DecodeString(pskKey)
		if err != nil {
			return nil, 0, fmt.Errorf("psk key: %w", err)
		}
		b, err := transport.DialDTLS(addr, transport.PSKConfig(pskIdentity, key))
		return b, transport.DTLS, err
	}
	return nil, 0, fmt.Errorf("unknown transport %q", kindName)
}

// printer completes the run on the first exchange outcome.
type printer struct {
	done chan error
}

func (p *printer) OnRequest(s *session.Session, ex *session.Exchange, m message.Message) {
	// one-shot client; unsolicited requests are answered 4.04
	_ = s.Reply(time.Now(), ex, message.Message{Code: message.NotFound})
}

func (p *printer) OnResponse(ex *session.Exchange, m message.Message) {
	fmt.Printf("%s", m.Code)
	if len(m.Payload) > 0 {
		fmt.Printf(" %s", m.Payload)
	}
	fmt.Println()
	p.done <- nil
}

func (p *printer) OnExchangeFailed(ex *session.Exchange, err error) {
	p.done <- err
}
