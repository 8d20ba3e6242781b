package engine

import (
	"time"

	"github.com/juanpablocruz/coapen/pkg/message"
	"github.com/juanpablocruz/coapen/pkg/reliability"
)

// Config carries the numeric tunables of the engine. Zero fields take
// the defaults below.
type Config struct {
	// Reliability are the retransmission/dedup parameters applied to
	// every session.
	Reliability reliability.Params
	// IdleTimeout closes sessions with no open exchanges after this
	// long without traffic; it bounds session accumulation from
	// transient peers.
	IdleTimeout time.Duration
	// MTU bounds encoded message size per transport write.
	MTU int
	// EventBuffer is the capacity of the observability event
	// channel.
	EventBuffer int
}

// DefaultConfig mirrors the protocol defaults.
func DefaultConfig() Config {
	return Config{
		Reliability: reliability.DefaultParams(),
		IdleTimeout: 300 * time.Second,
		MTU:         message.DefaultMTU,
		EventBuffer: 256,
	}
}

func (c Config) sanitized() Config {
	d := DefaultConfig()
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.MTU <= 0 {
		c.MTU = d.MTU
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
	return c
}
