// Package reliability tracks in-flight confirmable messages per peer:
// retransmission deadlines with exponential backoff and jitter, and
// deduplication of retransmitted inbound messages by message-id.
package reliability

import "time"

// Params are the transmission tunables. Defaults follow the protocol's
// ACK_TIMEOUT / ACK_RANDOM_FACTOR / MAX_RETRANSMIT conventions; every
// field is overridable.
type Params struct {
	// AckTimeout is the initial retransmission interval before
	// jitter is applied.
	AckTimeout time.Duration
	// AckRandomFactor scales the initial interval by a uniform
	// random factor in [1, AckRandomFactor].
	AckRandomFactor float64
	// BackoffFactor multiplies the interval after each retransmit.
	BackoffFactor float64
	// MaxInterval caps a single backoff interval.
	MaxInterval time.Duration
	// MaxRetransmit is the retry ceiling: a confirmable message is
	// transmitted at most 1+MaxRetransmit times.
	MaxRetransmit int
	// DedupWindow is how long a received message-id is remembered.
	// It must cover the peer's maximum plausible retransmission
	// span; the default is the protocol's EXCHANGE_LIFETIME.
	DedupWindow time.Duration
}

// DefaultParams returns the RFC 7252 §4.8 defaults.
func DefaultParams() Params {
	return Params{
		AckTimeout:      2 * time.Second,
		AckRandomFactor: 1.5,
		BackoffFactor:   2,
		MaxInterval:     45 * time.Second,
		MaxRetransmit:   4,
		DedupWindow:     247 * time.Second,
	}
}

// MaxTransmitSpan is the worst-case time from first transmission to
// the last retransmission.
func (p Params) MaxTransmitSpan() time.Duration {
	span := float64(p.AckTimeout)
	interval := float64(p.AckTimeout)
	for i := 0; i < p.MaxRetransmit-1; i++ {
		interval *= p.BackoffFactor
		if m := float64(p.MaxInterval); p.MaxInterval > 0 && interval > m {
			interval = m
		}
		span += interval
	}
	return time.Duration(span * p.AckRandomFactor)
}

// sanitized fills zero fields from the defaults so a partially
// populated Params cannot stall the tracker.
func (p Params) sanitized() Params {
	d := DefaultParams()
	if p.AckTimeout <= 0 {
		p.AckTimeout = d.AckTimeout
	}
	if p.AckRandomFactor < 1 {
		p.AckRandomFactor = d.AckRandomFactor
	}
	if p.BackoffFactor < 1 {
		p.BackoffFactor = d.BackoffFactor
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = d.MaxInterval
	}
	if p.MaxRetransmit < 0 {
		p.MaxRetransmit = d.MaxRetransmit
	}
	if p.DedupWindow <= 0 {
		p.DedupWindow = d.DedupWindow
	}
	return p
}
