package session

import (
	"time"

	"github.com/juanpablocruz/coapen/pkg/message"
)

// ExchangeState is the lifecycle of one request/response pairing.
type ExchangeState uint8

const (
	ExchangeOpen ExchangeState = iota
	ExchangeCompleted
	ExchangeFailed
)

func (s ExchangeState) String() string {
	switch s {
	case ExchangeOpen:
		return "open"
	case ExchangeCompleted:
		return "completed"
	case ExchangeFailed:
		return "failed"
	}
	return "unknown"
}

// Role distinguishes who opened the exchange.
type Role uint8

const (
	// Outgoing: we sent the request and await the response.
	Outgoing Role = iota
	// Incoming: the peer sent the request; the application answers
	// through Session.Reply.
	Incoming
)

// Exchange is one in-progress request/response interaction, keyed by
// token within its session. It references the session by key only;
// the session owns it.
type Exchange struct {
	// Token correlates the request with its response(s).
	Token []byte
	// MessageID of the request that opened the exchange.
	MessageID uint16
	Role      Role
	State     ExchangeState
	// Request is the message that opened the exchange.
	Request message.Message
	Created time.Time

	key string
}

// Key is the token in map-key form.
func (e *Exchange) Key() string { return e.key }

// Terminal reports whether the exchange has reached its single
// terminal outcome.
func (e *Exchange) Terminal() bool { return e.State != ExchangeOpen }
