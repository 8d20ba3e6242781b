package session

import "github.com/juanpablocruz/coapen/pkg/message"

// EventKind classifies what Receive/Expire surfaced to the
// application layer.
type EventKind uint8

const (
	// EventRequest: an inbound request opened (or re-delivered into)
	// an incoming exchange.
	EventRequest EventKind = iota
	// EventResponse: an open outgoing exchange completed with a
	// response.
	EventResponse
	// EventFailed: an exchange reached its failure outcome (retry
	// exhaustion, reset, cancellation, protocol rejection).
	EventFailed
	// EventReset: an inbound reset matched no exchange; out-of-band
	// signal, session state unchanged.
	EventReset
	// EventUnmatched: a response arrived whose token matches no open
	// exchange.
	EventUnmatched
)

func (k EventKind) String() string {
	switch k {
	case EventRequest:
		return "request"
	case EventResponse:
		return "response"
	case EventFailed:
		return "failed"
	case EventReset:
		return "reset"
	case EventUnmatched:
		return "unmatched"
	}
	return "unknown"
}

// Event is one application-visible outcome. Message is valid for
// request/response/unmatched; Exchange for request/response/failed;
// Err for failed.
type Event struct {
	Kind     EventKind
	Message  message.Message
	Exchange *Exchange
	Err      error
}
