package engine

import (
	"time"

	"github.com/juanpablocruz/coapen/pkg/transport"
)

// EventType labels observability events; these feed monitoring tools
// (cmd/coapwatch), not the Handler contract.
type EventType string

const (
	EventRequest        EventType = "request"
	EventResponse       EventType = "response"
	EventExchangeFailed EventType = "exchange_failed"
	EventReset          EventType = "reset"
	EventUnmatched      EventType = "unmatched"
	EventSessionOpen    EventType = "session_open"
	EventSessionClosed  EventType = "session_closed"
	EventWarn           EventType = "warn"
)

// Event is one observability record.
type Event struct {
	Time      time.Time
	Peer      transport.Addr
	Transport transport.Kind
	Type      EventType
	Fields    map[string]any
}

// Events exposes the observability stream. The channel is never
// closed; events are dropped when the consumer lags.
func (e *Engine) Events() <-chan Event { return e.events }

func (e *Engine) emit(now time.Time, peer transport.Addr, kind transport.Kind, t EventType, f map[string]any) {
	select {
	case e.events <- Event{Time: now, Peer: peer, Transport: kind, Type: t, Fields: f}:
	default: // drop if the consumer is slow
	}
}
