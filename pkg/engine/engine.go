// Package engine multiplexes sessions across peers and transport
// bindings: it owns the session registry, routes inbound frames,
// aggregates timer deadlines, and turns session outcomes into handler
// calls and observability events.
package engine

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/juanpablocruz/coapen/pkg/message"
	"github.com/juanpablocruz/coapen/pkg/security"
	"github.com/juanpablocruz/coapen/pkg/session"
	"github.com/juanpablocruz/coapen/pkg/transport"
)

// ErrNoBinding is returned when a session is requested for a transport
// kind with no registered binding.
var ErrNoBinding = errors.New("no binding for transport kind")

// sessionKey identifies a session: the same peer address over two
// transport kinds is two independent sessions.
type sessionKey struct {
	peer transport.Addr
	kind transport.Kind
}

// Handler receives application-level outcomes. All methods are called
// from the engine's single mutation flow; implementations must not call
// back into the engine from within a callback.
type Handler interface {
	// OnRequest delivers an inbound request. The handler answers now or
	// later through Reply on the same session and exchange.
	OnRequest(s *session.Session, ex *session.Exchange, m message.Message)
	// OnResponse delivers the response that completed an outgoing
	// exchange.
	OnResponse(ex *session.Exchange, m message.Message)
	// OnExchangeFailed reports an exchange's failure outcome.
	OnExchangeFailed(ex *session.Exchange, err error)
}

// SecurityFactory produces the security wrapper for a new session.
// DTLS-like transports typically return Noop here (the binding itself
// encrypts); object-security schemes return a real wrapper.
type SecurityFactory func(peer transport.Addr, kind transport.Kind) security.Wrapper

// Engine is the per-process protocol context. Session state is mutated
// only from OnReadable/OnTimerFire/Send and friends, which the caller
// serializes (Run does this when used); the registry mutex covers only
// map lookups so that NextWakeup and Sessions stay callable from other
// goroutines.
type Engine struct {
	cfg     Config
	handler Handler
	secFor  SecurityFactory
	sessOpt []session.Option
	log     *slog.Logger

	mu       sync.Mutex
	sessions map[sessionKey]*session.Session
	bindings map[transport.Kind]transport.Binding

	events chan Event
	posted chan func(now time.Time)
	stats  Stats
}

// EngineOption configures New.
type EngineOption func(*Engine)

func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

// WithSecurityFactory installs per-session security wrappers.
func WithSecurityFactory(f SecurityFactory) EngineOption {
	return func(e *Engine) { e.secFor = f }
}

// WithSessionOptions appends options applied to every session the
// engine creates; tests use it to pin seeds.
func WithSessionOptions(opts ...session.Option) EngineOption {
	return func(e *Engine) { e.sessOpt = append(e.sessOpt, opts...) }
}

// New builds an engine. handler may be nil; outcomes then surface only
// on the event stream.
func New(cfg Config, handler Handler, opts ...EngineOption) *Engine {
	cfg = cfg.sanitized()
	e := &Engine{
		cfg:      cfg,
		handler:  handler,
		sessions: make(map[sessionKey]*session.Session),
		bindings: make(map[transport.Kind]transport.Binding),
		events:   make(chan Event, cfg.EventBuffer),
		posted:   make(chan func(now time.Time), 64),
		log:      slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Stats exposes the engine counters.
func (e *Engine) Stats() StatsSnapshot { return e.stats.Snapshot() }

// Post hands fn to the Run loop, which calls it with the loop's
// current time. It is the only safe way to reach Send or session state
// from another goroutine while Run is active; calling the mutating
// methods directly would race with the loop. Post blocks when the
// queue is full and needs a running loop to drain it.
func (e *Engine) Post(fn func(now time.Time)) {
	e.posted <- fn
}

// AddBinding registers a transport binding. One binding per kind; a
// second registration for the same kind replaces the first.
func (e *Engine) AddBinding(b transport.Binding) {
	e.mu.Lock()
	e.bindings[b.Kind()] = b
	e.mu.Unlock()
}

// Binding returns the registered binding for kind, or nil.
func (e *Engine) Binding(kind transport.Kind) transport.Binding {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bindings[kind]
}

// SessionCount reports the number of live sessions.
func (e *Engine) SessionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// Sessions returns a snapshot of the live sessions; monitoring tools
// use it for display only and must not drive the sessions.
func (e *Engine) Sessions() []*session.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*session.Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		out = append(out, s)
	}
	return out
}

// Session returns the existing session for (peer, kind), or nil.
func (e *Engine) Session(peer transport.Addr, kind transport.Kind) *session.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[sessionKey{peer, kind}]
}

// LookupOrCreateSession returns the session for (peer, kind), creating
// it when absent. Creation requires a registered binding for kind.
func (e *Engine) LookupOrCreateSession(now time.Time, peer transport.Addr, kind transport.Kind) (*session.Session, error) {
	key := sessionKey{peer, kind}
	e.mu.Lock()
	if s, ok := e.sessions[key]; ok {
		e.mu.Unlock()
		return s, nil
	}
	b, ok := e.bindings[kind]
	e.mu.Unlock()
	if !ok {
		return nil, ErrNoBinding
	}

	opts := []session.Option{
		session.WithParams(e.cfg.Reliability),
		session.WithMTU(e.cfg.MTU),
		session.WithIdleTimeout(e.cfg.IdleTimeout),
	}
	if e.secFor != nil {
		opts = append(opts, session.WithSecurity(e.secFor(peer, kind)))
	}
	opts = append(opts, e.sessOpt...)
	s := session.New(peer, b, now, opts...)

	e.mu.Lock()
	// lost a race with a concurrent creator; keep theirs
	if prior, ok := e.sessions[key]; ok {
		e.mu.Unlock()
		return prior, nil
	}
	e.sessions[key] = s
	e.mu.Unlock()

	e.stats.add(func(ss *StatsSnapshot) { ss.SessionsOpened++ })
	e.emit(now, peer, kind, EventSessionOpen, nil)
	e.log.Debug("session created", "peer", string(peer), "transport", kind.String())
	return s, nil
}

// Send opens the session for (peer, kind) if needed and sends m through
// it. Requests return the opened exchange.
func (e *Engine) Send(now time.Time, peer transport.Addr, kind transport.Kind, m message.Message) (*session.Exchange, error) {
	s, err := e.LookupOrCreateSession(now, peer, kind)
	if err != nil {
		return nil, err
	}
	return s.Send(now, m)
}

// OnReadable feeds one inbound frame from (kind, peer) into its
// session, creating the session on first contact.
func (e *Engine) OnReadable(now time.Time, kind transport.Kind, peer transport.Addr, frame []byte) error {
	e.stats.add(func(ss *StatsSnapshot) { ss.FramesIn++ })
	s, err := e.LookupOrCreateSession(now, peer, kind)
	if err != nil {
		return err
	}
	e.dispatch(now, s, s.Receive(now, frame))
	e.sweep(now, sessionKey{peer, kind}, s)
	return nil
}

// OnTimerFire runs every session's due work: retransmissions, retry
// exhaustion, idle closure. Closed sessions are removed from the
// registry afterwards.
func (e *Engine) OnTimerFire(now time.Time) {
	e.stats.add(func(ss *StatsSnapshot) { ss.TimerFires++ })
	for key, s := range e.snapshot() {
		e.dispatch(now, s, s.Expire(now))
		e.sweep(now, key, s)
	}
}

// NextWakeup reports the earliest instant at which any session needs
// OnTimerFire; zero means no timer is needed.
func (e *Engine) NextWakeup() time.Time {
	var min time.Time
	for _, s := range e.snapshot() {
		w := s.NextWakeup()
		if w.IsZero() {
			continue
		}
		if min.IsZero() || w.Before(min) {
			min = w
		}
	}
	return min
}

// Shutdown asks every session to drain gracefully; in-flight exchanges
// keep retransmitting until resolved, no new sends are accepted.
// Quiet sessions close and leave the registry immediately; OnTimerFire
// drives the rest of the drain.
func (e *Engine) Shutdown(now time.Time) {
	for key, s := range e.snapshot() {
		s.Shutdown()
		e.sweep(now, key, s)
	}
}

// Close force-closes every session, failing open exchanges, and closes
// all bindings.
func (e *Engine) Close(now time.Time) {
	for key, s := range e.snapshot() {
		e.dispatch(now, s, s.Close(now))
		e.sweep(now, key, s)
	}
	e.mu.Lock()
	bindings := make([]transport.Binding, 0, len(e.bindings))
	for _, b := range e.bindings {
		bindings = append(bindings, b)
	}
	e.mu.Unlock()
	for _, b := range bindings {
		b.Close()
	}
}

func (e *Engine) snapshot() map[sessionKey]*session.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[sessionKey]*session.Session, len(e.sessions))
	for k, s := range e.sessions {
		out[k] = s
	}
	return out
}

// sweep drops a session from the registry once it is fully closed.
func (e *Engine) sweep(now time.Time, key sessionKey, s *session.Session) {
	if s.State() != session.Closed {
		return
	}
	e.mu.Lock()
	if e.sessions[key] == s {
		delete(e.sessions, key)
	}
	e.mu.Unlock()
	e.stats.add(func(ss *StatsSnapshot) { ss.SessionsClosed++ })
	e.emit(now, key.peer, key.kind, EventSessionClosed, nil)
	e.log.Debug("session closed", "peer", string(key.peer), "transport", key.kind.String())
}

func (e *Engine) dispatch(now time.Time, s *session.Session, evs []session.Event) {
	peer, kind := s.Peer(), s.Kind()
	for _, ev := range evs {
		switch ev.Kind {
		case session.EventRequest:
			e.stats.add(func(ss *StatsSnapshot) { ss.RequestsIn++ })
			e.emit(now, peer, kind, EventRequest, map[string]any{
				"code": ev.Message.Code.String(),
				"mid":  ev.Message.MessageID,
			})
			if e.handler != nil {
				e.handler.OnRequest(s, ev.Exchange, ev.Message)
			}
		case session.EventResponse:
			e.stats.add(func(ss *StatsSnapshot) { ss.ResponsesIn++ })
			e.emit(now, peer, kind, EventResponse, map[string]any{
				"code": ev.Message.Code.String(),
				"mid":  ev.Message.MessageID,
			})
			if e.handler != nil {
				e.handler.OnResponse(ev.Exchange, ev.Message)
			}
		case session.EventFailed:
			e.stats.add(func(ss *StatsSnapshot) { ss.ExchangesFailed++ })
			e.emit(now, peer, kind, EventExchangeFailed, map[string]any{
				"err": ev.Err.Error(),
			})
			if e.handler != nil {
				e.handler.OnExchangeFailed(ev.Exchange, ev.Err)
			}
		case session.EventReset:
			e.stats.add(func(ss *StatsSnapshot) { ss.ResetsIn++ })
			e.emit(now, peer, kind, EventReset, map[string]any{
				"mid": ev.Message.MessageID,
			})
		case session.EventUnmatched:
			e.stats.add(func(ss *StatsSnapshot) { ss.Unmatched++ })
			e.emit(now, peer, kind, EventUnmatched, map[string]any{
				"code": ev.Message.Code.String(),
			})
		}
	}
}
