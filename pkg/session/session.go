// Package session implements the state machine for one logical peer
// connection: a transport handle, an opaque security context, and a
// reliability tracker, multiplexing concurrent exchanges by token.
package session

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/juanpablocruz/coapen/pkg/message"
	"github.com/juanpablocruz/coapen/pkg/reliability"
	"github.com/juanpablocruz/coapen/pkg/security"
	"github.com/juanpablocruz/coapen/pkg/transport"
)

// State is the connectivity state of a session.
type State uint8

const (
	Connecting State = iota // transport/security handshake in progress
	Established
	Closing // draining in-flight exchanges
	Closed  // terminal
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Established:
		return "established"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return "unknown"
}

var (
	// ErrSessionClosed is returned by Send on a closing or closed
	// session.
	ErrSessionClosed = errors.New("session closed")
	// ErrRetriesExhausted fails an exchange whose confirmable ran
	// out of retransmissions.
	ErrRetriesExhausted = errors.New("delivery failed: retries exhausted")
	// ErrPeerReset fails an exchange answered with a reset.
	ErrPeerReset = errors.New("exchange reset by peer")
	// ErrCanceled fails exchanges cut short by session closure.
	ErrCanceled = errors.New("exchange canceled: session closing")
	// ErrTokenSpaceExhausted: no token distinct from every open
	// exchange could be allocated.
	ErrTokenSpaceExhausted = errors.New("token space exhausted")
	// ErrMessageIDExhausted: every message-id is in flight.
	ErrMessageIDExhausted = errors.New("message-id space exhausted")
)

// Oversize is the block-wise hook: invoked when an encode exceeds the
// MTU, it may replace the message with smaller fragments. Fragment
// policy is the collaborator's business.
type Oversize func(m message.Message) ([]message.Message, bool)

// Session is owned exclusively by the engine context and must be
// driven from a single logical flow of control; it does no locking and
// never blocks.
type Session struct {
	peer    transport.Addr
	kind    transport.Kind
	binding transport.Binding
	sec     security.Wrapper

	state     State
	exchanges map[string]*Exchange
	tracker   *reliability.Tracker

	mid   uint16
	token uint64

	mtu         int
	idleTimeout time.Duration
	lastActive  time.Time
	oversize    Oversize

	log *slog.Logger
}

// Option configures a Session in New.
type Option func(*Session)

func WithParams(p reliability.Params) Option {
	return func(s *Session) { s.tracker = reliability.New(p, 0) }
}

// WithSeed makes token/message-id allocation and retransmission jitter
// deterministic; tests use it.
func WithSeed(p reliability.Params, seed int64) Option {
	return func(s *Session) {
		s.tracker = reliability.New(p, seed)
		s.mid = uint16(seed)
		s.token = uint64(seed)
	}
}

func WithSecurity(w security.Wrapper) Option {
	return func(s *Session) { s.sec = w }
}

func WithMTU(mtu int) Option {
	return func(s *Session) { s.mtu = mtu }
}

func WithIdleTimeout(d time.Duration) Option {
	return func(s *Session) { s.idleTimeout = d }
}

func WithOversize(h Oversize) Option {
	return func(s *Session) { s.oversize = h }
}

// WithConnecting starts the session in Connecting; the caller reports
// handshake completion through Establish.
func WithConnecting() Option {
	return func(s *Session) { s.state = Connecting }
}

// New builds a session bound to one peer over one transport binding.
func New(peer transport.Addr, binding transport.Binding, now time.Time, opts ...Option) *Session {
	s := &Session{
		peer:       peer,
		kind:       binding.Kind(),
		binding:    binding,
		sec:        security.Noop{},
		state:      Established,
		exchanges:  make(map[string]*Exchange),
		mtu:        message.DefaultMTU,
		lastActive: now,
		mid:        seedCounter16(),
		token:      seedCounter64(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.tracker == nil {
		s.tracker = reliability.New(reliability.DefaultParams(), 0)
	}
	s.log = slog.With("peer", string(peer), "transport", s.kind.String())
	return s
}

func seedCounter16() uint16 {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint16(time.Now().UnixNano())
	}
	return binary.BigEndian.Uint16(b[:])
}

func seedCounter64() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint64(time.Now().UnixNano())
	}
	return binary.BigEndian.Uint64(b[:])
}

func (s *Session) Peer() transport.Addr  { return s.peer }
func (s *Session) Kind() transport.Kind  { return s.kind }
func (s *Session) State() State          { return s.state }
func (s *Session) OpenExchanges() int    { return len(s.exchanges) }
func (s *Session) PendingReliable() int  { return s.tracker.PendingCount() }
func (s *Session) LastActive() time.Time { return s.lastActive }

// Establish completes the Connecting phase.
func (s *Session) Establish() {
	if s.state == Connecting {
		s.state = Established
	}
}

// Keys carry the role so a peer-chosen token cannot collide with one
// of ours.
func exKey(role Role, token []byte) string {
	if role == Incoming {
		return "i" + string(token)
	}
	return "o" + string(token)
}

// nextToken allocates a token unique among currently open exchanges:
// a monotonic counter, minimally encoded, skipping collisions, with a
// bounded retry budget.
func (s *Session) nextToken() ([]byte, error) {
	for range 256 {
		s.token++
		tok := encodeToken(s.token)
		if _, live := s.exchanges[exKey(Outgoing, tok)]; !live {
			return tok, nil
		}
	}
	return nil, ErrTokenSpaceExhausted
}

func encodeToken(v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	i := 0
	for i < 7 && tmp[i] == 0 {
		i++
	}
	return append([]byte(nil), tmp[i:]...)
}

// nextMessageID allocates a message-id not currently in flight.
func (s *Session) nextMessageID() (uint16, error) {
	for range 1 << 16 {
		s.mid++
		if !s.tracker.HasPending(s.mid) {
			return s.mid, nil
		}
	}
	return 0, ErrMessageIDExhausted
}

// Send transmits m to the peer. Requests get a fresh token (unless the
// caller supplied one) and open an exchange, returned to the caller;
// confirmables register with the reliability tracker. Send fails with
// ErrSessionClosed while closing or closed.
func (s *Session) Send(now time.Time, m message.Message) (*Exchange, error) {
	if s.state == Closing || s.state == Closed {
		return nil, ErrSessionClosed
	}

	if m.Type == message.Confirmable || m.Type == message.NonConfirmable {
		mid, err := s.nextMessageID()
		if err != nil {
			return nil, err
		}
		m.MessageID = mid
	}
	var ex *Exchange
	if m.IsRequest() {
		if len(m.Token) == 0 {
			tok, err := s.nextToken()
			if err != nil {
				return nil, err
			}
			m.Token = tok
		} else if _, live := s.exchanges[exKey(Outgoing, m.Token)]; live {
			return nil, fmt.Errorf("token %x already bound to an open exchange", m.Token)
		}
		ex = &Exchange{
			Token:     m.Token,
			MessageID: m.MessageID,
			Role:      Outgoing,
			Request:   m,
			Created:   now,
			key:       exKey(Outgoing, m.Token),
		}
	}

	frame, err := s.encodeAndWrap(m)
	if err != nil {
		if s.oversize != nil {
			var fe *message.FormatError
			if errors.As(err, &fe) {
				if frags, ok := s.oversize(m); ok {
					return s.sendFragments(now, frags)
				}
			}
		}
		return nil, err
	}
	if err := s.binding.Send(s.peer, frame); err != nil {
		return nil, fmt.Errorf("transport send: %w", err)
	}
	if m.Type == message.Confirmable {
		if _, err := s.tracker.Register(now, m.MessageID, m.Token, frame); err != nil {
			return nil, err
		}
	}
	if ex != nil {
		s.exchanges[ex.key] = ex
	}
	s.lastActive = now
	s.log.Debug("send", "msg", m.String())
	return ex, nil
}

// sendFragments transmits the replacement messages produced by the
// oversize hook; the exchange handle is the first fragment's.
func (s *Session) sendFragments(now time.Time, frags []message.Message) (*Exchange, error) {
	var first *Exchange
	for _, f := range frags {
		ex, err := s.Send(now, f)
		if err != nil {
			return first, err
		}
		if first == nil {
			first = ex
		}
	}
	return first, nil
}

func (s *Session) encodeAndWrap(m message.Message) ([]byte, error) {
	b, err := message.Encode(m, s.mtu)
	if err != nil {
		return nil, err
	}
	return s.sec.Wrap(b)
}

// reply sends a message that needs no tracking: acks, resets and
// rejection responses.
func (s *Session) reply(m message.Message) []byte {
	frame, err := s.encodeAndWrap(m)
	if err != nil {
		s.log.Warn("reply_encode_err", "err", err)
		return nil
	}
	if err := s.binding.Send(s.peer, frame); err != nil {
		s.log.Warn("reply_send_err", "err", err)
		return nil
	}
	return frame
}

// Receive processes one raw inbound frame and returns the
// application-visible events it produced. Frames the security layer
// rejects are treated as if they never arrived.
func (s *Session) Receive(now time.Time, raw []byte) []Event {
	if s.state == Closed {
		return nil
	}
	plain, err := s.sec.Unwrap(raw)
	if err != nil {
		s.log.Debug("unwrap_rejected", "err", err)
		return nil
	}

	m, err := message.Decode(plain)
	if err != nil {
		return s.receiveInvalid(now, plain, m, err)
	}
	s.lastActive = now

	switch m.Type {
	case message.Confirmable, message.NonConfirmable:
		return s.receiveTransmission(now, m)
	case message.Acknowledgement:
		return s.receiveAck(now, m)
	case message.Reset:
		return s.receiveReset(now, m)
	}
	return nil
}

// headerParsed reports whether enough of the frame decoded to trust
// the type/message-id fields for a rejection reply.
func headerParsed(plain []byte) bool {
	return len(plain) >= 4 && plain[0]>>6 == message.Version
}

func (s *Session) receiveInvalid(now time.Time, plain []byte, m message.Message, err error) []Event {
	if !errors.Is(err, message.ErrCriticalOption) {
		// Structural violation: drop, optionally reject.
		s.log.Warn("decode_err", "err", err)
		if headerParsed(plain) && m.Type == message.Confirmable {
			s.reply(message.NewReset(m.MessageID))
		}
		return nil
	}

	// Critical-but-unrecognized option. Requests are answered with
	// 4.02 Bad Option; responses (and anything else) are rejected
	// with a reset and fail their exchange.
	s.log.Warn("critical_option", "err", err, "msg", m.String())
	if m.Type == message.Confirmable && m.Code.IsRequest() {
		bad := message.Message{
			Type:      message.Acknowledgement,
			Code:      message.BadOption,
			MessageID: m.MessageID,
			Token:     m.Token,
		}
		s.reply(bad)
		return nil
	}

	var events []Event
	if m.Type != message.Acknowledgement {
		s.reply(message.NewReset(m.MessageID))
	} else {
		// An ACK cannot be reset; still stop its retransmission.
		s.tracker.Acknowledge(m.MessageID)
	}
	if m.Code.IsResponse() {
		if ex, ok := s.exchanges[exKey(Outgoing, m.Token)]; ok && !ex.Terminal() {
			s.failExchange(ex, err)
			events = append(events, Event{Kind: EventFailed, Exchange: ex, Err: err})
		}
	}
	return events
}

func (s *Session) receiveTransmission(now time.Time, m message.Message) []Event {
	if m.IsEmpty() {
		// A confirmable ping is answered with reset.
		if m.Type == message.Confirmable {
			s.reply(message.NewReset(m.MessageID))
		}
		return nil
	}

	if s.tracker.Observe(now, m.MessageID) {
		// Duplicate: re-answer confirmables without re-delivering;
		// drop non-confirmables silently.
		if m.Type == message.Confirmable {
			if frame, ok := s.tracker.Response(m.MessageID); ok {
				if err := s.binding.Send(s.peer, frame); err != nil {
					s.log.Warn("replay_send_err", "err", err)
				}
			} else {
				s.reply(message.NewAck(m.MessageID))
			}
		}
		s.log.Debug("duplicate_dropped", "mid", m.MessageID, "type", m.Type.String())
		return nil
	}

	if m.IsRequest() {
		key := exKey(Incoming, m.Token)
		ex, ok := s.exchanges[key]
		if !ok {
			ex = &Exchange{
				Token:     m.Token,
				MessageID: m.MessageID,
				Role:      Incoming,
				Request:   m,
				Created:   now,
				key:       key,
			}
			s.exchanges[key] = ex
		}
		return []Event{{Kind: EventRequest, Message: m, Exchange: ex}}
	}

	// Separate (non-piggybacked) response.
	return s.matchResponse(m, m.Type == message.Confirmable)
}

// matchResponse resolves a response against the open outgoing
// exchanges. ackIt acknowledges a confirmable separate response.
func (s *Session) matchResponse(m message.Message, ackIt bool) []Event {
	ex, ok := s.exchanges[exKey(Outgoing, m.Token)]
	if !ok || ex.Terminal() {
		if m.Type == message.Confirmable {
			s.reply(message.NewReset(m.MessageID))
		}
		s.log.Debug("unmatched_response", "token", fmt.Sprintf("%x", m.Token))
		return []Event{{Kind: EventUnmatched, Message: m}}
	}
	if ackIt {
		s.reply(message.NewAck(m.MessageID))
	}
	ex.State = ExchangeCompleted
	delete(s.exchanges, ex.key)
	return []Event{{Kind: EventResponse, Message: m, Exchange: ex}}
}

func (s *Session) receiveAck(now time.Time, m message.Message) []Event {
	if _, ok := s.tracker.Acknowledge(m.MessageID); !ok {
		s.log.Debug("ack_unmatched", "mid", m.MessageID)
	}
	if m.IsEmpty() {
		// Bare ack: retransmission stops, the exchange stays open
		// for a separate response.
		return nil
	}
	if m.Code.IsResponse() {
		// Piggybacked response.
		return s.matchResponse(m, false)
	}
	return nil
}

func (s *Session) receiveReset(now time.Time, m message.Message) []Event {
	e, ok := s.tracker.Acknowledge(m.MessageID)
	if !ok {
		// Out-of-band signal; session state is unchanged.
		return []Event{{Kind: EventReset, Message: m}}
	}
	if ex, live := s.exchanges[exKey(Outgoing, e.Token)]; live && !ex.Terminal() {
		s.failExchange(ex, ErrPeerReset)
		return []Event{{Kind: EventFailed, Exchange: ex, Err: ErrPeerReset}}
	}
	return nil
}

// Reply answers an incoming exchange. Confirmable requests get a
// piggybacked acknowledgement response (recorded for duplicate
// replay); non-confirmable requests get a non-confirmable response.
func (s *Session) Reply(now time.Time, ex *Exchange, m message.Message) error {
	if s.state == Closing || s.state == Closed {
		return ErrSessionClosed
	}
	if ex == nil || ex.Role != Incoming {
		return errors.New("reply needs an incoming exchange")
	}
	if ex.Terminal() {
		return fmt.Errorf("exchange already %s", ex.State)
	}
	if !m.Code.IsResponse() {
		return fmt.Errorf("reply code %s is not a response", m.Code)
	}

	m.Token = ex.Token
	if ex.Request.Type == message.Confirmable {
		m.Type = message.Acknowledgement
		m.MessageID = ex.MessageID
	} else {
		m.Type = message.NonConfirmable
		mid, err := s.nextMessageID()
		if err != nil {
			return err
		}
		m.MessageID = mid
	}

	frame, err := s.encodeAndWrap(m)
	if err != nil {
		return err
	}
	if err := s.binding.Send(s.peer, frame); err != nil {
		return fmt.Errorf("transport send: %w", err)
	}
	if ex.Request.Type == message.Confirmable {
		s.tracker.RecordResponse(ex.MessageID, frame)
	}
	ex.State = ExchangeCompleted
	delete(s.exchanges, ex.key)
	s.lastActive = now
	return nil
}

func (s *Session) failExchange(ex *Exchange, err error) {
	ex.State = ExchangeFailed
	delete(s.exchanges, ex.key)
	s.log.Debug("exchange_failed", "token", fmt.Sprintf("%x", ex.Token), "err", err)
}

// Expire drives retransmission and expiry processing. It retransmits
// due confirmables, fails exhausted ones, ages the dedup window, and
// applies the idle/closing transitions.
func (s *Session) Expire(now time.Time) []Event {
	if s.state == Closed {
		return nil
	}
	retransmit, failed := s.tracker.Expire(now)
	for _, e := range retransmit {
		if err := s.binding.Send(s.peer, e.Frame); err != nil {
			s.log.Warn("retransmit_err", "mid", e.MessageID, "err", err)
			continue
		}
		s.log.Debug("retransmit", "mid", e.MessageID, "n", e.Retransmits)
	}

	var events []Event
	for _, e := range failed {
		if ex, ok := s.exchanges[exKey(Outgoing, e.Token)]; ok && !ex.Terminal() {
			s.failExchange(ex, ErrRetriesExhausted)
			events = append(events, Event{Kind: EventFailed, Exchange: ex, Err: ErrRetriesExhausted})
		} else {
			// Confirmable without an exchange (e.g. a NON-style
			// one-shot): still never silently swallowed.
			events = append(events, Event{Kind: EventFailed, Err: ErrRetriesExhausted})
		}
	}

	switch s.state {
	case Closing:
		if len(s.exchanges) == 0 && s.tracker.PendingCount() == 0 {
			s.state = Closed
		}
	case Established:
		if s.idleTimeout > 0 && len(s.exchanges) == 0 && s.tracker.PendingCount() == 0 &&
			now.Sub(s.lastActive) >= s.idleTimeout {
			s.state = Closed
		}
	}
	return events
}

// NextWakeup is the earliest deadline this session needs a timer
// callback for; zero when nothing is pending.
func (s *Session) NextWakeup() time.Time {
	if s.state == Closed {
		return time.Time{}
	}
	next, _ := s.tracker.NextDeadline()
	if s.state == Closing {
		if len(s.exchanges) == 0 && s.tracker.PendingCount() == 0 {
			// drain complete; the next Expire flips to Closed
			return s.lastActive
		}
		return next
	}
	if s.idleTimeout > 0 && len(s.exchanges) == 0 && s.tracker.PendingCount() == 0 {
		idle := s.lastActive.Add(s.idleTimeout)
		if next.IsZero() || idle.Before(next) {
			next = idle
		}
	}
	return next
}

// Shutdown begins a graceful close: no new sends are accepted, while
// in-flight exchanges keep draining until Expire observes none left.
// A session with nothing in flight closes immediately.
func (s *Session) Shutdown() {
	if s.state == Established || s.state == Connecting {
		s.state = Closing
	}
	if s.state == Closing && len(s.exchanges) == 0 && s.tracker.PendingCount() == 0 {
		s.state = Closed
	}
}

// Close cancels every pending reliability entry and open exchange
// immediately, failing them with a cancellation reason, and moves the
// session to Closed.
func (s *Session) Close(now time.Time) []Event {
	if s.state == Closed {
		return nil
	}
	s.state = Closing

	var events []Event
	for _, e := range s.tracker.CancelAll() {
		if ex, ok := s.exchanges[exKey(Outgoing, e.Token)]; ok && !ex.Terminal() {
			s.failExchange(ex, ErrCanceled)
			events = append(events, Event{Kind: EventFailed, Exchange: ex, Err: ErrCanceled})
		}
	}
	for _, ex := range s.exchanges {
		s.failExchange(ex, ErrCanceled)
		events = append(events, Event{Kind: EventFailed, Exchange: ex, Err: ErrCanceled})
	}
	s.state = Closed
	s.log.Debug("session_closed", "failed_exchanges", len(events))
	return events
}

// OnTransportError is the collaborator-reported transport failure
// path: the session moves toward closure, cancelling what it cannot
// deliver anymore.
func (s *Session) OnTransportError(now time.Time, err error) []Event {
	s.log.Warn("transport_err", "err", err)
	return s.Close(now)
}
