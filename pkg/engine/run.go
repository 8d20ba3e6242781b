package engine

import (
	"context"
	"time"

	"github.com/juanpablocruz/coapen/pkg/transport"
)

// inbound is one frame handed from a binding reader to the mutation
// loop.
type inbound struct {
	kind  transport.Kind
	peer  transport.Addr
	frame []byte
}

// Run drives the engine until ctx is done: one reader goroutine per
// registered binding feeds a single mutation loop, which is the only
// goroutine touching session state. A timer armed from NextWakeup
// triggers OnTimerFire; closures handed to Post run on the same loop.
// Bindings added after Run starts are not picked up.
func (e *Engine) Run(ctx context.Context) error {
	in := make(chan inbound, 128)

	e.mu.Lock()
	bindings := make([]transport.Binding, 0, len(e.bindings))
	for _, b := range e.bindings {
		bindings = append(bindings, b)
	}
	e.mu.Unlock()

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	for _, b := range bindings {
		go e.readLoop(rctx, b, in)
	}

	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()
	armed := false

	rearm := func(now time.Time) {
		if armed {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			armed = false
		}
		next := e.NextWakeup()
		if next.IsZero() {
			return
		}
		d := next.Sub(now)
		if d < 0 {
			d = 0
		}
		timer.Reset(d)
		armed = true
	}
	rearm(time.Now())

	for {
		select {
		case <-ctx.Done():
			e.Close(time.Now())
			return ctx.Err()
		case fn := <-e.posted:
			now := time.Now()
			fn(now)
			rearm(now)
		case msg := <-in:
			now := time.Now()
			if err := e.OnReadable(now, msg.kind, msg.peer, msg.frame); err != nil {
				e.log.Warn("frame dropped", "transport", msg.kind.String(), "peer", string(msg.peer), "err", err)
				e.emit(now, msg.peer, msg.kind, EventWarn, map[string]any{"err": err.Error()})
			}
			rearm(now)
		case <-timer.C:
			armed = false
			now := time.Now()
			e.OnTimerFire(now)
			rearm(now)
		}
	}
}

func (e *Engine) readLoop(ctx context.Context, b transport.Binding, in chan<- inbound) {
	kind := b.Kind()
	for {
		peer, frame, ok := b.RecvFrom(ctx)
		if !ok {
			return
		}
		select {
		case in <- inbound{kind: kind, peer: peer, frame: frame}:
		case <-ctx.Done():
			return
		}
	}
}
