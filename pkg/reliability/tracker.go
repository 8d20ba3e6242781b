package reliability

import (
	"container/heap"
	"fmt"
	"math/rand"
	"time"
)

// Entry is one outstanding confirmable message awaiting its ack.
type Entry struct {
	MessageID uint16
	Token     []byte
	// Frame is the wrapped wire frame, kept verbatim for
	// retransmission.
	Frame []byte
	// Retransmits counts deadline-driven resends so far.
	Retransmits int

	interval time.Duration
	deadline time.Time
	index    int // heap position; -1 once removed
}

// Deadline is when the entry next wants a timer callback.
func (e *Entry) Deadline() time.Time { return e.deadline }

type dedupEntry struct {
	seen     time.Time
	response []byte
}

type dedupAge struct {
	mid  uint16
	seen time.Time
}

// Tracker owns the reliability state of a single peer direction pair:
// outbound confirmables pending acknowledgement and the inbound
// message-id dedup window. It is not safe for concurrent use; the
// owning session serializes access.
type Tracker struct {
	params Params
	rng    *rand.Rand

	pending map[uint16]*Entry
	queue   entryQueue

	dedup map[uint16]*dedupEntry
	// age is FIFO by first-seen, so purging pops from the front.
	age []dedupAge
}

func New(p Params, seed int64) *Tracker {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Tracker{
		params:  p.sanitized(),
		rng:     rand.New(rand.NewSource(seed)),
		pending: make(map[uint16]*Entry),
		dedup:   make(map[uint16]*dedupEntry),
	}
}

func (t *Tracker) Params() Params { return t.params }

// Register starts tracking an outbound confirmable message. The first
// deadline is the initial timeout scaled by uniform jitter in
// [1, AckRandomFactor].
func (t *Tracker) Register(now time.Time, mid uint16, token, frame []byte) (*Entry, error) {
	if _, ok := t.pending[mid]; ok {
		return nil, fmt.Errorf("message-id %#04x already in flight", mid)
	}
	interval := t.initialInterval()
	e := &Entry{
		MessageID: mid,
		Token:     token,
		Frame:     frame,
		interval:  interval,
		deadline:  now.Add(interval),
	}
	t.pending[mid] = e
	heap.Push(&t.queue, e)
	return e, nil
}

func (t *Tracker) initialInterval() time.Duration {
	jitter := 1.0
	if f := t.params.AckRandomFactor; f > 1 {
		jitter = 1 + t.rng.Float64()*(f-1)
	}
	return time.Duration(float64(t.params.AckTimeout) * jitter)
}

// HasPending reports whether mid is awaiting acknowledgement.
func (t *Tracker) HasPending(mid uint16) bool {
	_, ok := t.pending[mid]
	return ok
}

// PendingCount is the number of in-flight confirmables.
func (t *Tracker) PendingCount() int { return len(t.pending) }

// Acknowledge resolves an entry on receipt of its matching ack or
// reset. The returned entry lets the caller finish the exchange.
func (t *Tracker) Acknowledge(mid uint16) (*Entry, bool) {
	e, ok := t.pending[mid]
	if !ok {
		return nil, false
	}
	t.remove(e)
	return e, true
}

// CancelAll drops every pending entry, returning them so the caller
// can fail their exchanges. Used when a session closes.
func (t *Tracker) CancelAll() []*Entry {
	out := make([]*Entry, 0, len(t.pending))
	for _, e := range t.pending {
		out = append(out, e)
	}
	for _, e := range out {
		t.remove(e)
	}
	return out
}

func (t *Tracker) remove(e *Entry) {
	delete(t.pending, e.MessageID)
	if e.index >= 0 {
		heap.Remove(&t.queue, e.index)
	}
}

// NextDeadline is the earliest instant at which Expire would have work:
// the soonest retransmission deadline or dedup entry expiry.
func (t *Tracker) NextDeadline() (time.Time, bool) {
	var next time.Time
	if len(t.queue) > 0 {
		next = t.queue[0].deadline
	}
	if len(t.age) > 0 {
		d := t.age[0].seen.Add(t.params.DedupWindow)
		if next.IsZero() || d.Before(next) {
			next = d
		}
	}
	return next, !next.IsZero()
}

// Expire processes every deadline at or before now. Entries with
// retries remaining come back in retransmit with their backoff
// doubled (capped at MaxInterval); exhausted entries are removed and
// returned in failed. Aged dedup entries are purged.
func (t *Tracker) Expire(now time.Time) (retransmit, failed []*Entry) {
	for len(t.queue) > 0 && !t.queue[0].deadline.After(now) {
		e := t.queue[0]
		if e.Retransmits >= t.params.MaxRetransmit {
			t.remove(e)
			failed = append(failed, e)
			continue
		}
		e.Retransmits++
		e.interval = time.Duration(float64(e.interval) * t.params.BackoffFactor)
		if e.interval > t.params.MaxInterval {
			e.interval = t.params.MaxInterval
		}
		e.deadline = now.Add(e.interval)
		heap.Fix(&t.queue, e.index)
		retransmit = append(retransmit, e)
	}
	t.purgeDedup(now)
	return retransmit, failed
}

// Observe records an inbound message-id and reports whether it is a
// retransmission already seen within the dedup window.
func (t *Tracker) Observe(now time.Time, mid uint16) bool {
	t.purgeDedup(now)
	if _, ok := t.dedup[mid]; ok {
		return true
	}
	t.dedup[mid] = &dedupEntry{seen: now}
	t.age = append(t.age, dedupAge{mid: mid, seen: now})
	return false
}

// RecordResponse remembers the frame sent in answer to an inbound
// confirmable, so a duplicate elicits the identical response without
// re-delivering the request.
func (t *Tracker) RecordResponse(mid uint16, frame []byte) {
	if e, ok := t.dedup[mid]; ok {
		e.response = frame
	}
}

// Response returns the frame recorded for mid, if any.
func (t *Tracker) Response(mid uint16) ([]byte, bool) {
	e, ok := t.dedup[mid]
	if !ok || e.response == nil {
		return nil, false
	}
	return e.response, true
}

func (t *Tracker) purgeDedup(now time.Time) {
	cutoff := now.Add(-t.params.DedupWindow)
	for len(t.age) > 0 && !t.age[0].seen.After(cutoff) {
		head := t.age[0]
		t.age = t.age[1:]
		// The map entry carries the authoritative first-seen time.
		if e, ok := t.dedup[head.mid]; ok && !e.seen.After(cutoff) {
			delete(t.dedup, head.mid)
		}
	}
}

// entryQueue is a min-heap over deadlines with index maintenance, so
// entries can be removed mid-queue without dangling references.
type entryQueue []*Entry

func (q entryQueue) Len() int           { return len(q) }
func (q entryQueue) Less(i, j int) bool { return q[i].deadline.Before(q[j].deadline) }

func (q entryQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *entryQueue) Push(x any) {
	e := x.(*Entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *entryQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}
