package reliability

import (
	"testing"
	"time"
)

// Deterministic params: no jitter.
func testParams() Params {
	return Params{
		AckTimeout:      2 * time.Second,
		AckRandomFactor: 1,
		BackoffFactor:   2,
		MaxInterval:     45 * time.Second,
		MaxRetransmit:   4,
		DedupWindow:     247 * time.Second,
	}
}

func TestRetransmitSchedule(t *testing.T) {
	tr := New(testParams(), 1)
	t0 := time.Unix(1000, 0)

	if _, err := tr.Register(t0, 0x10, []byte{1}, []byte("frame")); err != nil {
		t.Fatal(err)
	}

	// Intervals must double: 2s, 4s, 8s, 16s.
	now := t0
	wantIntervals := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for i, want := range wantIntervals {
		next, ok := tr.NextDeadline()
		if !ok {
			t.Fatalf("step %d: no deadline", i)
		}
		if got := next.Sub(now); got != want {
			t.Fatalf("step %d: interval %v, want %v", i, got, want)
		}
		now = next
		rtx, failed := tr.Expire(now)
		if len(failed) != 0 {
			t.Fatalf("step %d: premature failure", i)
		}
		if len(rtx) != 1 || rtx[0].Retransmits != i+1 {
			t.Fatalf("step %d: rtx=%v", i, rtx)
		}
	}

	// Fifth deadline exhausts the retries: exactly one failure and
	// nothing further afterwards.
	next, ok := tr.NextDeadline()
	if !ok {
		t.Fatal("no final deadline")
	}
	rtx, failed := tr.Expire(next)
	if len(rtx) != 0 || len(failed) != 1 {
		t.Fatalf("rtx=%d failed=%d", len(rtx), len(failed))
	}
	if failed[0].MessageID != 0x10 || failed[0].Retransmits != 4 {
		t.Fatalf("failed entry %+v", failed[0])
	}
	if tr.PendingCount() != 0 {
		t.Fatal("entry left pending after exhaustion")
	}
	rtx, failed = tr.Expire(next.Add(time.Hour))
	if len(rtx) != 0 || len(failed) != 0 {
		t.Fatal("work after exhaustion")
	}
}

func TestBackoffCeiling(t *testing.T) {
	p := testParams()
	p.MaxInterval = 5 * time.Second
	p.MaxRetransmit = 3
	tr := New(p, 1)
	t0 := time.Unix(0, 0)

	if _, err := tr.Register(t0, 1, nil, nil); err != nil {
		t.Fatal(err)
	}
	now := t0
	var intervals []time.Duration
	for {
		next, ok := tr.NextDeadline()
		if !ok {
			break
		}
		intervals = append(intervals, next.Sub(now))
		now = next
		if _, failed := tr.Expire(now); len(failed) > 0 {
			break
		}
	}
	// 2s, then 4s, then capped at 5s.
	want := []time.Duration{2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	if len(intervals) != len(want) {
		t.Fatalf("intervals %v", intervals)
	}
	prev := time.Duration(0)
	for i := range want {
		if intervals[i] != want[i] {
			t.Fatalf("intervals %v, want %v", intervals, want)
		}
		if intervals[i] < prev {
			t.Fatalf("intervals must be non-decreasing: %v", intervals)
		}
		prev = intervals[i]
	}
}

func TestJitterWithinBounds(t *testing.T) {
	p := testParams()
	p.AckRandomFactor = 1.5
	tr := New(p, 99)
	t0 := time.Unix(0, 0)
	for mid := uint16(0); mid < 50; mid++ {
		e, err := tr.Register(t0, mid, nil, nil)
		if err != nil {
			t.Fatal(err)
		}
		iv := e.Deadline().Sub(t0)
		if iv < 2*time.Second || iv > 3*time.Second {
			t.Fatalf("initial interval %v outside [2s,3s]", iv)
		}
	}
}

func TestAcknowledgeStopsRetransmission(t *testing.T) {
	tr := New(testParams(), 1)
	t0 := time.Unix(0, 0)
	if _, err := tr.Register(t0, 7, nil, nil); err != nil {
		t.Fatal(err)
	}
	e, ok := tr.Acknowledge(7)
	if !ok || e.MessageID != 7 {
		t.Fatalf("acknowledge: ok=%v e=%v", ok, e)
	}
	if _, ok := tr.Acknowledge(7); ok {
		t.Fatal("double acknowledge")
	}
	if _, ok := tr.NextDeadline(); ok {
		t.Fatal("deadline survived acknowledgement")
	}
}

func TestRegisterCollision(t *testing.T) {
	tr := New(testParams(), 1)
	t0 := time.Unix(0, 0)
	if _, err := tr.Register(t0, 5, nil, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Register(t0, 5, nil, nil); err == nil {
		t.Fatal("duplicate message-id accepted")
	}
}

func TestCancelAll(t *testing.T) {
	tr := New(testParams(), 1)
	t0 := time.Unix(0, 0)
	for mid := uint16(1); mid <= 3; mid++ {
		if _, err := tr.Register(t0, mid, nil, nil); err != nil {
			t.Fatal(err)
		}
	}
	dropped := tr.CancelAll()
	if len(dropped) != 3 || tr.PendingCount() != 0 {
		t.Fatalf("dropped=%d pending=%d", len(dropped), tr.PendingCount())
	}
	if _, ok := tr.NextDeadline(); ok {
		t.Fatal("deadline survived cancellation")
	}
}

func TestDedupWindow(t *testing.T) {
	p := testParams()
	p.DedupWindow = 10 * time.Second
	tr := New(p, 1)
	t0 := time.Unix(0, 0)

	if tr.Observe(t0, 0x42) {
		t.Fatal("first sighting flagged as duplicate")
	}
	if !tr.Observe(t0.Add(3*time.Second), 0x42) {
		t.Fatal("retransmission within window not flagged")
	}
	tr.RecordResponse(0x42, []byte("resp"))
	if r, ok := tr.Response(0x42); !ok || string(r) != "resp" {
		t.Fatalf("recorded response %q %v", r, ok)
	}

	// Beyond the window the id is new again and the recorded
	// response is gone.
	if tr.Observe(t0.Add(11*time.Second), 0x42) {
		t.Fatal("aged-out id still flagged as duplicate")
	}
	tr2 := New(p, 1)
	if tr2.Observe(t0, 0x42) {
		t.Fatal("fresh tracker flagged duplicate")
	}
}

func TestNextDeadlineIncludesDedup(t *testing.T) {
	p := testParams()
	p.DedupWindow = 5 * time.Second
	tr := New(p, 1)
	t0 := time.Unix(0, 0)

	tr.Observe(t0, 1)
	next, ok := tr.NextDeadline()
	if !ok || !next.Equal(t0.Add(5*time.Second)) {
		t.Fatalf("dedup expiry not surfaced: %v %v", next, ok)
	}

	// A sooner retransmission deadline wins.
	if _, err := tr.Register(t0, 2, nil, nil); err != nil {
		t.Fatal(err)
	}
	next, ok = tr.NextDeadline()
	if !ok || !next.Equal(t0.Add(2*time.Second)) {
		t.Fatalf("want retransmit deadline first, got %v", next)
	}
}
