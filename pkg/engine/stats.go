package engine

import (
	"fmt"
	"sync"
)

// Stats counts engine activity; a cheap alternative to scraping the
// event stream.
type Stats struct {
	mu sync.Mutex
	s  StatsSnapshot
}

// StatsSnapshot is a copyable view of the counters.
type StatsSnapshot struct {
	FramesIn        int64
	RequestsIn      int64
	ResponsesIn     int64
	ResetsIn        int64
	Unmatched       int64
	ExchangesFailed int64
	SessionsOpened  int64
	SessionsClosed  int64
	TimerFires      int64
}

func (s *Stats) add(f func(*StatsSnapshot)) {
	s.mu.Lock()
	f(&s.s)
	s.mu.Unlock()
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.s
}

func (s StatsSnapshot) String() string {
	return fmt.Sprintf("frames_in=%d requests=%d responses=%d resets=%d unmatched=%d failed=%d sessions_opened=%d sessions_closed=%d timer_fires=%d",
		s.FramesIn, s.RequestsIn, s.ResponsesIn, s.ResetsIn, s.Unmatched,
		s.ExchangesFailed, s.SessionsOpened, s.SessionsClosed, s.TimerFires)
}
