package livesync

import (
	"sync"
	"time"
)

// ManualScheduler is a Scheduler driven by an explicit virtual clock.
// Nothing fires until Advance is called, which makes backoff, heartbeat
// and coalescing behaviour testable without sleeping.
type ManualScheduler struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers []*manualTimer
}

type manualTimer struct {
	s      *ManualScheduler
	when   time.Time
	period time.Duration // zero for one-shot timers
	seq    uint64
	f      func()
	done   bool
}

// NewManualScheduler returns a scheduler whose clock starts at start.
func NewManualScheduler(start time.Time) *ManualScheduler {
	return &ManualScheduler{now: start}
}

// Now returns the current virtual time.
func (s *ManualScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Pending returns the number of timers that have not fired or been stopped.
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// NextDeadline returns the deadline of the earliest pending timer.
func (s *ManualScheduler) NextDeadline() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.earliest()
	if t == nil {
		return time.Time{}, false
	}
	return t.when, true
}

func (s *ManualScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return s.add(d, 0, f)
}

func (s *ManualScheduler) Every(d time.Duration, f func()) Timer {
	if d <= 0 {
		panic("livesync: non-positive interval for Every")
	}
	return s.add(d, d, f)
}

func (s *ManualScheduler) add(d, period time.Duration, f func()) *manualTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d < 0 {
		d = 0
	}
	s.seq++
	t := &manualTimer{
		s:      s,
		when:   s.now.Add(d),
		period: period,
		seq:    s.seq,
		f:      f,
	}
	s.timers = append(s.timers, t)
	return t
}

// Advance moves the clock forward by d, firing every timer whose deadline
// falls inside the window in deadline order. Callbacks run on the calling
// goroutine without the scheduler lock held, so they may schedule or stop
// timers; timers they schedule inside the window fire too.
func (s *ManualScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now.Add(d)
	for {
		t := s.earliest()
		if t == nil || t.when.After(target) {
			break
		}
		s.now = t.when
		if t.period > 0 {
			t.when = t.when.Add(t.period)
		} else {
			t.done = true
			s.remove(t)
		}
		f := t.f
		s.mu.Unlock()
		f()
		s.mu.Lock()
	}
	s.now = target
	s.mu.Unlock()
}

// earliest must be called with s.mu held.
func (s *ManualScheduler) earliest() *manualTimer {
	var best *manualTimer
	for _, t := range s.timers {
		if best == nil || t.when.Before(best.when) || (t.when.Equal(best.when) && t.seq < best.seq) {
			best = t
		}
	}
	return best
}

// remove must be called with s.mu held.
func (s *ManualScheduler) remove(t *manualTimer) {
	for i, x := range s.timers {
		if x == t {
			s.timers = append(s.timers[:i], s.timers[i+1:]...)
			return
		}
	}
}

func (t *manualTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	t.s.remove(t)
	return true
}
