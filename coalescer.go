package livesync

import (
	"log/slog"
	"sync"
	"time"
)

// Coalescer runs an action at most once per key per window. The first
// ScheduleOnce for a key starts the window; calls for the same key while it
// is pending are dropped, and the action runs once when the window ends.
// The window never slides: later calls do not postpone the firing.
type Coalescer struct {
	window time.Duration
	sched  Scheduler
	log    *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingRun
}

type pendingRun struct {
	timer Timer
}

// CoalescerOption configures a Coalescer.
type CoalescerOption func(*Coalescer)

func WithCoalescerScheduler(s Scheduler) CoalescerOption {
	return func(c *Coalescer) { c.sched = s }
}

func WithCoalescerLogger(l *slog.Logger) CoalescerOption {
	return func(c *Coalescer) { c.log = l }
}

// NewCoalescer creates a coalescer. A non-positive window selects
// DefaultCoalesceWindow.
func NewCoalescer(window time.Duration, opts ...CoalescerOption) *Coalescer {
	if window <= 0 {
		window = DefaultCoalesceWindow
	}
	c := &Coalescer{
		window:  window,
		pending: make(map[string]*pendingRun),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sched == nil {
		c.sched = SystemScheduler()
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	return c
}

// Window returns the coalescing window.
func (c *Coalescer) Window() time.Duration { return c.window }

// ScheduleOnce arranges for action to run one window from now unless a
// run is already pending for key. It reports whether a new window started.
func (c *Coalescer) ScheduleOnce(key string, action func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pending[key]; ok {
		return false
	}
	run := &pendingRun{}
	run.timer = c.sched.AfterFunc(c.window, func() { c.fire(key, run, action) })
	c.pending[key] = run
	return true
}

func (c *Coalescer) fire(key string, run *pendingRun, action func()) {
	c.mu.Lock()
	// A timer stopped by Stop may still fire; only the current run counts.
	if cur, ok := c.pending[key]; !ok || cur != run {
		c.mu.Unlock()
		return
	}
	delete(c.pending, key)
	c.mu.Unlock()

	defer func() {
		if v := recover(); v != nil {
			c.log.Warn("coalesced action panicked", "key", key, "panic", v)
		}
	}()
	action()
}

// Pending reports whether a run is scheduled for key.
func (c *Coalescer) Pending(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[key]
	return ok
}

// Stop cancels every pending run.
func (c *Coalescer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, run := range c.pending {
		run.timer.Stop()
		delete(c.pending, key)
	}
}
