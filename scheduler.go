package livesync

import (
	"sync"
	"time"
)

// Timer is a handle to a pending one-shot or repeating callback.
type Timer interface {
	// Stop cancels the timer. It reports whether the call prevented a
	// pending firing. Stopping an already stopped timer is a no-op.
	Stop() bool
}

// Scheduler provides the timer primitives used by the registry, the
// reconnect state machine, the heartbeat and the coalescer.
type Scheduler interface {
	// AfterFunc calls f once, after d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer

	// Every calls f repeatedly with period d until the timer is stopped.
	Every(d time.Duration, f func()) Timer
}

// SystemScheduler returns a Scheduler backed by the runtime's timers.
func SystemScheduler() Scheduler {
	return systemScheduler{}
}

type systemScheduler struct{}

func (systemScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

func (systemScheduler) Every(d time.Duration, f func()) Timer {
	t := &ticker{
		ticker: time.NewTicker(d),
		done:   make(chan struct{}),
	}
	go t.run(f)
	return t
}

// ticker runs f on every tick until stopped.
type ticker struct {
	ticker *time.Ticker
	done   chan struct{}
	once   sync.Once
}

func (t *ticker) run(f func()) {
	for {
		select {
		case <-t.done:
			return
		case <-t.ticker.C:
			// Stop may race with a tick that was already delivered.
			select {
			case <-t.done:
				return
			default:
			}
			f()
		}
	}
}

func (t *ticker) Stop() bool {
	stopped := false
	t.once.Do(func() {
		t.ticker.Stop()
		close(t.done)
		stopped = true
	})
	return stopped
}
