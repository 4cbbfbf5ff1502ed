package livesync

import (
	"math/rand"
	"time"
)

// Backoff computes reconnect delays: exponential growth from Base, capped
// at Cap, plus a uniformly random jitter in [0, JitterMax].
type Backoff struct {
	Base      time.Duration
	Cap       time.Duration
	JitterMax time.Duration

	// Jitter returns a value in [0, max]. Nil uses math/rand.
	Jitter func(max time.Duration) time.Duration
}

// DefaultBackoff returns the default reconnect policy.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:      500 * time.Millisecond,
		Cap:       15 * time.Second,
		JitterMax: 300 * time.Millisecond,
	}
}

// Delay returns the wait before reconnect attempt number attempt (zero based).
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Base
	for i := 0; i < attempt && d < b.Cap; i++ {
		d *= 2
	}
	if d > b.Cap {
		d = b.Cap
	}
	return d + b.jitter()
}

func (b Backoff) jitter() time.Duration {
	if b.JitterMax <= 0 {
		return 0
	}
	if b.Jitter != nil {
		j := b.Jitter(b.JitterMax)
		if j < 0 {
			return 0
		}
		if j > b.JitterMax {
			return b.JitterMax
		}
		return j
	}
	return time.Duration(rand.Int63n(int64(b.JitterMax) + 1))
}

func (b *Backoff) defaults() {
	def := DefaultBackoff()
	if b.Base <= 0 {
		b.Base = def.Base
	}
	if b.Cap <= 0 {
		b.Cap = def.Cap
	}
	if b.Cap < b.Base {
		b.Cap = b.Base
	}
}
