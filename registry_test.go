package livesync

import (
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testURL = "ws://cups.test/ws/tournaments/7"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeDialer struct {
	mu      sync.Mutex
	sockets []*fakeSocket
	err     error
}

func (d *fakeDialer) Dial(url string, ev SocketEvents) (Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	s := &fakeSocket{url: url, ev: ev}
	d.sockets = append(d.sockets, s)
	return s, nil
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sockets)
}

func (d *fakeDialer) last() *fakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sockets) == 0 {
		return nil
	}
	return d.sockets[len(d.sockets)-1]
}

// live counts sockets for url that were neither closed nor dropped.
func (d *fakeDialer) live(url string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, s := range d.sockets {
		if s.url == url && s.alive() {
			n++
		}
	}
	return n
}

type fakeSocket struct {
	url string
	ev  SocketEvents

	mu      sync.Mutex
	sent    []string
	closes  int
	dropped bool
	sendErr error
}

func (s *fakeSocket) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, string(data))
	return nil
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	return nil
}

func (s *fakeSocket) open()            { s.ev.OnOpen() }
func (s *fakeSocket) recv(frame string) { s.ev.OnMessage([]byte(frame)) }

func (s *fakeSocket) drop(err error) {
	s.mu.Lock()
	s.dropped = true
	s.mu.Unlock()
	s.ev.OnClose(err)
}

func (s *fakeSocket) alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes == 0 && !s.dropped
}

func (s *fakeSocket) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func (s *fakeSocket) sentFrames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

type testEnv struct {
	reg    *Registry
	dialer *fakeDialer
	sched  *ManualScheduler
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	env := &testEnv{
		dialer: &fakeDialer{},
		sched:  NewManualScheduler(time.Unix(1700000000, 0)),
	}
	base := []Option{
		WithDialer(env.dialer),
		WithScheduler(env.sched),
		WithBackoff(Backoff{Base: 500 * time.Millisecond, Cap: 15 * time.Second}),
		WithHeartbeat(25 * time.Second),
		WithLogger(discardLogger()),
	}
	env.reg = NewRegistry(append(base, opts...)...)
	t.Cleanup(env.reg.Reset)
	return env
}

func (e *testEnv) stats(t *testing.T, url string) ConnStats {
	t.Helper()
	st, ok := e.reg.Stats(url)
	if !ok {
		t.Fatalf("no connection for %s", url)
	}
	return st
}

// nextDelay returns the time until the earliest pending timer.
func (e *testEnv) nextDelay(t *testing.T) time.Duration {
	t.Helper()
	when, ok := e.sched.NextDeadline()
	if !ok {
		t.Fatal("no pending timer")
	}
	return when.Sub(e.sched.Now())
}

type recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *recorder) handle(m Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
}

func (r *recorder) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = m.Text()
	}
	return out
}

func mustSubscribe(t *testing.T, reg *Registry, url string, fn func(Message)) *Subscription {
	t.Helper()
	sub, err := reg.Subscribe(url, fn)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return sub
}

// ============================================================================
// Subscribe / release lifecycle
// ============================================================================

func TestSubscribeSharesConnection(t *testing.T) {
	env := newTestEnv(t)

	sub1 := mustSubscribe(t, env.reg, testURL, func(Message) {})
	sub2 := mustSubscribe(t, env.reg, testURL, func(Message) {})

	assert.Equal(t, env.dialer.count(), 1)
	st := env.stats(t, testURL)
	assert.Equal(t, st.RefCount, 2)
	assert.Equal(t, st.State, StateConnecting)
	assert.Equal(t, st.Dials, 1)
	assert.NotEqual(t, sub1.ID(), sub2.ID())
	assert.Equal(t, sub1.URL(), testURL)
}

func TestReleaseKeepsConnectionWhileReferenced(t *testing.T) {
	env := newTestEnv(t)

	sub1 := mustSubscribe(t, env.reg, testURL, func(Message) {})
	mustSubscribe(t, env.reg, testURL, func(Message) {})
	sock := env.dialer.last()
	sock.open()

	sub1.Close()

	st := env.stats(t, testURL)
	assert.Equal(t, st.RefCount, 1)
	assert.Equal(t, st.State, StateOpen)
	assert.Equal(t, sock.closeCount(), 0)
}

func TestReleaseLastSubscriberTearsDown(t *testing.T) {
	env := newTestEnv(t)

	sub1 := mustSubscribe(t, env.reg, testURL, func(Message) {})
	sub2 := mustSubscribe(t, env.reg, testURL, func(Message) {})
	sock := env.dialer.last()
	sock.open()
	assert.Equal(t, env.sched.Pending(), 1) // heartbeat

	sub1.Close()
	sub2.Close()

	assert.Equal(t, sock.closeCount(), 1)
	assert.Equal(t, env.sched.Pending(), 0)
	assert.Equal(t, env.reg.Len(), 0)
	_, ok := env.reg.Stats(testURL)
	assert.Equal(t, ok, false)

	// Events from the released socket are ignored.
	sock.drop(errors.New("late close"))
	env.sched.Advance(time.Minute)
	assert.Equal(t, env.dialer.count(), 1)
}

func TestCloseIsIdempotent(t *testing.T) {
	env := newTestEnv(t)

	sub1 := mustSubscribe(t, env.reg, testURL, func(Message) {})
	mustSubscribe(t, env.reg, testURL, func(Message) {})

	sub1.Close()
	sub1.Close()

	assert.Equal(t, env.stats(t, testURL).RefCount, 1)
	assert.Equal(t, sub1.Closed(), true)
}

func TestSubscribeValidatesArguments(t *testing.T) {
	env := newTestEnv(t)

	t.Run("empty url", func(t *testing.T) {
		_, err := env.reg.Subscribe("", func(Message) {})
		if !errors.Is(err, ErrEmptyURL) {
			t.Fatalf("expected ErrEmptyURL, got %v", err)
		}
	})

	t.Run("nil handler", func(t *testing.T) {
		_, err := env.reg.Subscribe(testURL, nil)
		if !errors.Is(err, ErrNilHandler) {
			t.Fatalf("expected ErrNilHandler, got %v", err)
		}
	})

	assert.Equal(t, env.reg.Len(), 0)
	assert.Equal(t, env.dialer.count(), 0)
}

func TestSeparateURLsGetSeparateConnections(t *testing.T) {
	env := newTestEnv(t)
	other := "ws://cups.test/ws/tournaments/8"

	mustSubscribe(t, env.reg, testURL, func(Message) {})
	sub := mustSubscribe(t, env.reg, other, func(Message) {})

	assert.Equal(t, env.dialer.count(), 2)
	assert.Equal(t, env.reg.Len(), 2)

	sub.Close()
	assert.Equal(t, env.reg.Len(), 1)

	snap := env.reg.Snapshot()
	assert.Equal(t, len(snap), 1)
	assert.Equal(t, snap[0].URL, testURL)
}

func TestResetReleasesEverything(t *testing.T) {
	env := newTestEnv(t)

	sub := mustSubscribe(t, env.reg, testURL, func(Message) {})
	sock := env.dialer.last()
	sock.open()

	env.reg.Reset()

	assert.Equal(t, env.reg.Len(), 0)
	assert.Equal(t, sub.Closed(), true)
	assert.Equal(t, sock.closeCount(), 1)
	assert.Equal(t, env.sched.Pending(), 0)

	// Closing a subscription released by Reset does not touch a new connection.
	mustSubscribe(t, env.reg, testURL, func(Message) {})
	sub.Close()
	assert.Equal(t, env.stats(t, testURL).RefCount, 1)
}

// ============================================================================
// Delivery
// ============================================================================

func TestDeliveryOrderAndFanOut(t *testing.T) {
	env := newTestEnv(t)

	var order []string
	var mu sync.Mutex
	add := func(name string) func(Message) {
		return func(m Message) {
			mu.Lock()
			order = append(order, name+":"+m.Text())
			mu.Unlock()
		}
	}
	mustSubscribe(t, env.reg, testURL, add("a"))
	mustSubscribe(t, env.reg, testURL, add("b"))

	sock := env.dialer.last()
	sock.open()
	sock.recv("one")
	sock.recv("two")

	assert.Equal(t, order, []string{"a:one", "b:one", "a:two", "b:two"})
}

func TestPanickingSubscriberIsIsolated(t *testing.T) {
	env := newTestEnv(t)

	var first, last recorder
	mustSubscribe(t, env.reg, testURL, first.handle)
	mustSubscribe(t, env.reg, testURL, func(Message) { panic("boom") })
	mustSubscribe(t, env.reg, testURL, last.handle)

	sock := env.dialer.last()
	sock.open()
	sock.recv(`{"event":"tournament_updated","payload":{"tournament_id":7}}`)

	assert.Equal(t, len(first.texts()), 1)
	assert.Equal(t, len(last.texts()), 1)

	st := env.stats(t, testURL)
	assert.Equal(t, st.State, StateOpen)
	assert.Equal(t, st.RefCount, 3)
	assert.Equal(t, sock.closeCount(), 0)
}

func TestReentrantSubscribeAndClose(t *testing.T) {
	env := newTestEnv(t)

	t.Run("close self from handler", func(t *testing.T) {
		var calls int
		var sub *Subscription
		sub = mustSubscribe(t, env.reg, testURL, func(Message) {
			calls++
			sub.Close()
			sub.Close()
		})
		keep := mustSubscribe(t, env.reg, testURL, func(Message) {})
		sock := env.dialer.last()
		sock.open()

		sock.recv("x")
		sock.recv("y")

		assert.Equal(t, calls, 1)
		assert.Equal(t, env.stats(t, testURL).RefCount, 1)
		keep.Close()
		assert.Equal(t, env.reg.Len(), 0)
	})

	t.Run("close sibling before its turn", func(t *testing.T) {
		var sibling recorder
		var siblingSub *Subscription
		mustSubscribe(t, env.reg, testURL, func(Message) { siblingSub.Close() })
		siblingSub = mustSubscribe(t, env.reg, testURL, sibling.handle)
		env.dialer.last().open()

		env.dialer.last().recv("x")

		assert.Equal(t, len(sibling.texts()), 0)
		assert.Equal(t, env.stats(t, testURL).RefCount, 1)
		env.reg.Reset()
	})

	t.Run("subscribe from handler", func(t *testing.T) {
		var late recorder
		mustSubscribe(t, env.reg, testURL, func(Message) {
			mustSubscribe(t, env.reg, testURL, late.handle)
		})
		before := env.dialer.count()
		sock := env.dialer.last()
		sock.open()

		sock.recv("x")

		assert.Equal(t, env.dialer.count(), before)
		assert.Equal(t, env.stats(t, testURL).RefCount, 2)
		// The new subscriber joins from the next message on.
		assert.Equal(t, len(late.texts()), 0)

		sock.recv("y")
		assert.Equal(t, late.texts(), []string{"y"})
		env.reg.Reset()
	})

	t.Run("last subscriber leaves from handler", func(t *testing.T) {
		var sub *Subscription
		sub = mustSubscribe(t, env.reg, testURL, func(Message) { sub.Close() })
		sock := env.dialer.last()
		sock.open()

		sock.recv("x")

		assert.Equal(t, env.reg.Len(), 0)
		assert.Equal(t, sock.closeCount(), 1)
	})
}

// ============================================================================
// Reconnection
// ============================================================================

func TestCloseSchedulesSingleReconnect(t *testing.T) {
	env := newTestEnv(t)

	mustSubscribe(t, env.reg, testURL, func(Message) {})
	mustSubscribe(t, env.reg, testURL, func(Message) {})
	sock := env.dialer.last()
	sock.open()

	sock.drop(errors.New("connection reset"))

	st := env.stats(t, testURL)
	assert.Equal(t, st.State, StateReconnecting)
	assert.Equal(t, st.RefCount, 2)
	assert.Equal(t, env.sched.Pending(), 1) // heartbeat gone, one reconnect timer
	assert.Equal(t, env.nextDelay(t), 500*time.Millisecond)

	env.sched.Advance(499 * time.Millisecond)
	assert.Equal(t, env.dialer.count(), 1)

	env.sched.Advance(time.Millisecond)
	assert.Equal(t, env.dialer.count(), 2)
	assert.Equal(t, env.stats(t, testURL).State, StateConnecting)
	assert.Equal(t, env.sched.Pending(), 0)
}

func TestBackoffGrowsAndResets(t *testing.T) {
	env := newTestEnv(t)
	mustSubscribe(t, env.reg, testURL, func(Message) {})

	want := []time.Duration{
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		15 * time.Second,
		15 * time.Second,
	}
	var got []time.Duration
	for range want {
		env.dialer.last().drop(errors.New("refused"))
		d := env.nextDelay(t)
		got = append(got, d)
		env.sched.Advance(d)
	}
	assert.Equal(t, got, want)
	assert.Equal(t, env.stats(t, testURL).Attempt, len(want))

	env.dialer.last().open()
	assert.Equal(t, env.stats(t, testURL).Attempt, 0)

	env.dialer.last().drop(errors.New("reset"))
	assert.Equal(t, env.nextDelay(t), 500*time.Millisecond)
}

func TestDialErrorIsRetried(t *testing.T) {
	env := newTestEnv(t)
	env.dialer.setErr(errors.New("malformed url"))

	sub, err := env.reg.Subscribe(testURL, func(Message) {})
	if err != nil {
		t.Fatalf("dial errors must not surface from Subscribe: %v", err)
	}
	st := env.stats(t, testURL)
	assert.Equal(t, st.State, StateReconnecting)
	assert.Equal(t, st.Dials, 1)

	env.dialer.setErr(nil)
	env.sched.Advance(500 * time.Millisecond)
	assert.Equal(t, env.dialer.count(), 1)
	assert.Equal(t, env.stats(t, testURL).State, StateConnecting)

	sub.Close()
	assert.Equal(t, env.reg.Len(), 0)
}

func TestReleaseDuringReconnectWaitStopsRetry(t *testing.T) {
	env := newTestEnv(t)

	sub := mustSubscribe(t, env.reg, testURL, func(Message) {})
	env.dialer.last().drop(errors.New("refused"))
	assert.Equal(t, env.sched.Pending(), 1)

	sub.Close()

	assert.Equal(t, env.reg.Len(), 0)
	assert.Equal(t, env.sched.Pending(), 0)
	env.sched.Advance(time.Hour)
	assert.Equal(t, env.dialer.count(), 1)
}

func TestSubscribeWhileReconnectingConnectsNow(t *testing.T) {
	env := newTestEnv(t)

	mustSubscribe(t, env.reg, testURL, func(Message) {})
	env.dialer.last().drop(errors.New("refused"))

	mustSubscribe(t, env.reg, testURL, func(Message) {})

	assert.Equal(t, env.dialer.count(), 2)
	assert.Equal(t, env.stats(t, testURL).State, StateConnecting)
	assert.Equal(t, env.sched.Pending(), 0)

	env.sched.Advance(time.Minute)
	assert.Equal(t, env.dialer.count(), 2)
}

func TestStaleSocketEventsAreIgnored(t *testing.T) {
	env := newTestEnv(t)

	var rec recorder
	mustSubscribe(t, env.reg, testURL, rec.handle)
	old := env.dialer.last()
	old.open()
	old.drop(errors.New("reset"))
	env.sched.Advance(500 * time.Millisecond)

	cur := env.dialer.last()
	old.recv("from old socket")
	old.open()
	assert.Equal(t, env.stats(t, testURL).State, StateConnecting)

	cur.open()
	cur.recv("from new socket")
	assert.Equal(t, rec.texts(), []string{"from new socket"})
}

func TestStateHookSeesTransitions(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	env := newTestEnv(t, WithStateHook(func(url string, from, to State) {
		mu.Lock()
		seen = append(seen, string(from)+">"+string(to))
		mu.Unlock()
	}))

	sub := mustSubscribe(t, env.reg, testURL, func(Message) {})
	env.dialer.last().open()
	env.dialer.last().drop(errors.New("reset"))
	env.sched.Advance(time.Second)
	env.dialer.last().open()
	sub.Close()

	assert.Equal(t, seen, []string{
		"idle>connecting",
		"connecting>open",
		"open>reconnecting",
		"reconnecting>connecting",
		"connecting>open",
		"open>closing",
	})
}

// ============================================================================
// Heartbeat
// ============================================================================

func TestHeartbeatWhileOpen(t *testing.T) {
	env := newTestEnv(t)

	mustSubscribe(t, env.reg, testURL, func(Message) {})
	sock := env.dialer.last()

	env.sched.Advance(time.Minute)
	assert.Equal(t, len(sock.sentFrames()), 0)

	sock.open()
	env.sched.Advance(50 * time.Second)
	assert.Equal(t, sock.sentFrames(), []string{"ping", "ping"})

	sock.drop(errors.New("reset"))
	env.sched.Advance(400 * time.Millisecond)
	assert.Equal(t, len(sock.sentFrames()), 2)
}

func TestHeartbeatSendFailureIsSwallowed(t *testing.T) {
	env := newTestEnv(t)

	mustSubscribe(t, env.reg, testURL, func(Message) {})
	sock := env.dialer.last()
	sock.open()
	sock.mu.Lock()
	sock.sendErr = errors.New("broken pipe")
	sock.mu.Unlock()

	env.sched.Advance(75 * time.Second)

	st := env.stats(t, testURL)
	assert.Equal(t, st.State, StateOpen)
	assert.Equal(t, env.dialer.count(), 1)
	assert.Equal(t, sock.closeCount(), 0)
}

func TestHeartbeatRestartsOnReopen(t *testing.T) {
	env := newTestEnv(t, WithHeartbeatPayload([]byte(`{"type":"ping"}`)))

	mustSubscribe(t, env.reg, testURL, func(Message) {})
	env.dialer.last().open()
	env.dialer.last().drop(errors.New("reset"))
	env.sched.Advance(500 * time.Millisecond)

	sock := env.dialer.last()
	sock.open()
	env.sched.Advance(25 * time.Second)
	assert.Equal(t, sock.sentFrames(), []string{`{"type":"ping"}`})
}

// ============================================================================
// Invariants under random operation sequences
// ============================================================================

func TestRandomOperationsKeepInvariants(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		env := newTestEnv(t)
		rng := rand.New(rand.NewSource(seed))
		var subs []*Subscription

		for step := 0; step < 300; step++ {
			switch rng.Intn(6) {
			case 0, 1:
				subs = append(subs, mustSubscribe(t, env.reg, testURL, func(Message) {}))
			case 2:
				if len(subs) > 0 {
					i := rng.Intn(len(subs))
					subs[i].Close()
					if rng.Intn(2) == 0 {
						subs[i].Close()
					}
					subs = append(subs[:i], subs[i+1:]...)
				}
			case 3:
				if s := env.dialer.last(); s != nil {
					s.open()
				}
			case 4:
				if s := env.dialer.last(); s != nil && s.alive() {
					s.drop(errors.New("reset"))
				}
			case 5:
				env.sched.Advance(time.Duration(rng.Intn(20000)) * time.Millisecond)
			}

			if live := env.dialer.live(testURL); live > 1 {
				t.Fatalf("seed %d step %d: %d live sockets", seed, step, live)
			}
			st, ok := env.reg.Stats(testURL)
			if len(subs) == 0 {
				if ok {
					t.Fatalf("seed %d step %d: entry survives with no subscribers", seed, step)
				}
				continue
			}
			if !ok || st.RefCount != len(subs) {
				t.Fatalf("seed %d step %d: refcount %d, want %d", seed, step, st.RefCount, len(subs))
			}
		}
		env.reg.Reset()
	}
}
