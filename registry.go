package livesync

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

var (
	ErrEmptyURL   = errors.New("empty endpoint url")
	ErrNilHandler = errors.New("nil message handler")
)

// Registry multiplexes subscribers onto one shared connection per endpoint
// URL. A connection is created by the first Subscribe for its URL and torn
// down the moment its last Subscription is closed.
//
// Registry is safe for concurrent use. Subscribe and Subscription.Close may
// be called from inside a message handler.
type Registry struct {
	cfg Config
	log *slog.Logger

	mu    sync.Mutex
	conns map[string]*connection
	notes []func() // state hook calls queued under mu, run by unlock
}

// ConnStats is a point-in-time view of one connection.
type ConnStats struct {
	URL      string
	State    State
	RefCount int
	Attempt  int // current backoff exponent
	Dials    int // connect attempts made so far
}

// NewRegistry creates a registry.
func NewRegistry(opts ...Option) *Registry {
	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.defaults()

	return &Registry{
		cfg:   cfg,
		log:   cfg.Logger,
		conns: make(map[string]*connection),
	}
}

// unlock releases r.mu and then runs the state hook calls queued while it
// was held.
func (r *Registry) unlock() {
	notes := r.notes
	r.notes = nil
	r.mu.Unlock()
	for _, n := range notes {
		n()
	}
}

// Subscribe registers onMessage for every message received on url and
// returns the handle that releases it. The shared connection is opened if
// it is not already opening or open. Transport failures are never returned
// here; they are retried in the background.
func (r *Registry) Subscribe(url string, onMessage func(Message)) (*Subscription, error) {
	if url == "" {
		return nil, ErrEmptyURL
	}
	if onMessage == nil {
		return nil, ErrNilHandler
	}

	sub := &Subscription{
		id:  uuid.NewString(),
		url: url,
		reg: r,
		fn:  onMessage,
	}

	r.mu.Lock()
	defer r.unlock()

	c, ok := r.conns[url]
	if !ok {
		c = newConnection(r, url)
		r.conns[url] = c
	}
	c.subs = append(c.subs, sub)
	c.log.Debug("subscribed", "subscription", sub.id, "subscribers", len(c.subs))

	if c.state == StateIdle || c.state == StateReconnecting {
		c.connect()
	}
	return sub, nil
}

// Stats returns the state of the connection for url.
func (r *Registry) Stats(url string) (ConnStats, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[url]
	if !ok {
		return ConnStats{}, false
	}
	return c.stats(), true
}

// Snapshot returns the state of every connection, ordered by URL.
func (r *Registry) Snapshot() []ConnStats {
	r.mu.Lock()
	out := make([]ConnStats, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c.stats())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Reset releases every subscription and closes every connection. The
// registry stays usable afterwards.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.unlock()

	for url, c := range r.conns {
		for _, s := range c.subs {
			s.closed.Store(true)
		}
		c.subs = nil
		c.shutdown()
		delete(r.conns, url)
	}
}

// ============================================================================
// Transport and timer callbacks
// ============================================================================

func (r *Registry) handleOpen(c *connection, gen uint64) {
	r.mu.Lock()
	defer r.unlock()

	if c.gen != gen || c.state != StateConnecting {
		return
	}
	c.attempt = 0
	c.setState(StateOpen)
	c.startHeartbeat()
	c.log.Info("connection open", "subscribers", len(c.subs))
}

func (r *Registry) handleMessage(c *connection, gen uint64, data []byte) {
	r.mu.Lock()
	if c.gen != gen {
		r.unlock()
		return
	}
	subs := make([]*Subscription, len(c.subs))
	copy(subs, c.subs)
	r.unlock()

	msg := ParseMessage(data)
	for _, s := range subs {
		s.deliver(msg)
	}
}

func (r *Registry) handleClose(c *connection, gen uint64, err error) {
	r.mu.Lock()
	defer r.unlock()

	if c.gen != gen || c.state == StateClosing {
		return
	}
	c.stopHeartbeat()
	c.dropSocket()
	c.log.Info("connection lost", "error", err, "state", c.state)

	if len(c.subs) > 0 {
		c.scheduleReconnect()
	}
}

func (r *Registry) fireReconnect(c *connection, seq uint64) {
	r.mu.Lock()
	defer r.unlock()

	if c.reconnectSeq != seq || c.reconnectTimer == nil {
		return
	}
	c.reconnectTimer = nil
	if c.state != StateReconnecting || len(c.subs) == 0 || r.conns[c.url] != c {
		return
	}
	c.log.Info("reconnecting", "attempt", c.attempt)
	c.connect()
}

func (r *Registry) heartbeat(c *connection, gen uint64) {
	r.mu.Lock()
	if c.gen != gen || c.state != StateOpen || c.socket == nil {
		r.unlock()
		return
	}
	sock := c.socket
	r.unlock()

	if err := sock.Send(r.cfg.HeartbeatPayload); err != nil {
		c.log.Debug("heartbeat send failed", "error", err)
	}
}

func (r *Registry) release(s *Subscription) {
	r.mu.Lock()
	defer r.unlock()

	c, ok := r.conns[s.url]
	if !ok || !c.remove(s) {
		return
	}
	c.log.Debug("unsubscribed", "subscription", s.id, "subscribers", len(c.subs))
	if len(c.subs) > 0 {
		return
	}
	c.shutdown()
	delete(r.conns, s.url)
}

// ============================================================================
// Subscription
// ============================================================================

// Subscription is the handle returned by Subscribe. Close releases it.
type Subscription struct {
	id     string
	url    string
	reg    *Registry
	fn     func(Message)
	closed atomic.Bool
}

// ID returns the subscription's unique identifier.
func (s *Subscription) ID() string { return s.id }

// URL returns the endpoint the subscription is attached to.
func (s *Subscription) URL() string { return s.url }

// Closed reports whether Close has been called.
func (s *Subscription) Closed() bool { return s.closed.Load() }

// Close releases the subscription. The handler is not invoked for any
// delivery that starts after Close returns. Calling Close again is a no-op.
func (s *Subscription) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.reg.release(s)
}

func (s *Subscription) deliver(m Message) {
	if s.closed.Load() {
		return
	}
	defer func() {
		if v := recover(); v != nil {
			s.reg.log.Warn("subscriber panicked", "url", s.url, "subscription", s.id, "panic", v)
		}
	}()
	s.fn(m)
}
