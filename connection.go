package livesync

import (
	"log/slog"
)

// State is the lifecycle state of a connection.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateReconnecting State = "reconnecting"
	StateClosing      State = "closing"
)

func (s State) String() string { return string(s) }

// connection owns the socket for one endpoint URL. Every field is guarded
// by the owning registry's mutex.
type connection struct {
	reg *Registry
	url string
	log *slog.Logger

	state  State
	socket Socket
	gen    uint64 // bumped per socket; events carrying an older value are stale
	subs   []*Subscription

	attempt        int
	dials          int
	pingTimer      Timer
	reconnectTimer Timer
	reconnectSeq   uint64
}

func newConnection(r *Registry, url string) *connection {
	return &connection{
		reg:   r,
		url:   url,
		log:   r.log.With("url", url),
		state: StateIdle,
	}
}

func (c *connection) setState(s State) {
	if c.state == s {
		return
	}
	from := c.state
	c.state = s
	c.log.Debug("connection state", "from", from, "to", s)

	if hook := c.reg.cfg.StateHook; hook != nil {
		url := c.url
		c.reg.notes = append(c.reg.notes, func() { hook(url, from, s) })
	}
}

// connect opens a new socket unless one is already opening or open.
func (c *connection) connect() {
	switch c.state {
	case StateConnecting, StateOpen, StateClosing:
		return
	}
	c.cancelReconnect()

	c.gen++
	gen := c.gen
	c.dials++
	c.setState(StateConnecting)

	r := c.reg
	sock, err := r.cfg.Dialer.Dial(c.url, SocketEvents{
		OnOpen:    func() { r.handleOpen(c, gen) },
		OnMessage: func(data []byte) { r.handleMessage(c, gen, data) },
		OnClose:   func(err error) { r.handleClose(c, gen, err) },
	})
	if err != nil {
		c.log.Warn("dial failed", "error", err, "attempt", c.attempt)
		c.socket = nil
		c.scheduleReconnect()
		return
	}
	c.socket = sock
}

// scheduleReconnect arms the reconnect timer. A request while one is
// already pending is ignored.
func (c *connection) scheduleReconnect() {
	if c.reconnectTimer != nil {
		return
	}
	delay := c.reg.cfg.Backoff.Delay(c.attempt)
	c.attempt++
	c.setState(StateReconnecting)

	c.reconnectSeq++
	seq := c.reconnectSeq
	r := c.reg
	c.reconnectTimer = r.cfg.Scheduler.AfterFunc(delay, func() { r.fireReconnect(c, seq) })

	c.log.Info("reconnect scheduled", "delay", delay, "attempt", c.attempt, "subscribers", len(c.subs))
}

func (c *connection) cancelReconnect() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *connection) startHeartbeat() {
	c.stopHeartbeat()
	interval := c.reg.cfg.HeartbeatInterval
	if interval <= 0 {
		return
	}
	gen := c.gen
	r := c.reg
	c.pingTimer = r.cfg.Scheduler.Every(interval, func() { r.heartbeat(c, gen) })
}

func (c *connection) stopHeartbeat() {
	if c.pingTimer != nil {
		c.pingTimer.Stop()
		c.pingTimer = nil
	}
}

// dropSocket closes and forgets the current socket, if any.
func (c *connection) dropSocket() {
	if c.socket == nil {
		return
	}
	sock := c.socket
	c.socket = nil
	if err := sock.Close(); err != nil {
		c.log.Debug("socket close failed", "error", err)
	}
}

// shutdown is the terminal transition taken when the last subscriber leaves.
func (c *connection) shutdown() {
	c.setState(StateClosing)
	c.cancelReconnect()
	c.stopHeartbeat()
	c.gen++
	c.dropSocket()
	c.log.Info("connection closed")
}

// remove drops s from the subscriber list and reports whether it was there.
func (c *connection) remove(s *Subscription) bool {
	for i, x := range c.subs {
		if x == s {
			c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
			return true
		}
	}
	return false
}

func (c *connection) stats() ConnStats {
	return ConnStats{
		URL:      c.url,
		State:    c.state,
		RefCount: len(c.subs),
		Attempt:  c.attempt,
		Dials:    c.dials,
	}
}
