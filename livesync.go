// Package livesync keeps client-side cached state in sync with change
// notifications pushed by the server over WebSockets.
//
// A Registry shares one socket per endpoint URL between any number of
// subscribers, heals dropped sockets with exponential backoff and keeps
// open sockets alive with a heartbeat. A Coalescer turns bursts of
// notifications into a single cache invalidation per key and window.
//
// Example:
//
//	reg := livesync.NewRegistry(livesync.WithLogger(logger))
//	defer reg.Reset()
//
//	eps, _ := livesync.NewEndpoints("", "https://cups.example.com")
//	cache := livesync.NewMemoryCache()
//	live := livesync.NewLive(reg, livesync.NewCoalescer(0), cache, eps)
//
//	sub, _ := live.WatchTournament(42, nil)
//	defer sub.Close()
package livesync

import (
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultHeartbeatInterval = 25 * time.Second
	DefaultCoalesceWindow    = 50 * time.Millisecond
)

// DefaultHeartbeatPayload is the liveness token sent while a socket is open.
var DefaultHeartbeatPayload = []byte("ping")

// ============================================================================
// Configuration
// ============================================================================

// Config configures a Registry. Zero values are replaced by defaults.
type Config struct {
	Dialer            Dialer
	Scheduler         Scheduler
	Backoff           Backoff
	HeartbeatInterval time.Duration
	HeartbeatPayload  []byte
	Logger            *slog.Logger

	// StateHook observes every connection state transition. It runs
	// outside the registry lock.
	StateHook func(url string, from, to State)
}

func (c *Config) defaults() {
	if c.Dialer == nil {
		c.Dialer = NewWebSocketDialer()
	}
	if c.Scheduler == nil {
		c.Scheduler = SystemScheduler()
	}
	if c.Backoff.Base == 0 && c.Backoff.Cap == 0 && c.Backoff.JitterMax == 0 && c.Backoff.Jitter == nil {
		c.Backoff = DefaultBackoff()
	}
	c.Backoff.defaults()
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if len(c.HeartbeatPayload) == 0 {
		c.HeartbeatPayload = DefaultHeartbeatPayload
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Option configures a Registry.
type Option func(*Config)

func WithDialer(d Dialer) Option {
	return func(c *Config) { c.Dialer = d }
}

func WithScheduler(s Scheduler) Option {
	return func(c *Config) { c.Scheduler = s }
}

func WithBackoff(b Backoff) Option {
	return func(c *Config) { c.Backoff = b }
}

// WithHeartbeat sets the heartbeat period. A negative interval disables it.
func WithHeartbeat(interval time.Duration) Option {
	return func(c *Config) { c.HeartbeatInterval = interval }
}

func WithHeartbeatPayload(p []byte) Option {
	return func(c *Config) { c.HeartbeatPayload = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

func WithStateHook(h func(url string, from, to State)) Option {
	return func(c *Config) { c.StateHook = h }
}

// ============================================================================
// Process-wide instance
// ============================================================================

var (
	defaultMu       sync.Mutex
	defaultRegistry *Registry
)

// Default returns the process-wide registry, creating it with default
// options on first use.
func Default() *Registry {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultRegistry == nil {
		defaultRegistry = NewRegistry()
	}
	return defaultRegistry
}

// SetDefault replaces the process-wide registry. The previous instance is
// not reset.
func SetDefault(r *Registry) {
	defaultMu.Lock()
	defaultRegistry = r
	defaultMu.Unlock()
}
