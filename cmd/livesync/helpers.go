package main

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/LuminPulse-AI/livesync"
)

// newLogger returns a text logger on w, at debug level with --verbose.
func newLogger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// registryOptions translates the [realtime] section into registry options.
func registryOptions(cfg *Config, logger *slog.Logger) []livesync.Option {
	opts := []livesync.Option{livesync.WithLogger(logger)}

	if cfg.Realtime.HeartbeatMS > 0 {
		opts = append(opts, livesync.WithHeartbeat(ms(cfg.Realtime.HeartbeatMS)))
	}

	b := livesync.DefaultBackoff()
	if cfg.Realtime.ReconnectBaseMS > 0 {
		b.Base = ms(cfg.Realtime.ReconnectBaseMS)
	}
	if cfg.Realtime.ReconnectMaxMS > 0 {
		b.Cap = ms(cfg.Realtime.ReconnectMaxMS)
	}
	if cfg.Realtime.JitterMS > 0 {
		b.JitterMax = ms(cfg.Realtime.JitterMS)
	}
	return append(opts, livesync.WithBackoff(b))
}

func endpointsFromConfig(cfg *Config) (livesync.Endpoints, error) {
	return livesync.NewEndpoints(cfg.Default.BaseURL, cfg.Default.Origin)
}

func ms(n int64) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// syncWriter serializes writes from socket and timer goroutines.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// maskKey shows the first and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
