package livesync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

var (
	ErrNotConnected      = errors.New("not connected")
	ErrUnsupportedScheme = errors.New("unsupported url scheme")
)

// SocketEvents are the transport callbacks for one socket. They are invoked
// from the socket's own goroutine, never from inside Dial.
type SocketEvents struct {
	OnOpen    func()
	OnMessage func(data []byte)
	OnClose   func(err error)
}

// Socket is one live transport handle.
type Socket interface {
	// Send writes a text frame.
	Send(data []byte) error

	// Close requests closure. It does not block on the closing handshake and
	// no events are delivered after it returns.
	Close() error
}

// Dialer opens sockets. Dial must not block on the network: the handshake
// completes in the background and is reported through OnOpen or OnClose.
// An error from Dial itself (bad URL, unsupported scheme) is a construction
// failure and is handled like a post-connect error.
type Dialer interface {
	Dial(url string, events SocketEvents) (Socket, error)
}

// WebSocketDialer dials RFC 6455 WebSockets.
type WebSocketDialer struct {
	HTTPClient       *http.Client
	Header           http.Header
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadLimit        int64
}

// NewWebSocketDialer returns a dialer with sensible defaults.
func NewWebSocketDialer() *WebSocketDialer {
	return &WebSocketDialer{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadLimit:        1 << 20,
	}
}

// Dial starts connecting to rawURL in the background.
func (d *WebSocketDialer) Dial(rawURL string, events SocketEvents) (Socket, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &wsSocket{
		ctx:          ctx,
		cancel:       cancel,
		writeTimeout: d.WriteTimeout,
	}
	opts := &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: d.Header,
	}
	go s.run(rawURL, opts, d.HandshakeTimeout, d.ReadLimit, events)
	return s, nil
}

type wsSocket struct {
	ctx          context.Context
	cancel       context.CancelFunc
	writeTimeout time.Duration

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func (s *wsSocket) run(rawURL string, opts *websocket.DialOptions, handshake time.Duration, limit int64, ev SocketEvents) {
	dialCtx := s.ctx
	if handshake > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(s.ctx, handshake)
		defer cancel()
	}

	conn, _, err := websocket.Dial(dialCtx, rawURL, opts)
	if err != nil {
		s.fail(ev, fmt.Errorf("websocket dial: %w", err))
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
		return
	}
	s.conn = conn
	s.mu.Unlock()

	if limit > 0 {
		conn.SetReadLimit(limit)
	}
	if ev.OnOpen != nil && !s.isClosed() {
		ev.OnOpen()
	}

	for {
		_, data, err := conn.Read(s.ctx)
		if err != nil {
			s.fail(ev, err)
			return
		}
		if s.isClosed() {
			return
		}
		if ev.OnMessage != nil {
			ev.OnMessage(data)
		}
	}
}

func (s *wsSocket) fail(ev SocketEvents, err error) {
	if s.isClosed() || ev.OnClose == nil {
		return
	}
	ev.OnClose(err)
}

func (s *wsSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *wsSocket) Send(data []byte) error {
	s.mu.Lock()
	conn := s.conn
	closed := s.closed
	s.mu.Unlock()
	if conn == nil || closed {
		return ErrNotConnected
	}

	ctx := s.ctx
	if s.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.writeTimeout)
		defer cancel()
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *wsSocket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.mu.Unlock()

	go func() {
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "")
		}
		s.cancel()
	}()
	return nil
}
