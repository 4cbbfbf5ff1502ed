package livesync

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

var ErrNoBaseURL = errors.New("no realtime base url configured")

// Endpoints derives channel URLs from a realtime base address.
type Endpoints struct {
	base string
}

// NewEndpoints resolves the base address. An explicit override is used as
// given; otherwise origin (the address the application itself is served
// from) is converted to a WebSocket address, http→ws and https→wss.
func NewEndpoints(override, origin string) (Endpoints, error) {
	raw := strings.TrimSpace(override)
	if raw == "" {
		raw = strings.TrimSpace(origin)
	}
	if raw == "" {
		return Endpoints{}, ErrNoBaseURL
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Endpoints{}, fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return Endpoints{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	if u.Host == "" {
		return Endpoints{}, fmt.Errorf("base url %q has no host", raw)
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""

	return Endpoints{base: u.String()}, nil
}

// Base returns the resolved WebSocket base address.
func (e Endpoints) Base() string { return e.base }

// Tournament is the channel for a single tournament.
func (e Endpoints) Tournament(id int64) string {
	return e.base + "/ws/tournaments/" + strconv.FormatInt(id, 10)
}

// Tournaments is the channel for changes to any tournament.
func (e Endpoints) Tournaments() string {
	return e.base + "/ws/tournaments"
}

// Me is the identity-scoped channel. A non-empty bearer token is appended
// as the token query parameter.
func (e Endpoints) Me(token string) string {
	u := e.base + "/ws/me"
	if token == "" {
		return u
	}
	return u + "?" + url.Values{"token": {token}}.Encode()
}
