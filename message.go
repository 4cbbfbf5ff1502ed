package livesync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// Kind tags the shape of an inbound frame.
type Kind int

const (
	// KindText is a frame that is not a JSON object. It is delivered as-is.
	KindText Kind = iota
	// KindEvent is a JSON object naming a known event.
	KindEvent
	// KindUnrecognized is a JSON object with an unknown or missing event name.
	KindUnrecognized
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindEvent:
		return "event"
	case KindUnrecognized:
		return "unrecognized"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Event names an inbound server notification.
type Event string

const (
	EventConnected         Event = "connected"
	EventPong              Event = "pong"
	EventTournamentUpdated Event = "tournament_updated"
	EventPlayersUpdated    Event = "players_updated"
	EventScheduleGenerated Event = "schedule_generated"
	EventMatchesReordered  Event = "matches_reordered"
	EventTournamentDeleted Event = "tournament_deleted"
	EventCommentsUpdated   Event = "comments_updated"
)

var knownEvents = map[Event]bool{
	EventConnected:         true,
	EventPong:              true,
	EventTournamentUpdated: true,
	EventPlayersUpdated:    true,
	EventScheduleGenerated: true,
	EventMatchesReordered:  true,
	EventTournamentDeleted: true,
	EventCommentsUpdated:   true,
}

// Noop reports whether the event only acknowledges liveness.
func (e Event) Noop() bool {
	return e == EventConnected || e == EventPong
}

// Message is one inbound frame, decoded once at the delivery boundary.
type Message struct {
	Kind      Kind
	Event     Event           // set for KindEvent, and for KindUnrecognized when a name was present
	Payload   json.RawMessage // raw "payload" field, nil when absent
	Timestamp time.Time       // parsed "ts" field, zero when absent or malformed
	Raw       []byte          // the frame exactly as received
}

// Scope is the entity reference carried by change notifications.
type Scope struct {
	TournamentID int64  `json:"tournament_id"`
	CommentID    *int64 `json:"comment_id,omitempty"`
	Action       string `json:"action,omitempty"`
}

// ParseMessage decodes a frame. It never fails: anything that is not a JSON
// object is KindText.
func ParseMessage(data []byte) Message {
	m := Message{Kind: KindText, Raw: data}
	if !gjson.ValidBytes(data) {
		return m
	}
	doc := gjson.ParseBytes(data)
	if !doc.IsObject() {
		return m
	}

	m.Kind = KindUnrecognized
	if ev := doc.Get("event"); ev.Type == gjson.String {
		m.Event = Event(ev.Str)
		if knownEvents[m.Event] {
			m.Kind = KindEvent
		}
	}
	if p := doc.Get("payload"); p.Exists() {
		m.Payload = json.RawMessage(p.Raw)
	}
	if ts := doc.Get("ts"); ts.Type == gjson.String {
		m.Timestamp = parseTimestamp(ts.Str)
	}
	return m
}

// Noop reports whether the message is a known liveness acknowledgment.
func (m Message) Noop() bool {
	return m.Kind == KindEvent && m.Event.Noop()
}

// Text returns the raw frame as a string.
func (m Message) Text() string {
	return string(m.Raw)
}

// Scope decodes the entity reference from the payload.
func (m Message) Scope() (Scope, bool) {
	if len(m.Payload) == 0 {
		return Scope{}, false
	}
	p := gjson.ParseBytes(m.Payload)
	if !p.IsObject() {
		return Scope{}, false
	}
	var s Scope
	id := p.Get("tournament_id")
	if id.Type != gjson.Number {
		return Scope{}, false
	}
	s.TournamentID = id.Int()
	if c := p.Get("comment_id"); c.Type == gjson.Number {
		v := c.Int()
		s.CommentID = &v
	}
	s.Action = p.Get("action").String()
	return s, true
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
}

func parseTimestamp(s string) time.Time {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
