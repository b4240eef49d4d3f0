package types

import (
	"encoding/json"
	"time"

	"github.com/coder/websocket"

	"pttrelay/internal/geo"
)

// Session is the ephemeral per-connection record owned by the state manager.
// Identity is client-claimed, not authenticated.
type Session struct {
	ConnID      string
	UserID      string
	DisplayName string
	Location    *Location
	ConnectedAt time.Time
}

// Location is a session's last reported position.
type Location struct {
	Point     geo.Point
	UpdatedAt time.Time
}

// ChannelLock is the per-cell transmit lock. At most one exists per cell.
type ChannelLock struct {
	UserID     string
	Name       string
	AcquiredAt time.Time
	// Origin is the holder's position at acquisition time, nil when the
	// holder never reported coordinates.
	Origin *geo.Point
}

// Busy returns the lock's public fields in wire form.
func (l *ChannelLock) Busy() *BusyPayload {
	b := &BusyPayload{
		UserID:  l.UserID,
		Name:    l.Name,
		SinceMs: l.AcquiredAt.UnixMilli(),
	}
	if l.Origin != nil {
		lat, lon := l.Origin.Lat, l.Origin.Lon
		b.Lat, b.Lon = &lat, &lon
	}
	return b
}

// Message is a relayed voice message, retained only to resolve complaints.
type Message struct {
	ID          string
	SpeakerID   string
	SpeakerName string
	CreatedAt   time.Time
}

// WebSocketConnection wraps a live client connection with its outbound queue.
type WebSocketConnection struct {
	Conn   *websocket.Conn
	ConnID string
	Send   chan []byte
}

// EventType names one variant of the realtime protocol.
type EventType string

const (
	// Client -> server
	EventHello EventType = "hello"
	EventLoc   EventType = "loc"
	EventStart EventType = "start"
	EventStop  EventType = "stop"

	// Server -> client
	EventState   EventType = "state"
	EventBusy    EventType = "busy"
	EventFree    EventType = "free"
	EventDenied  EventType = "denied"
	EventMessage EventType = "message"
	EventBanned  EventType = "banned"
)

// Envelope is the framing for every realtime event: a tag plus a typed body.
// Payloads are decoded into their concrete variant at the boundary before
// they reach the state manager.
type Envelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope wraps a payload in a tagged envelope and marshals it.
func NewEnvelope(t EventType, payload any) ([]byte, error) {
	env := Envelope{Type: t}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Data = data
	}
	return json.Marshal(env)
}

// HelloPayload announces a connection's claimed identity.
type HelloPayload struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
}

// LocPayload reports a connection's position.
type LocPayload struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// StatePayload is the reply to hello.
type StatePayload struct {
	Busy   *BusyPayload `json:"busy"`
	Banned bool         `json:"banned"`
}

// BusyPayload describes the holder of a channel lock.
type BusyPayload struct {
	UserID  string   `json:"userId"`
	Name    string   `json:"name"`
	SinceMs int64    `json:"sinceMs"`
	Lat     *float64 `json:"lat"`
	Lon     *float64 `json:"lon"`
}

// FreePayload announces that a cell's channel is free again.
type FreePayload struct {
	Region string `json:"region"`
}

// DeniedPayload is sent to a session whose transmit request was refused.
type DeniedPayload struct {
	Reason string       `json:"reason"`
	Busy   *BusyPayload `json:"busy,omitempty"`
}

// MessagePayload announces a finished voice message to nearby sessions.
type MessagePayload struct {
	ID          string   `json:"id"`
	SpeakerID   string   `json:"speakerId"`
	SpeakerName string   `json:"speakerName"`
	URL         string   `json:"url"`
	Mime        string   `json:"mime"`
	Lat         *float64 `json:"lat"`
	Lon         *float64 `json:"lon"`
	CreatedAtMs int64    `json:"createdAtMs"`
}

// BannedPayload announces an auto-ban. Bans are global-visibility events.
type BannedPayload struct {
	UserID  string `json:"userId"`
	Minutes int    `json:"minutes"`
}

// ServerStats is the /api/stats projection of the manager's tables.
type ServerStats struct {
	ConnectedSessions int   `json:"connected_sessions"`
	ActiveLocks       int   `json:"active_locks"`
	ActiveBans        int   `json:"active_bans"`
	TrackedMessages   int   `json:"tracked_messages"`
	DroppedEvents     int64 `json:"dropped_events"`
}
