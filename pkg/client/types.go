package client

import "encoding/json"

// Envelope is the tagged frame used on the realtime channel.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Event type tags.
const (
	EventHello = "hello"
	EventLoc   = "loc"
	EventStart = "start"
	EventStop  = "stop"

	EventState   = "state"
	EventBusy    = "busy"
	EventFree    = "free"
	EventDenied  = "denied"
	EventMessage = "message"
	EventBanned  = "banned"
)

// Busy describes the current holder of a cell's channel.
type Busy struct {
	UserID  string   `json:"userId"`
	Name    string   `json:"name"`
	SinceMs int64    `json:"sinceMs"`
	Lat     *float64 `json:"lat"`
	Lon     *float64 `json:"lon"`
}

// State is the server's reply to hello.
type State struct {
	Busy   *Busy `json:"busy"`
	Banned bool  `json:"banned"`
}

// Free announces a released channel.
type Free struct {
	Region string `json:"region"`
}

// Denied is a refused transmit request.
type Denied struct {
	Reason string `json:"reason"`
	Busy   *Busy  `json:"busy,omitempty"`
}

// Message is a finished voice message relayed to nearby listeners.
type Message struct {
	ID          string   `json:"id"`
	SpeakerID   string   `json:"speakerId"`
	SpeakerName string   `json:"speakerName"`
	URL         string   `json:"url"`
	Mime        string   `json:"mime"`
	Lat         *float64 `json:"lat"`
	Lon         *float64 `json:"lon"`
	CreatedAtMs int64    `json:"createdAtMs"`
}

// Banned announces an auto-ban.
type Banned struct {
	UserID  string `json:"userId"`
	Minutes int    `json:"minutes"`
}

// Config holds configuration for the relay client.
type Config struct {
	// ServerURL is the websocket endpoint, e.g. ws://localhost:3030/ws.
	ServerURL string
	// BaseURL is the HTTP endpoint for uploads and complaints, e.g.
	// http://localhost:3030. Derived from ServerURL when empty.
	BaseURL   string
	UserID    string
	Name      string
	UserAgent string
}
