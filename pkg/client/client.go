// Package client is a Go client for the PTT relay: it speaks the realtime
// tagged-event protocol and the synchronous upload/complaint endpoints.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/segmentio/ksuid"

	cidpkg "pttrelay/internal/cid"
)

// buildDialHeaders constructs the HTTP header map used for websocket.Dial.
// Extracted to allow unit testing of header propagation.
func buildDialHeaders(ctx context.Context, userAgent string) map[string][]string {
	headers := map[string][]string{"User-Agent": {userAgent}}
	cidpkg.AddHeaderFromContext(headers, ctx)
	return headers
}

// EventHandler defines callbacks for handling server events.
type EventHandler interface {
	OnState(State)
	OnBusy(Busy)
	OnFree(Free)
	OnDenied(Denied)
	OnMessage(Message)
	OnBanned(Banned)
	OnDisconnected()
}

// DefaultEventHandler provides a basic logging implementation of EventHandler.
type DefaultEventHandler struct{}

func (h *DefaultEventHandler) OnState(s State) { log.Printf("State: busy=%v banned=%v", s.Busy, s.Banned) }
func (h *DefaultEventHandler) OnBusy(b Busy)   { log.Printf("%s is transmitting", b.Name) }
func (h *DefaultEventHandler) OnFree(f Free)   { log.Printf("Channel %s is free", f.Region) }
func (h *DefaultEventHandler) OnDenied(d Denied) {
	log.Printf("Transmit denied: %s", d.Reason)
}
func (h *DefaultEventHandler) OnMessage(m Message) {
	log.Printf("Message %s from %s: %s", m.ID, m.SpeakerName, m.URL)
}
func (h *DefaultEventHandler) OnBanned(b Banned) {
	log.Printf("User %s banned for %d minutes", b.UserID, b.Minutes)
}
func (h *DefaultEventHandler) OnDisconnected() { log.Printf("Disconnected from server") }

// Client connects to a PTT relay server.
type Client struct {
	conn      *websocket.Conn
	config    Config
	handler   EventHandler
	httpc     *http.Client
	connected bool
}

// NewClient creates a client. A missing user id is replaced with a fresh
// KSUID, a missing base URL is derived from the websocket URL.
func NewClient(config Config) *Client {
	if config.UserID == "" {
		config.UserID = ksuid.New().String()
	}
	if config.UserAgent == "" {
		config.UserAgent = "ptt-relay-client/1.0.0"
	}
	if config.BaseURL == "" {
		config.BaseURL = deriveBaseURL(config.ServerURL)
	}
	return &Client{
		config:  config,
		handler: &DefaultEventHandler{},
		httpc:   &http.Client{},
	}
}

func deriveBaseURL(wsURL string) string {
	base := wsURL
	switch {
	case strings.HasPrefix(base, "wss://"):
		base = "https://" + strings.TrimPrefix(base, "wss://")
	case strings.HasPrefix(base, "ws://"):
		base = "http://" + strings.TrimPrefix(base, "ws://")
	}
	return strings.TrimSuffix(base, "/ws")
}

// SetEventHandler sets a custom event handler.
func (c *Client) SetEventHandler(handler EventHandler) {
	c.handler = handler
}

// UserID returns the client's user id.
func (c *Client) UserID() string {
	return c.config.UserID
}

// IsConnected reports whether the realtime channel is up.
func (c *Client) IsConnected() bool {
	return c.connected
}

// Connect dials the server with exponential backoff and announces identity.
func (c *Client) Connect(ctx context.Context) error {
	dial := func() error {
		conn, _, err := websocket.Dial(ctx, c.config.ServerURL, &websocket.DialOptions{
			HTTPHeader: buildDialHeaders(ctx, c.config.UserAgent),
		})
		if err != nil {
			return err
		}
		c.conn = conn
		return nil
	}
	if err := backoff.Retry(dial, backoff.WithContext(backoff.NewExponentialBackOff(), ctx)); err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	c.connected = true

	return c.send(ctx, EventHello, map[string]string{
		"userId": c.config.UserID,
		"name":   c.config.Name,
	})
}

// Listen runs the read loop, dispatching events to the handler until the
// connection drops or ctx is cancelled.
func (c *Client) Listen(ctx context.Context) error {
	defer func() {
		c.connected = false
		c.handler.OnDisconnected()
	}()

	for {
		var env Envelope
		if err := wsjson.Read(ctx, c.conn, &env); err != nil {
			return err
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env Envelope) {
	switch env.Type {
	case EventState:
		var p State
		if json.Unmarshal(env.Data, &p) == nil {
			c.handler.OnState(p)
		}
	case EventBusy:
		var p Busy
		if json.Unmarshal(env.Data, &p) == nil {
			c.handler.OnBusy(p)
		}
	case EventFree:
		var p Free
		if json.Unmarshal(env.Data, &p) == nil {
			c.handler.OnFree(p)
		}
	case EventDenied:
		var p Denied
		if json.Unmarshal(env.Data, &p) == nil {
			c.handler.OnDenied(p)
		}
	case EventMessage:
		var p Message
		if json.Unmarshal(env.Data, &p) == nil {
			c.handler.OnMessage(p)
		}
	case EventBanned:
		var p Banned
		if json.Unmarshal(env.Data, &p) == nil {
			c.handler.OnBanned(p)
		}
	default:
		log.Printf("Unknown event type %q", env.Type)
	}
}

func (c *Client) send(ctx context.Context, eventType string, payload any) error {
	env := Envelope{Type: eventType}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		env.Data = data
	}
	return wsjson.Write(ctx, c.conn, env)
}

// UpdateLocation reports the client's position.
func (c *Client) UpdateLocation(ctx context.Context, lat, lon float64) error {
	return c.send(ctx, EventLoc, map[string]float64{"lat": lat, "lon": lon})
}

// StartTransmit requests the channel for the client's cell.
func (c *Client) StartTransmit(ctx context.Context) error {
	return c.send(ctx, EventStart, nil)
}

// StopTransmit releases the channel.
func (c *Client) StopTransmit(ctx context.Context) error {
	return c.send(ctx, EventStop, nil)
}

// Upload posts a finished recording. Passing NaN coordinates is allowed; the
// server treats them as unknown.
func (c *Client) Upload(ctx context.Context, lat, lon float64, filename, mime string, audio io.Reader) (*Message, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	_ = w.WriteField("userId", c.config.UserID)
	_ = w.WriteField("name", c.config.Name)
	_ = w.WriteField("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	_ = w.WriteField("lon", strconv.FormatFloat(lon, 'f', -1, 64))

	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="audio"; filename=%q`, filename))
	if mime != "" {
		hdr.Set("Content-Type", mime)
	}
	fw, err := w.CreatePart(hdr)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(fw, audio); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/ptt/upload", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	cidpkg.AddHeaderFromContext(req.Header, ctx)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed struct {
		OK      bool     `json:"ok"`
		Message *Message `json:"message"`
		Error   string   `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding upload response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || !parsed.OK {
		return nil, fmt.Errorf("upload rejected: %s", parsed.Error)
	}
	return parsed.Message, nil
}

// Complain files a complaint against a message.
func (c *Client) Complain(ctx context.Context, messageID string) (count int, duplicated bool, err error) {
	payload, _ := json.Marshal(map[string]string{
		"reporterId": c.config.UserID,
		"messageId":  messageID,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/ptt/complaint", bytes.NewReader(payload))
	if err != nil {
		return 0, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	cidpkg.AddHeaderFromContext(req.Header, ctx)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, false, err
	}
	defer resp.Body.Close()

	var parsed struct {
		OK         bool   `json:"ok"`
		Count      int    `json:"count"`
		Duplicated bool   `json:"duplicated"`
		Error      string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return 0, false, fmt.Errorf("decoding complaint response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || !parsed.OK {
		return 0, false, fmt.Errorf("complaint rejected: %s", parsed.Error)
	}
	return parsed.Count, parsed.Duplicated, nil
}

// Close shuts the realtime channel down.
func (c *Client) Close() error {
	c.connected = false
	if c.conn == nil {
		return nil
	}
	return c.conn.Close(websocket.StatusNormalClosure, "client closing")
}
