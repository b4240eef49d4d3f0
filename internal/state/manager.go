// Package state owns every mutable table of the relay: sessions, per-cell
// channel locks, bans, messages and complaint windows. All of them are
// guarded by one mutex so that check-then-act sequences (ban check followed
// by lock acquisition, window reset followed by counting) are never
// interleaved with a concurrent request for the same cell or user.
package state

import (
	"log"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/ksuid"

	"pttrelay/internal/geo"
	"pttrelay/internal/metrics"
	"pttrelay/internal/types"
	"pttrelay/pkg/protocol"
)

// Moderation policy. These are fixed policy values, not configuration.
const (
	ComplaintWindow    = 60 * time.Second
	ComplaintThreshold = 3
	BanDuration        = 30 * time.Minute
)

// DefaultRadiusKm is the geofence radius used when none is configured.
const DefaultRadiusKm = 5

const anonUserID = "anon"

type complaintWindow struct {
	startedAt time.Time
	count     int
	reporters map[string]struct{}
}

type Manager struct {
	mu         sync.Mutex
	radiusKm   float64
	sessions   map[string]*types.Session
	clients    map[string]*types.WebSocketConnection
	userLoc    map[string]geo.Point
	locks      map[string]*types.ChannelLock
	bans       map[string]time.Time
	messages   map[string]*types.Message
	complaints map[string]*complaintWindow
	dropped    int64
	now        func() time.Time
}

func NewManager(radiusKm float64) *Manager {
	if radiusKm <= 0 {
		radiusKm = DefaultRadiusKm
	}
	return &Manager{
		radiusKm:   radiusKm,
		sessions:   make(map[string]*types.Session),
		clients:    make(map[string]*types.WebSocketConnection),
		userLoc:    make(map[string]geo.Point),
		locks:      make(map[string]*types.ChannelLock),
		bans:       make(map[string]time.Time),
		messages:   make(map[string]*types.Message),
		complaints: make(map[string]*complaintWindow),
		now:        time.Now,
	}
}

// SetClock replaces the manager's time source. Test hook.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Connect registers a new connection with a default anonymous session.
func (m *Manager) Connect(conn *types.WebSocketConnection) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.clients[conn.ConnID] = conn
	m.sessions[conn.ConnID] = &types.Session{
		ConnID:      conn.ConnID,
		UserID:      anonUserID,
		DisplayName: defaultDisplayName,
		ConnectedAt: m.now(),
	}
	metrics.TotalConnections.Inc()
	metrics.ActiveConnections.Set(float64(len(m.clients)))
}

// Disconnect removes a connection's session and releases any channel lock it
// held. Safe to call more than once for the same connection.
func (m *Manager) Disconnect(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, exists := m.sessions[connID]
	if !exists {
		delete(m.clients, connID)
		return
	}
	delete(m.sessions, connID)
	delete(m.clients, connID)
	metrics.ActiveConnections.Set(float64(len(m.clients)))

	m.releaseLocked(sess.UserID, m.pointForUserLocked(sess))
}

// RegisterOrUpdate binds a claimed identity to a connection and returns the
// state reply for it. Idempotent: a repeated hello overwrites the identity.
func (m *Manager) RegisterOrUpdate(connID, userID, name string) types.StatePayload {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, exists := m.sessions[connID]
	if !exists {
		sess = &types.Session{ConnID: connID, ConnectedAt: m.now()}
		m.sessions[connID] = sess
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		uid = anonUserID
	}
	sess.UserID = uid
	sess.DisplayName = SanitizeName(name)

	state := types.StatePayload{Banned: m.isBannedLocked(uid)}
	if p := m.pointForUserLocked(sess); p != nil {
		if lock := m.locks[geo.CellKey(*p)]; lock != nil {
			state.Busy = lock.Busy()
		}
	}
	return state
}

// UpdateLocation records a session's position. Non-finite coordinates are a
// silent no-op.
func (m *Manager) UpdateLocation(connID string, lat, lon float64) {
	p := geo.Point{Lat: lat, Lon: lon}
	if !p.Finite() {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sess, exists := m.sessions[connID]
	if !exists {
		return
	}
	sess.Location = &types.Location{Point: p, UpdatedAt: m.now()}
	m.userLoc[sess.UserID] = p
}

// RequestChannel arbitrates a transmit request for the caller's cell.
// The returned denial is nil when the request is granted or when the caller
// already holds the lock (a holder's re-request is idempotent).
func (m *Manager) RequestChannel(connID string) *types.DeniedPayload {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, exists := m.sessions[connID]
	if !exists {
		return &types.DeniedPayload{Reason: protocol.ReasonBusy}
	}

	if m.isBannedLocked(sess.UserID) {
		metrics.ChannelDenials.WithLabelValues(protocol.ReasonBanned).Inc()
		return &types.DeniedPayload{Reason: protocol.ReasonBanned}
	}

	origin := m.pointForUserLocked(sess)
	cell := cellFor(origin)

	if lock := m.locks[cell]; lock != nil {
		if lock.UserID == sess.UserID {
			return nil
		}
		metrics.ChannelDenials.WithLabelValues(protocol.ReasonBusy).Inc()
		return &types.DeniedPayload{Reason: protocol.ReasonBusy, Busy: lock.Busy()}
	}

	lock := &types.ChannelLock{
		UserID:     sess.UserID,
		Name:       sess.DisplayName,
		AcquiredAt: m.now(),
		Origin:     origin,
	}
	m.locks[cell] = lock
	metrics.ChannelGrants.Inc()
	log.Printf("Channel %s acquired by %s (%s)", cell, lock.Name, lock.UserID)

	m.publishLocked(types.EventBusy, lock.Busy(), origin)
	return nil
}

// ReleaseChannel handles an explicit stop from a connection.
func (m *Manager) ReleaseChannel(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, exists := m.sessions[connID]
	if !exists {
		return
	}
	m.releaseLocked(sess.UserID, m.pointForUserLocked(sess))
}

// releaseLocked frees the cell derived from p when its lock is held by
// userID, publishing exactly one free event around the lock's origin.
func (m *Manager) releaseLocked(userID string, p *geo.Point) {
	cell := cellFor(p)
	lock := m.locks[cell]
	if lock == nil || lock.UserID != userID {
		return
	}
	delete(m.locks, cell)
	log.Printf("Channel %s released by %s", cell, userID)
	m.publishLocked(types.EventFree, types.FreePayload{Region: cell}, lock.Origin)
}

// CheckUpload validates an upload attempt before any bytes are persisted:
// ban first, then arbitration for the cell derived from the supplied
// coordinates. On contention the current lock's public fields are returned.
func (m *Manager) CheckUpload(userID string, p *geo.Point) (*types.BusyPayload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isBannedLocked(userID) {
		return nil, ErrBanned
	}
	if lock := m.locks[cellFor(p)]; lock != nil && lock.UserID != userID {
		return lock.Busy(), ErrChannelBusy
	}
	return nil, nil
}

// PublishMessage records a finished voice message, releases the uploader's
// channel lock if held, and fans the message out around the upload origin.
// This is the serialized tail of the upload gate; byte persistence happens
// outside the lock.
func (m *Manager) PublishMessage(userID, name string, p *geo.Point, url, mime string) *types.MessagePayload {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	msg := &types.Message{
		ID:          ksuid.New().String(),
		SpeakerID:   userID,
		SpeakerName: SanitizeName(name),
		CreatedAt:   now,
	}
	m.messages[msg.ID] = msg

	m.releaseLocked(userID, p)

	payload := &types.MessagePayload{
		ID:          msg.ID,
		SpeakerID:   msg.SpeakerID,
		SpeakerName: msg.SpeakerName,
		URL:         url,
		Mime:        mime,
		CreatedAtMs: now.UnixMilli(),
	}
	if p != nil {
		lat, lon := p.Lat, p.Lon
		payload.Lat, payload.Lon = &lat, &lon
	}
	m.publishLocked(types.EventMessage, payload, p)
	return payload
}

// FileComplaint counts a distinct complaint against a message inside the
// sliding window. A reporter counts at most once per window; an expired
// window is reset before counting. Reaching the threshold bans the speaker
// and announces the ban to every session.
func (m *Manager) FileComplaint(reporterID, messageID string) (count int, duplicated bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, exists := m.messages[messageID]
	if !exists {
		return 0, false, ErrUnknownMessage
	}

	now := m.now()
	w := m.complaints[messageID]
	if w == nil || now.Sub(w.startedAt) > ComplaintWindow {
		w = &complaintWindow{startedAt: now, reporters: make(map[string]struct{})}
		m.complaints[messageID] = w
	}

	if _, seen := w.reporters[reporterID]; seen {
		return w.count, true, nil
	}
	w.reporters[reporterID] = struct{}{}
	w.count++

	if w.count >= ComplaintThreshold {
		m.bans[msg.SpeakerID] = now.Add(BanDuration)
		metrics.BansIssued.Inc()
		log.Printf("User %s banned for %v after %d complaints against message %s",
			msg.SpeakerID, BanDuration, w.count, messageID)
		// Bans are global-visibility events: no geofence.
		m.publishLocked(types.EventBanned, types.BannedPayload{
			UserID:  msg.SpeakerID,
			Minutes: int(BanDuration.Minutes()),
		}, nil)
	}
	return w.count, false, nil
}

// IsBanned reports whether a user currently has an active ban.
func (m *Manager) IsBanned(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isBannedLocked(userID)
}

// BanUser applies a manual moderation ban.
func (m *Manager) BanUser(userID string, d time.Duration) {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bans[uid] = m.now().Add(d)
}

// isBannedLocked checks a user's ban, dropping it lazily on expiry.
func (m *Manager) isBannedLocked(userID string) bool {
	until, exists := m.bans[userID]
	if !exists {
		return false
	}
	if !m.now().Before(until) {
		delete(m.bans, userID)
		return false
	}
	return true
}

// Publish fans an already-typed event out around an origin. Used by tests
// and by callers outside the serialized operations above.
func (m *Manager) Publish(t types.EventType, payload any, origin *geo.Point) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishLocked(t, payload, origin)
}

// publishLocked delivers an event to every session inside the geofence.
// Sessions without a known location always receive the event (compatibility
// fallback for clients that never report one), and an unknown origin skips
// geofencing entirely. Sends are non-blocking: a full session buffer drops
// the event for that session and never aborts the fan-out.
func (m *Manager) publishLocked(t types.EventType, payload any, origin *geo.Point) {
	data, err := types.NewEnvelope(t, payload)
	if err != nil {
		log.Printf("Failed to marshal %s event: %v", t, err)
		return
	}
	geofenced := origin != nil && origin.Finite()

	for connID, client := range m.clients {
		if geofenced {
			if sess := m.sessions[connID]; sess != nil && sess.Location != nil {
				if geo.DistanceKm(*origin, sess.Location.Point) > m.radiusKm {
					continue
				}
			}
		}
		select {
		case client.Send <- data:
			metrics.EventsBroadcast.WithLabelValues(string(t)).Inc()
		default:
			m.dropped++
			metrics.EventsDropped.Inc()
			log.Printf("Client %s send channel full, dropping %s event", connID, t)
		}
	}
}

// pointForUserLocked resolves a session's position, falling back to the last
// location reported by the same user on any connection.
func (m *Manager) pointForUserLocked(sess *types.Session) *geo.Point {
	if sess.Location != nil {
		p := sess.Location.Point
		return &p
	}
	if p, exists := m.userLoc[sess.UserID]; exists {
		return &p
	}
	return nil
}

func cellFor(p *geo.Point) string {
	if p == nil {
		return geo.UnknownCell
	}
	return geo.CellKey(*p)
}

// Stats reports the current table sizes for /api/stats.
func (m *Manager) Stats() types.ServerStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	activeBans := 0
	now := m.now()
	for _, until := range m.bans {
		if now.Before(until) {
			activeBans++
		}
	}
	return types.ServerStats{
		ConnectedSessions: len(m.sessions),
		ActiveLocks:       len(m.locks),
		ActiveBans:        activeBans,
		TrackedMessages:   len(m.messages),
		DroppedEvents:     m.dropped,
	}
}
