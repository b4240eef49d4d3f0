package state_test

import (
	"encoding/json"
	"testing"
	"time"

	"pttrelay/internal/geo"
	"pttrelay/internal/state"
	"pttrelay/internal/types"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

// connect attaches a fake connection and announces identity and location.
func connect(t *testing.T, m *state.Manager, connID, userID, name string) *types.WebSocketConnection {
	t.Helper()
	conn := &types.WebSocketConnection{ConnID: connID, Send: make(chan []byte, 32)}
	m.Connect(conn)
	m.RegisterOrUpdate(connID, userID, name)
	return conn
}

// drain decodes every queued envelope on a connection's send channel.
func drain(t *testing.T, conn *types.WebSocketConnection) []types.Envelope {
	t.Helper()
	var events []types.Envelope
	for {
		select {
		case data := <-conn.Send:
			var env types.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				t.Fatalf("failed to decode envelope: %v", err)
			}
			events = append(events, env)
		default:
			return events
		}
	}
}

func countType(events []types.Envelope, et types.EventType) int {
	n := 0
	for _, e := range events {
		if e.Type == et {
			n++
		}
	}
	return n
}

func TestRequestChannel_GrantAndBusyDenial(t *testing.T) {
	m := state.NewManager(5)
	a := connect(t, m, "c1", "alice", "Alice")
	b := connect(t, m, "c2", "bob", "Bob")
	m.UpdateLocation("c1", 50.0, 36.0)
	m.UpdateLocation("c2", 50.0, 36.0)
	drain(t, a)
	drain(t, b)

	if denied := m.RequestChannel("c1"); denied != nil {
		t.Fatalf("expected grant for free cell, got denied: %s", denied.Reason)
	}

	denied := m.RequestChannel("c2")
	if denied == nil {
		t.Fatalf("expected busy denial for non-holder")
	}
	if denied.Reason != "busy" {
		t.Fatalf("denial reason = %q, want busy", denied.Reason)
	}
	if denied.Busy == nil || denied.Busy.UserID != "alice" || denied.Busy.Name != "Alice" {
		t.Fatalf("denial should carry the holder's public fields, got %+v", denied.Busy)
	}

	// The denied request must not alter the lock: the holder still re-acquires
	// idempotently and a release still frees the cell once.
	if denied := m.RequestChannel("c1"); denied != nil {
		t.Fatalf("holder re-request should be idempotent, got denied: %s", denied.Reason)
	}

	if got := m.Stats().ActiveLocks; got != 1 {
		t.Fatalf("ActiveLocks = %d, want 1", got)
	}
}

func TestRequestChannel_BannedCheckedFirst(t *testing.T) {
	m := state.NewManager(5)
	connect(t, m, "c1", "mallory", "Mallory")
	m.UpdateLocation("c1", 50.0, 36.0)
	m.BanUser("mallory", 30*time.Minute)

	denied := m.RequestChannel("c1")
	if denied == nil || denied.Reason != "banned" {
		t.Fatalf("banned user must be denied with reason banned even on a free cell, got %+v", denied)
	}
	if got := m.Stats().ActiveLocks; got != 0 {
		t.Fatalf("no lock may be created for a banned user, ActiveLocks = %d", got)
	}
}

func TestReleaseChannel_PublishesExactlyOneFree(t *testing.T) {
	m := state.NewManager(5)
	a := connect(t, m, "c1", "alice", "Alice")
	m.UpdateLocation("c1", 50.0, 36.0)
	drain(t, a)

	if denied := m.RequestChannel("c1"); denied != nil {
		t.Fatalf("unexpected denial: %s", denied.Reason)
	}
	m.ReleaseChannel("c1")
	m.ReleaseChannel("c1") // second stop is a no-op

	events := drain(t, a)
	if got := countType(events, types.EventFree); got != 1 {
		t.Fatalf("free events = %d, want exactly 1", got)
	}
	if got := countType(events, types.EventBusy); got != 1 {
		t.Fatalf("busy events = %d, want 1", got)
	}
}

func TestDisconnect_ReleasesHeldLock(t *testing.T) {
	m := state.NewManager(5)
	connect(t, m, "c1", "alice", "Alice")
	peer := connect(t, m, "c2", "bob", "Bob")
	m.UpdateLocation("c1", 50.0, 36.0)
	m.UpdateLocation("c2", 50.01, 36.0)
	drain(t, peer)

	if denied := m.RequestChannel("c1"); denied != nil {
		t.Fatalf("unexpected denial: %s", denied.Reason)
	}
	m.Disconnect("c1")
	m.Disconnect("c1") // idempotent

	events := drain(t, peer)
	if got := countType(events, types.EventFree); got != 1 {
		t.Fatalf("free events after disconnect = %d, want 1", got)
	}
	if got := m.Stats().ActiveLocks; got != 0 {
		t.Fatalf("ActiveLocks after disconnect = %d, want 0", got)
	}
}

func TestArbitration_IndependentCells(t *testing.T) {
	m := state.NewManager(5)
	connect(t, m, "c1", "alice", "Alice")
	connect(t, m, "c2", "bob", "Bob")
	m.UpdateLocation("c1", 50.0, 36.0)
	// A different grid cell, even though arguably nearby.
	m.UpdateLocation("c2", 50.2, 36.0)

	if denied := m.RequestChannel("c1"); denied != nil {
		t.Fatalf("unexpected denial for alice: %s", denied.Reason)
	}
	if denied := m.RequestChannel("c2"); denied != nil {
		t.Fatalf("cells are arbitrated independently, bob denied: %s", denied.Reason)
	}
	if got := m.Stats().ActiveLocks; got != 2 {
		t.Fatalf("ActiveLocks = %d, want 2", got)
	}
}

func TestGeofencedBroadcast(t *testing.T) {
	m := state.NewManager(5)
	near := connect(t, m, "near", "n", "Near")
	far := connect(t, m, "far", "f", "Far")
	nowhere := connect(t, m, "nowhere", "x", "Nowhere")
	m.UpdateLocation("near", 50.01, 36.0)  // ~1 km from origin
	m.UpdateLocation("far", 50.2, 36.0)    // ~22 km from origin
	// "nowhere" never reports a location.
	drain(t, near)
	drain(t, far)
	drain(t, nowhere)

	origin := &geo.Point{Lat: 50.0, Lon: 36.0}
	m.Publish(types.EventBusy, types.BusyPayload{UserID: "n"}, origin)

	if got := countType(drain(t, near), types.EventBusy); got != 1 {
		t.Fatalf("near session busy events = %d, want 1", got)
	}
	if got := countType(drain(t, far), types.EventBusy); got != 0 {
		t.Fatalf("far session must not receive geofenced events, got %d", got)
	}
	if got := countType(drain(t, nowhere), types.EventBusy); got != 1 {
		t.Fatalf("location-less session must receive events (fallback), got %d", got)
	}

	// Unknown origin skips geofencing entirely.
	m.Publish(types.EventFree, types.FreePayload{Region: "unknown"}, nil)
	if got := countType(drain(t, far), types.EventFree); got != 1 {
		t.Fatalf("unknown-origin event must reach every session, far got %d", got)
	}
}

func TestUpdateLocation_RejectsNonFinite(t *testing.T) {
	m := state.NewManager(5)
	a := connect(t, m, "c1", "alice", "Alice")
	drain(t, a)
	nan := func() float64 { var z float64; return z / z }()
	m.UpdateLocation("c1", nan, 36.0)

	// Session still counts as location-less: a geofenced event reaches it.
	origin := &geo.Point{Lat: 10.0, Lon: 10.0}
	m.Publish(types.EventBusy, types.BusyPayload{}, origin)
	if got := countType(drain(t, a), types.EventBusy); got != 1 {
		t.Fatalf("non-finite location must be ignored, events = %d", got)
	}
}

func TestUploadGate_ChecksAndRelease(t *testing.T) {
	m := state.NewManager(5)
	a := connect(t, m, "c1", "alice", "Alice")
	connect(t, m, "c2", "bob", "Bob")
	m.UpdateLocation("c1", 50.0, 36.0)
	m.UpdateLocation("c2", 50.0, 36.0)
	drain(t, a)

	if denied := m.RequestChannel("c1"); denied != nil {
		t.Fatalf("unexpected denial: %s", denied.Reason)
	}

	p := &geo.Point{Lat: 50.0, Lon: 36.0}

	// Non-holder upload into a held cell is contention.
	if busy, err := m.CheckUpload("bob", p); err != state.ErrChannelBusy {
		t.Fatalf("CheckUpload for non-holder = %v, want ErrChannelBusy", err)
	} else if busy == nil || busy.UserID != "alice" {
		t.Fatalf("contention must return the holder, got %+v", busy)
	}

	// Holder passes.
	if _, err := m.CheckUpload("alice", p); err != nil {
		t.Fatalf("CheckUpload for holder = %v, want nil", err)
	}

	msg := m.PublishMessage("alice", "Alice", p, "/uploads/x.webm", "audio/webm")
	if msg.ID == "" || msg.SpeakerID != "alice" {
		t.Fatalf("unexpected message payload: %+v", msg)
	}
	if got := m.Stats().ActiveLocks; got != 0 {
		t.Fatalf("upload must release the uploader's lock, ActiveLocks = %d", got)
	}

	events := drain(t, a)
	if got := countType(events, types.EventFree); got != 1 {
		t.Fatalf("free events = %d, want 1", got)
	}
	if got := countType(events, types.EventMessage); got != 1 {
		t.Fatalf("message events = %d, want 1", got)
	}
}

func TestCheckUpload_BannedBeforeArbitration(t *testing.T) {
	m := state.NewManager(5)
	m.BanUser("alice", 30*time.Minute)
	if _, err := m.CheckUpload("alice", nil); err != state.ErrBanned {
		t.Fatalf("CheckUpload = %v, want ErrBanned", err)
	}
}

func TestComplaints_ThresholdBansSpeaker(t *testing.T) {
	clock := newFakeClock()
	m := state.NewManager(5)
	m.SetClock(clock.now)
	witness := connect(t, m, "w", "witness", "Witness")
	m.UpdateLocation("w", 10.0, 10.0) // far from any origin; bans are global
	drain(t, witness)

	msg := m.PublishMessage("alice", "Alice", &geo.Point{Lat: 50.0, Lon: 36.0}, "/uploads/a.webm", "audio/webm")
	drain(t, witness)

	if _, _, err := m.FileComplaint("r1", "no-such-id"); err != state.ErrUnknownMessage {
		t.Fatalf("complaint against unknown message = %v, want ErrUnknownMessage", err)
	}

	count, dup, err := m.FileComplaint("r1", msg.ID)
	if err != nil || dup || count != 1 {
		t.Fatalf("first complaint = (%d, %v, %v), want (1, false, nil)", count, dup, err)
	}

	// Duplicate reporter inside the window does not increment.
	count, dup, err = m.FileComplaint("r1", msg.ID)
	if err != nil || !dup || count != 1 {
		t.Fatalf("duplicate complaint = (%d, %v, %v), want (1, true, nil)", count, dup, err)
	}

	if _, _, err := m.FileComplaint("r2", msg.ID); err != nil {
		t.Fatalf("second reporter: %v", err)
	}
	if m.IsBanned("alice") {
		t.Fatalf("speaker banned before reaching the threshold")
	}

	count, _, err = m.FileComplaint("r3", msg.ID)
	if err != nil || count != 3 {
		t.Fatalf("third reporter = (%d, %v), want (3, nil)", count, err)
	}
	if !m.IsBanned("alice") {
		t.Fatalf("three distinct reporters inside the window must ban the speaker")
	}

	// The ban event ignores the geofence.
	if got := countType(drain(t, witness), types.EventBanned); got != 1 {
		t.Fatalf("banned events at far session = %d, want 1", got)
	}

	// Ban expires lazily.
	clock.advance(state.BanDuration + time.Second)
	if m.IsBanned("alice") {
		t.Fatalf("ban must be inert after expiry")
	}
}

func TestComplaints_WindowResets(t *testing.T) {
	clock := newFakeClock()
	m := state.NewManager(5)
	m.SetClock(clock.now)

	msg := m.PublishMessage("alice", "Alice", nil, "/uploads/a.webm", "audio/webm")

	if count, _, _ := m.FileComplaint("r1", msg.ID); count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
	if count, _, _ := m.FileComplaint("r2", msg.ID); count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}

	clock.advance(61 * time.Second)

	// The expired window resets before counting: back to 1, no ban.
	count, dup, err := m.FileComplaint("r3", msg.ID)
	if err != nil || dup || count != 1 {
		t.Fatalf("post-expiry complaint = (%d, %v, %v), want (1, false, nil)", count, dup, err)
	}
	if m.IsBanned("alice") {
		t.Fatalf("speaker must not be banned after a window reset")
	}

	// A previously counted reporter counts again in the fresh window.
	if count, dup, _ := m.FileComplaint("r1", msg.ID); dup || count != 2 {
		t.Fatalf("recounted reporter = (%d, %v), want (2, false)", count, dup)
	}
}

func TestRegisterOrUpdate_StateReply(t *testing.T) {
	m := state.NewManager(5)
	connect(t, m, "c1", "alice", "Alice")
	m.UpdateLocation("c1", 50.0, 36.0)
	if denied := m.RequestChannel("c1"); denied != nil {
		t.Fatalf("unexpected denial: %s", denied.Reason)
	}

	// A second connection in the same cell sees the busy lock on hello.
	conn := &types.WebSocketConnection{ConnID: "c2", Send: make(chan []byte, 32)}
	m.Connect(conn)
	m.UpdateLocation("c2", 50.0, 36.0)
	st := m.RegisterOrUpdate("c2", "bob", "Bob")
	if st.Banned {
		t.Fatalf("bob is not banned")
	}
	if st.Busy == nil || st.Busy.UserID != "alice" {
		t.Fatalf("state reply should carry the cell's lock, got %+v", st.Busy)
	}

	m.BanUser("bob", time.Minute)
	st = m.RegisterOrUpdate("c2", "bob", "Bob")
	if !st.Banned {
		t.Fatalf("state reply must reflect an active ban")
	}
}

func TestSanitizeName(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"", "Неизвестный"},
		{"   ", "Неизвестный"},
		{"Alice", "Alice"},
		{"  Alice  ", "Alice"},
		{"сука ты", "Пользователь"},
		{"ПроСУКАверка", "Пользователь"},
	}
	for _, tc := range cases {
		if got := state.SanitizeName(tc.in); got != tc.want {
			t.Errorf("SanitizeName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}

	long := make([]rune, 0, 40)
	for i := 0; i < 40; i++ {
		long = append(long, 'a')
	}
	if got := state.SanitizeName(string(long)); len([]rune(got)) != 32 {
		t.Errorf("long name truncated to %d runes, want 32", len([]rune(got)))
	}
}
