package fanout

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bracketcast/bracketcast/internal/adapters/outbound/signage"
	"github.com/bracketcast/bracketcast/internal/core/snapshot"
	"github.com/bracketcast/bracketcast/internal/events"
	"github.com/bracketcast/bracketcast/internal/telemetry"
)

func newTestConn(tenantID int64, kind string, buf int) *conn {
	return &conn{
		id:       uuid.NewString(),
		tenantID: tenantID,
		kind:     kind,
		send:     make(chan []byte, buf),
		done:     make(chan struct{}),
	}
}

func stubEnvelope(tenantID int64, hash string) *snapshot.Envelope {
	return &snapshot.Envelope{
		TenantID:       tenantID,
		TournamentID:   7,
		Tournament:     "friday-showdown",
		TournamentName: "Friday Showdown",
		State:          "underway",
		Source:         snapshot.SourceLocal,
		Timestamp:      time.Date(2026, 3, 6, 19, 0, 0, 0, time.UTC),
		Hash:           hash,
	}
}

// takeFrame pops the next queued frame. Publishing is synchronous, so a
// frame owed to the display is already in the channel by the time the
// publish call returns.
func takeFrame(t *testing.T, c *conn) Frame {
	t.Helper()
	select {
	case raw := <-c.send:
		var f Frame
		require.NoError(t, json.Unmarshal(raw, &f))
		return f
	default:
		t.Fatal("expected a frame, send queue is empty")
		return Frame{}
	}
}

func noFrame(t *testing.T, c *conn) {
	t.Helper()
	select {
	case raw := <-c.send:
		t.Fatalf("unexpected frame: %s", raw)
	default:
	}
}

func envelopeFrom(t *testing.T, f Frame) snapshot.Envelope {
	t.Helper()
	var env snapshot.Envelope
	require.NoError(t, json.Unmarshal(f.Payload, &env))
	return env
}

// sideTarget records every POST a signage client makes at it.
type sideTarget struct {
	mu    sync.Mutex
	paths []string
	last  []byte
}

func (s *sideTarget) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	s.paths = append(s.paths, r.URL.Path)
	s.last = body
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *sideTarget) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.paths)
}

func (s *sideTarget) allPaths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.paths...)
}

func (s *sideTarget) lastBody() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.last...)
}

func newSideChannel(t *testing.T, kinds ...string) (*sideTarget, *signage.Client) {
	t.Helper()
	target := &sideTarget{}
	srv := httptest.NewServer(http.HandlerFunc(target.handler))
	t.Cleanup(srv.Close)
	urls := make(map[string]string, len(kinds))
	for _, k := range kinds {
		urls[k] = srv.URL
	}
	return target, signage.New(urls, time.Second)
}

func TestPublishDeliversAndReplaysOnJoin(t *testing.T) {
	clk := clock.NewMock()
	h := NewHub(clk, nil, 30*time.Second)

	first := newTestConn(1, "match", 8)
	h.register(first)
	noFrame(t, first)

	h.PublishEnvelope(stubEnvelope(1, "aaa11111"))

	f := takeFrame(t, first)
	assert.Equal(t, FrameSnapshot, f.Type)
	assert.Equal(t, int64(1), f.TenantID)
	assert.NotEmpty(t, f.ID)
	assert.Equal(t, "aaa11111", envelopeFrom(t, f).Hash)

	// A display joining later gets the current state immediately, not on
	// the next poll.
	late := newTestConn(1, "bracket", 8)
	h.register(late)
	replay := takeFrame(t, late)
	assert.Equal(t, FrameSnapshot, replay.Type)
	assert.Equal(t, "aaa11111", envelopeFrom(t, replay).Hash)

	cur, ok := h.Current(1)
	require.True(t, ok)
	assert.Equal(t, "aaa11111", cur.Hash)

	_, ok = h.Current(2)
	assert.False(t, ok)
	assert.Equal(t, 2, h.RoomSize(1))
}

func TestPublishDedupsUnchangedHash(t *testing.T) {
	clk := clock.NewMock()
	h := NewHub(clk, nil, 30*time.Second)

	c := newTestConn(4, "match", 8)
	h.register(c)

	pushed := telemetry.Metrics.SnapshotsPushed.Value()
	deduped := telemetry.Metrics.SnapshotsDeduped.Value()

	h.PublishEnvelope(stubEnvelope(4, "same0000"))
	h.PublishEnvelope(stubEnvelope(4, "same0000"))

	takeFrame(t, c)
	noFrame(t, c)
	assert.Equal(t, pushed+1, telemetry.Metrics.SnapshotsPushed.Value())
	assert.Equal(t, deduped+1, telemetry.Metrics.SnapshotsDeduped.Value())

	// Content change gets through.
	h.PublishEnvelope(stubEnvelope(4, "next0000"))
	assert.Equal(t, "next0000", envelopeFrom(t, takeFrame(t, c)).Hash)
	assert.Equal(t, pushed+2, telemetry.Metrics.SnapshotsPushed.Value())
}

func TestSlowDisplayIsDropped(t *testing.T) {
	clk := clock.NewMock()
	h := NewHub(clk, nil, 30*time.Second)

	// Zero-capacity send queue: the first delivery already finds it full.
	slow := newTestConn(6, "match", 0)
	healthy := newTestConn(6, "match", 8)
	h.register(slow)
	h.register(healthy)

	dropped := telemetry.Metrics.DisplaysDropped.Value()
	h.PublishEnvelope(stubEnvelope(6, "bbb22222"))

	assert.Equal(t, dropped+1, telemetry.Metrics.DisplaysDropped.Value())
	assert.Equal(t, 1, h.RoomSize(6))
	takeFrame(t, healthy)

	select {
	case <-slow.done:
	default:
		t.Fatal("dropped display was not stopped")
	}

	// Removing twice is harmless; writePump's deferred remove hits this.
	h.remove(slow)
	assert.Equal(t, 1, h.RoomSize(6))
}

func TestEmptyRoomSpillsToSideChannels(t *testing.T) {
	target, side := newSideChannel(t, "match", "flyer")
	clk := clock.NewMock()
	h := NewHub(clk, side, 30*time.Second)

	posts := telemetry.Metrics.FallbackPosts.Value()
	env := stubEnvelope(9, "ccc33333")
	h.PublishEnvelope(env)

	require.Equal(t, 2, target.count())
	assert.Equal(t, []string{"/api/matches/push", "/api/matches/push"}, target.allPaths())
	assert.Equal(t, posts+2, telemetry.Metrics.FallbackPosts.Value())

	var posted snapshot.Envelope
	require.NoError(t, json.Unmarshal(target.lastBody(), &posted))
	assert.Equal(t, "ccc33333", posted.Hash)
	assert.Equal(t, "Friday Showdown", posted.TournamentName)
}

func TestLaggingAcksTripSideChannel(t *testing.T) {
	target, side := newSideChannel(t, "match")
	clk := clock.NewMock()
	h := NewHub(clk, side, 30*time.Second)

	c := newTestConn(3, "match", 8)
	h.register(c)

	// First push: the display has never been pushed to, so nothing lags.
	h.PublishEnvelope(stubEnvelope(3, "h1000000"))
	assert.Equal(t, 0, target.count())

	// Lag is measured between the previous push and the last ack, so one
	// silent display trips the spill on the push after the delay elapses.
	clk.Add(35 * time.Second)
	h.PublishEnvelope(stubEnvelope(3, "h2000000"))
	assert.Equal(t, 0, target.count())

	clk.Add(35 * time.Second)
	h.PublishEnvelope(stubEnvelope(3, "h3000000"))
	require.Equal(t, 1, target.count())

	// An ack clears the lag and the spill stops.
	h.recordAck(c)
	clk.Add(35 * time.Second)
	h.PublishEnvelope(stubEnvelope(3, "h4000000"))
	assert.Equal(t, 1, target.count())

	// Primary delivery never paused while spilling.
	for _, want := range []string{"h1000000", "h2000000", "h3000000", "h4000000"} {
		assert.Equal(t, want, envelopeFrom(t, takeFrame(t, c)).Hash)
	}
}

// Lag exactly equal to the delay is not over it. The spill needs strictly
// more silence than the configured window.
func TestFallbackThresholdIsExclusive(t *testing.T) {
	target, side := newSideChannel(t, "match")
	clk := clock.NewMock()
	h := NewHub(clk, side, 30*time.Second)

	// Previous push lands exactly one window after the seeded ack.
	onLine := newTestConn(8, "match", 8)
	h.register(onLine)
	clk.Add(30 * time.Second)
	h.PublishEnvelope(stubEnvelope(8, "x1000000"))
	h.PublishEnvelope(stubEnvelope(8, "x2000000"))
	assert.Equal(t, 0, target.count())

	// One millisecond past the window and the next push spills.
	over := newTestConn(9, "match", 8)
	h.register(over)
	clk.Add(30*time.Second + time.Millisecond)
	h.PublishEnvelope(stubEnvelope(9, "y1000000"))
	assert.Equal(t, 0, target.count())
	h.PublishEnvelope(stubEnvelope(9, "y2000000"))
	require.Equal(t, 1, target.count())
}

func TestSponsorFramesSpillWithPhaseEndpoint(t *testing.T) {
	target, side := newSideChannel(t, "flyer")
	clk := clock.NewMock()
	h := NewHub(clk, side, 30*time.Second)
	bus := events.NewBus()
	h.BindBus(bus)

	watching := newTestConn(2, "flyer", 8)
	h.register(watching)

	bus.Publish(events.Event{
		ID:        uuid.NewString(),
		Type:      events.EventSponsorDisplay,
		TenantID:  2,
		Timestamp: clk.Now(),
		Payload: events.SponsorDisplay{
			Phase:    "rotate",
			Position: "footer",
			Current:  &events.SponsorAsset{ID: "s1", Name: "Pixel Pizza", Position: "footer"},
		},
	})

	f := takeFrame(t, watching)
	assert.Equal(t, "sponsor:rotate", f.Type)
	var sd events.SponsorDisplay
	require.NoError(t, json.Unmarshal(f.Payload, &sd))
	assert.Equal(t, "Pixel Pizza", sd.Current.Name)

	// Room is live and acking, so no spill yet.
	assert.Equal(t, 0, target.count())

	// An empty room sends the sponsor frame out the side door, routed by
	// phase.
	bus.Publish(events.Event{
		ID:        uuid.NewString(),
		Type:      events.EventSponsorDisplay,
		TenantID:  5,
		Timestamp: clk.Now(),
		Payload:   events.SponsorDisplay{Phase: "hide"},
	})
	require.Equal(t, 1, target.count())
	assert.Equal(t, "/api/sponsor/hide", target.allPaths()[0])
}

func TestBusFramesRouteByTenant(t *testing.T) {
	clk := clock.NewMock()
	h := NewHub(clk, nil, 30*time.Second)
	bus := events.NewBus()
	h.BindBus(bus)

	north := newTestConn(1, "match", 8)
	south := newTestConn(2, "match", 8)
	h.register(north)
	h.register(south)

	bus.Publish(events.Event{
		ID:        uuid.NewString(),
		Type:      events.EventTimerLifecycle,
		TenantID:  1,
		Timestamp: clk.Now(),
		Payload:   events.TimerUpdate{MatchID: 11, Participant: "Mario", Phase: "warning", RemainingSec: 30},
	})
	bus.Publish(events.Event{
		ID:        uuid.NewString(),
		Type:      events.EventActivityAppended,
		TenantID:  1,
		Timestamp: clk.Now(),
		Payload:   events.ActivityNotice{Seq: 4, Category: "match", Message: "result reported"},
	})
	bus.Publish(events.Event{
		ID:        uuid.NewString(),
		Type:      events.EventAnnouncement,
		TenantID:  1,
		Timestamp: clk.Now(),
		Payload:   events.Announcement{Kind: "hype", Message: "Finals on the main stage!"},
	})

	assert.Equal(t, "timer:dq:warning", takeFrame(t, north).Type)
	assert.Equal(t, FrameActivity, takeFrame(t, north).Type)

	ann := takeFrame(t, north)
	assert.Equal(t, FrameAnnouncement, ann.Type)
	var msg events.Announcement
	require.NoError(t, json.Unmarshal(ann.Payload, &msg))
	assert.Equal(t, "Finals on the main stage!", msg.Message)

	noFrame(t, south)
}

func TestGovernorModeReachesEveryRoom(t *testing.T) {
	clk := clock.NewMock()
	h := NewHub(clk, nil, 30*time.Second)
	bus := events.NewBus()
	h.BindBus(bus)

	north := newTestConn(1, "dashboard", 8)
	south := newTestConn(2, "dashboard", 8)
	h.register(north)
	h.register(south)

	bus.Publish(events.Event{
		ID:        uuid.NewString(),
		Type:      events.EventGovernorMode,
		Timestamp: clk.Now(),
		Payload:   events.GovernorModeChange{Previous: "normal", Current: "slowdown", Reason: "projection"},
	})

	for _, c := range []*conn{north, south} {
		f := takeFrame(t, c)
		assert.Equal(t, FrameGovernor, f.Type)
		var mode events.GovernorModeChange
		require.NoError(t, json.Unmarshal(f.Payload, &mode))
		assert.Equal(t, "slowdown", mode.Current)
	}
}

func TestShutdownStopsEveryDisplay(t *testing.T) {
	clk := clock.NewMock()
	h := NewHub(clk, nil, 30*time.Second)

	conns := []*conn{
		newTestConn(1, "match", 8),
		newTestConn(1, "bracket", 8),
		newTestConn(2, "match", 8),
	}
	for _, c := range conns {
		h.register(c)
	}

	h.Shutdown()
	for _, c := range conns {
		select {
		case <-c.done:
		default:
			t.Fatalf("display %s still running after shutdown", c.id)
		}
	}
}

// TestSocketRoundTrip runs the full wire path once: upgrade, push, ack,
// disconnect. Everything else is covered without sockets.
func TestSocketRoundTrip(t *testing.T) {
	h := NewHub(clock.New(), nil, 30*time.Second)
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	t.Cleanup(srv.Close)
	t.Cleanup(h.Shutdown)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?tenant=1&kind=match"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.Eventually(t, func() bool { return h.RoomSize(1) == 1 }, 2*time.Second, 5*time.Millisecond)

	h.PublishEnvelope(stubEnvelope(1, "wire0001"))

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	var f Frame
	require.NoError(t, json.Unmarshal(raw, &f))
	assert.Equal(t, FrameSnapshot, f.Type)
	assert.Equal(t, "wire0001", envelopeFrom(t, f).Hash)

	acks := telemetry.Metrics.AcksReceived.Value()
	require.NoError(t, ws.WriteJSON(Ack{Type: "ack", Hash: "wire0001"}))
	require.Eventually(t, func() bool {
		return telemetry.Metrics.AcksReceived.Value() == acks+1
	}, 2*time.Second, 5*time.Millisecond)

	ws.Close()
	require.Eventually(t, func() bool { return h.RoomSize(1) == 0 }, 2*time.Second, 5*time.Millisecond)
}
