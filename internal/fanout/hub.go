// Package fanout is the push fabric: venue displays connect over WebSocket,
// join their tenant's room, and receive snapshot, timer, sponsor, activity
// and announcement frames. Displays ack snapshots by hash; rooms with no
// listeners or lagging acks spill to the HTTP side channels.
package fanout

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bracketcast/bracketcast/internal/adapters/outbound/signage"
	"github.com/bracketcast/bracketcast/internal/core/snapshot"
	"github.com/bracketcast/bracketcast/internal/events"
	"github.com/bracketcast/bracketcast/internal/telemetry"
)

const (
	connSendBuf   = 256
	writeDeadline = 5 * time.Second
	pongWait      = 30 * time.Second
	pingInterval  = 20 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// Display kinds a connection may register as. They mirror the side-channel
// URL set, so a kind that lags on the socket can be reached by POST.
var displayKinds = map[string]bool{
	"match":     true,
	"bracket":   true,
	"flyer":     true,
	"dashboard": true,
}

type conn struct {
	id       string
	tenantID int64
	kind     string
	ws       *websocket.Conn
	send     chan []byte
	done     chan struct{}
	stopOnce sync.Once

	// ack bookkeeping, guarded by Hub.mu. lastAck starts at connect time
	// so a display is never penalised for frames sent before it existed.
	lastPush time.Time
	lastAck  time.Time
}

func (c *conn) stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

// Hub owns the tenant rooms and the delivery rules: hash dedup on
// snapshots, non-blocking sends with slow-consumer drop, and side-channel
// fallback when a room is empty or a display stops acking.
type Hub struct {
	clk           clock.Clock
	signage       *signage.Client
	fallbackDelay time.Duration

	mu       sync.Mutex
	rooms    map[int64]map[*conn]struct{}
	lastEnv  map[int64]*snapshot.Envelope
	lastHash map[int64]string
}

func NewHub(clk clock.Clock, sideChannels *signage.Client, fallbackDelay time.Duration) *Hub {
	return &Hub{
		clk:           clk,
		signage:       sideChannels,
		fallbackDelay: fallbackDelay,
		rooms:         make(map[int64]map[*conn]struct{}),
		lastEnv:       make(map[int64]*snapshot.Envelope),
		lastHash:      make(map[int64]string),
	}
}

// BindBus forwards display-facing events. Snapshots do not come through
// here; the poller hands those to PublishEnvelope directly.
func (h *Hub) BindBus(bus *events.Bus) {
	bus.Subscribe(events.EventTimerLifecycle, h.forward)
	bus.Subscribe(events.EventActivityAppended, h.forward)
	bus.Subscribe(events.EventAnnouncement, h.forward)
	bus.Subscribe(events.EventSponsorDisplay, h.forwardSponsor)
	bus.Subscribe(events.EventGovernorMode, h.broadcast)
}

// PublishEnvelope delivers a fresh snapshot to the tenant's room. An
// unchanged content hash means displays already render this state, so
// nothing is sent. Fallback is decided against each display's ack lag
// before this push is recorded.
func (h *Hub) PublishEnvelope(env *snapshot.Envelope) {
	start := h.clk.Now()

	frame, err := MarshalFrame(FrameSnapshot, uuid.NewString(), env.TenantID, env.Timestamp, env)
	if err != nil {
		telemetry.Warnf("fanout: marshal snapshot tenant %d: %v", env.TenantID, err)
		return
	}

	h.mu.Lock()
	if env.Hash != "" && h.lastHash[env.TenantID] == env.Hash {
		h.mu.Unlock()
		telemetry.Metrics.SnapshotsDeduped.Inc()
		return
	}
	h.lastHash[env.TenantID] = env.Hash
	h.lastEnv[env.TenantID] = env

	room := h.rooms[env.TenantID]
	needFallback := len(room) == 0
	now := h.clk.Now()
	for c := range room {
		if !c.lastPush.IsZero() && c.lastPush.Sub(c.lastAck) > h.fallbackDelay {
			needFallback = true
		}
		if !h.deliverLocked(c, frame) {
			continue
		}
		c.lastPush = now
	}
	h.mu.Unlock()

	telemetry.Metrics.SnapshotsPushed.Inc()
	telemetry.Metrics.PushLatency.Record(h.clk.Now().Sub(start))

	if needFallback {
		h.fallbackSnapshot(env)
	}
}

// Current returns the last envelope delivered for a tenant, if any.
func (h *Hub) Current(tenantID int64) (*snapshot.Envelope, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	env, ok := h.lastEnv[tenantID]
	return env, ok
}

// RoomSize reports connected displays for a tenant.
func (h *Hub) RoomSize(tenantID int64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[tenantID])
}

// forward sends a bus event to its tenant's room, primary channel only.
func (h *Hub) forward(evt events.Event) error {
	frame, err := MarshalEvent(evt)
	if err != nil {
		telemetry.Warnf("fanout: marshal %s: %v", evt.Type, err)
		return nil
	}
	h.mu.Lock()
	for c := range h.rooms[evt.TenantID] {
		h.deliverLocked(c, frame)
	}
	h.mu.Unlock()
	return nil
}

// forwardSponsor routes sponsor frames to the room and, under the snapshot
// fallback rule, to the sponsor side channels.
func (h *Hub) forwardSponsor(evt events.Event) error {
	frame, err := MarshalEvent(evt)
	if err != nil {
		telemetry.Warnf("fanout: marshal %s: %v", evt.Type, err)
		return nil
	}

	h.mu.Lock()
	room := h.rooms[evt.TenantID]
	needFallback := len(room) == 0
	for c := range room {
		if !c.lastPush.IsZero() && c.lastPush.Sub(c.lastAck) > h.fallbackDelay {
			needFallback = true
		}
		h.deliverLocked(c, frame)
	}
	h.mu.Unlock()

	if needFallback {
		if sd, ok := evt.Payload.(events.SponsorDisplay); ok {
			h.fallbackSponsor(sd)
		}
	}
	return nil
}

// broadcast sends a tenant-less event (governor mode) to every room.
func (h *Hub) broadcast(evt events.Event) error {
	frame, err := MarshalEvent(evt)
	if err != nil {
		telemetry.Warnf("fanout: marshal %s: %v", evt.Type, err)
		return nil
	}
	h.mu.Lock()
	for _, room := range h.rooms {
		for c := range room {
			h.deliverLocked(c, frame)
		}
	}
	h.mu.Unlock()
	return nil
}

// deliverLocked enqueues a frame without blocking. A full send buffer
// means the display stopped draining; it gets dropped, not waited on.
func (h *Hub) deliverLocked(c *conn, frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		telemetry.Warnf("fanout: dropping slow display %s (tenant %d, kind %s)", c.id, c.tenantID, c.kind)
		telemetry.Metrics.DisplaysDropped.Inc()
		h.removeLocked(c)
		c.stop()
		return false
	}
}

func (h *Hub) fallbackSnapshot(env *snapshot.Envelope) {
	if h.signage == nil {
		return
	}
	for _, kind := range h.signage.Kinds() {
		telemetry.Metrics.FallbackPosts.Inc()
		if err := h.signage.PushSnapshot(context.Background(), kind, env); err != nil {
			telemetry.Metrics.FallbackErrors.Inc()
			telemetry.Warnf("fanout: side channel %s snapshot: %v", kind, err)
		}
	}
}

func (h *Hub) fallbackSponsor(sd events.SponsorDisplay) {
	if h.signage == nil {
		return
	}
	for _, kind := range h.signage.Kinds() {
		telemetry.Metrics.FallbackPosts.Inc()
		if err := h.signage.PushSponsor(context.Background(), kind, sd.Phase, sd); err != nil {
			telemetry.Metrics.FallbackErrors.Inc()
			telemetry.Warnf("fanout: side channel %s sponsor %s: %v", kind, sd.Phase, err)
		}
	}
}

// register adds a display to its room, seeds its ack clock, and replays
// the tenant's last envelope so it does not render blank until the next
// poll.
func (h *Hub) register(c *conn) {
	now := h.clk.Now()
	c.lastAck = now

	h.mu.Lock()
	room := h.rooms[c.tenantID]
	if room == nil {
		room = make(map[*conn]struct{})
		h.rooms[c.tenantID] = room
	}
	room[c] = struct{}{}
	if env, ok := h.lastEnv[c.tenantID]; ok {
		if frame, err := MarshalFrame(FrameSnapshot, uuid.NewString(), env.TenantID, env.Timestamp, env); err == nil {
			if h.deliverLocked(c, frame) {
				c.lastPush = now
			}
		}
	}
	h.mu.Unlock()

	telemetry.Metrics.DisplaysConnected.Inc()
	telemetry.Metrics.DisplaysActive.Inc()
	telemetry.Infof("fanout: display connected tenant=%d kind=%s id=%s", c.tenantID, c.kind, c.id)
}

func (h *Hub) removeLocked(c *conn) {
	room := h.rooms[c.tenantID]
	if _, ok := room[c]; !ok {
		return
	}
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, c.tenantID)
	}
	telemetry.Metrics.DisplaysActive.Dec()
	telemetry.Infof("fanout: display disconnected tenant=%d kind=%s id=%s", c.tenantID, c.kind, c.id)
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	h.removeLocked(c)
	h.mu.Unlock()
}

func (h *Hub) recordAck(c *conn) {
	h.mu.Lock()
	c.lastAck = h.clk.Now()
	h.mu.Unlock()
	telemetry.Metrics.AcksReceived.Inc()
}

// writePump drains the send channel onto the socket. It owns the
// connection lifecycle: on exit it removes the display from the room and
// closes the socket (so delivers never hit a stale channel).
func (h *Hub) writePump(c *conn) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		h.remove(c)
		c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				telemetry.Warnf("fanout: write tenant=%d kind=%s: %v", c.tenantID, c.kind, err)
				return
			}
		case <-c.done:
			return
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes acks and pongs. On exit it signals writePump via done
// (never closes send).
func (h *Hub) readPump(c *conn) {
	defer c.stop()

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if _, ok := ParseAck(msg); ok {
			h.recordAck(c)
		}
	}
}

// Shutdown disconnects every display.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	var all []*conn
	for _, room := range h.rooms {
		for c := range room {
			all = append(all, c)
		}
	}
	h.mu.Unlock()

	for _, c := range all {
		c.stop()
	}
}
