package fanout

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bracketcast/bracketcast/internal/events"
)

// Frame types pushed to displays. Timer and sponsor frames append the
// lifecycle phase, so displays can route on the prefix.
const (
	FrameSnapshot     = "match:snapshot"
	FrameTimerPrefix  = "timer:dq:"
	FrameSponsor      = "sponsor:" // + rotate|show|hide|config
	FrameActivity     = "activity:new"
	FrameAnnouncement = "announcement:broadcast"
	FrameGovernor     = "governor:mode"
)

// Frame is the wire format for everything sent over a display WebSocket.
type Frame struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	TenantID  int64           `json:"tenantId,omitempty"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
}

// Ack is the only upstream message displays send: receipt of a snapshot,
// identified by its content hash.
type Ack struct {
	Type string `json:"type"`
	Hash string `json:"hash"`
}

// MarshalFrame wraps a payload for the wire.
func MarshalFrame(typ, id string, tenantID int64, ts time.Time, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return json.Marshal(Frame{
		Type:      typ,
		ID:        id,
		TenantID:  tenantID,
		Timestamp: ts,
		Payload:   raw,
	})
}

// MarshalEvent converts a bus event to its display frame.
func MarshalEvent(evt events.Event) ([]byte, error) {
	return MarshalFrame(frameType(evt), evt.ID, evt.TenantID, evt.Timestamp, evt.Payload)
}

func frameType(evt events.Event) string {
	switch evt.Type {
	case events.EventTimerLifecycle:
		if tu, ok := evt.Payload.(events.TimerUpdate); ok {
			return FrameTimerPrefix + tu.Phase
		}
	case events.EventSponsorDisplay:
		if sd, ok := evt.Payload.(events.SponsorDisplay); ok {
			return FrameSponsor + sd.Phase
		}
	case events.EventActivityAppended:
		return FrameActivity
	case events.EventAnnouncement:
		return FrameAnnouncement
	case events.EventGovernorMode:
		return FrameGovernor
	}
	return string(evt.Type)
}

// ParseAck decodes an upstream message, reporting whether it was an ack.
// Displays send nothing else, so anything that fails to parse is ignored
// by the caller.
func ParseAck(data []byte) (Ack, bool) {
	var a Ack
	if err := json.Unmarshal(data, &a); err != nil || a.Type != "ack" {
		return Ack{}, false
	}
	return a, true
}
