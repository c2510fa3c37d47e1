package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bracketcast/bracketcast/internal/telemetry"
)

const (
	minBackoff = 1 * time.Second
	maxBackoff = 30 * time.Second
)

// Client is the display side of the fabric: it holds a socket to the hub,
// hands every frame to the caller, and acks snapshots by hash the way real
// venue displays do.
type Client struct {
	addr     string
	tenantID int64
	kind     string
	autoAck  bool
	onFrame  func(Frame)
}

// NewClient prepares a display connection. autoAck false simulates a
// display that receives but never confirms, which is what trips the
// side-channel fallback.
func NewClient(addr string, tenantID int64, kind string, autoAck bool, onFrame func(Frame)) *Client {
	return &Client{
		addr:     addr,
		tenantID: tenantID,
		kind:     kind,
		autoAck:  autoAck,
		onFrame:  onFrame,
	}
}

// ConnectWithRetry connects to the hub and reconnects on failure with
// exponential backoff. Blocks until ctx is cancelled.
func (c *Client) ConnectWithRetry(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		connStart := time.Now()
		err := c.connect(ctx)
		if ctx.Err() != nil {
			return
		}

		if time.Since(connStart) > time.Minute {
			attempt = 0
		}

		attempt++
		backoff := time.Duration(float64(minBackoff) * math.Pow(2, float64(min(attempt-1, 5))))
		if backoff > maxBackoff {
			backoff = maxBackoff
		}

		if err != nil {
			telemetry.Warnf("fanout: connection lost (attempt %d): %v — retrying in %s", attempt, err, backoff)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

func (c *Client) connect(ctx context.Context) error {
	url := fmt.Sprintf("ws://%s/ws?tenant=%d&kind=%s", c.addr, c.tenantID, c.kind)
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer ws.Close()

	telemetry.Infof("fanout: connected to %s as tenant=%d kind=%s", c.addr, c.tenantID, c.kind)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		_, msg, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var frame Frame
		if err := json.Unmarshal(msg, &frame); err != nil {
			telemetry.Warnf("fanout: bad frame: %v", err)
			continue
		}

		if c.autoAck && frame.Type == FrameSnapshot {
			var body struct {
				Hash string `json:"hash"`
			}
			if err := json.Unmarshal(frame.Payload, &body); err == nil && body.Hash != "" {
				if err := ws.WriteJSON(Ack{Type: "ack", Hash: body.Hash}); err != nil {
					return fmt.Errorf("ack: %w", err)
				}
			}
		}

		if c.onFrame != nil {
			c.onFrame(frame)
		}
	}
}
