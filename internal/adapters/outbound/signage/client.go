// Package signage is the secondary push path: plain HTTP POSTs to the
// venue display services, used when a display has no live websocket or has
// stopped acking.
package signage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/bracketcast/bracketcast/internal/core/snapshot"
)

// Client posts to one base URL per display kind. Kinds without a
// configured URL are silently skipped, so a venue that only runs the match
// screen configures one URL and nothing else.
type Client struct {
	urls       map[string]string // display kind -> base URL
	httpClient *http.Client
}

func New(urls map[string]string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	kept := make(map[string]string, len(urls))
	for kind, u := range urls {
		if u != "" {
			kept[kind] = u
		}
	}
	return &Client{
		urls:       kept,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Enabled reports whether the kind has a side channel configured.
func (c *Client) Enabled(kind string) bool { return c.urls[kind] != "" }

// Kinds lists the display kinds with a configured side channel, sorted for
// stable fan-out order.
func (c *Client) Kinds() []string {
	out := make([]string, 0, len(c.urls))
	for k := range c.urls {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// PushSnapshot delivers an envelope to one display kind.
func (c *Client) PushSnapshot(ctx context.Context, kind string, env *snapshot.Envelope) error {
	return c.post(ctx, kind, "/api/matches/push", env)
}

// PushSponsor delivers a sponsor display event. Phase is one of show, hide
// or rotate and selects the endpoint.
func (c *Client) PushSponsor(ctx context.Context, kind, phase string, payload any) error {
	return c.post(ctx, kind, "/api/sponsor/"+phase, payload)
}

func (c *Client) post(ctx context.Context, kind, path string, payload any) error {
	base := c.urls[kind]
	if base == "" {
		return nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", kind, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("signage %s: %w", kind, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("signage %s: %s returned status=%d", kind, path, resp.StatusCode)
	}
	return nil
}
