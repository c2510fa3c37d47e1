// Package upstream mirrors committed results to the organiser's service of
// record. Every call here is dispatched through the rate governor; the
// client itself only speaks HTTP.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bracketcast/bracketcast/internal/core/snapshot"
	"github.com/bracketcast/bracketcast/internal/fault"
	"github.com/bracketcast/bracketcast/internal/telemetry"
)

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New builds the mirror client. An empty baseURL disables it; every call
// then no-ops so single-venue installs run without an upstream at all.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) Enabled() bool { return c.baseURL != "" }

// Result is the mirror shape of one completed match.
type Result struct {
	TournamentID int64  `json:"tournamentId"`
	MatchID      int64  `json:"matchId"`
	Identifier   string `json:"identifier"`
	WinnerID     int64  `json:"winnerId"`
	P1Score      int    `json:"p1Score"`
	P2Score      int    `json:"p2Score"`
	Forfeit      bool   `json:"forfeit,omitempty"`
}

// ReportResult mirrors a committed match result.
func (c *Client) ReportResult(ctx context.Context, r Result) error {
	return c.post(ctx, "/v1/results", r)
}

// MarkUnderway mirrors a match moving to underway.
func (c *Client) MarkUnderway(ctx context.Context, tournamentID, matchID int64) error {
	return c.post(ctx, "/v1/matches/underway", map[string]int64{
		"tournamentId": tournamentID,
		"matchId":      matchID,
	})
}

// FinalizeTournament mirrors the confirmed podium.
func (c *Client) FinalizeTournament(ctx context.Context, tournamentID int64, podium []snapshot.PodiumEntry) error {
	return c.post(ctx, "/v1/tournaments/finalize", map[string]any{
		"tournamentId": tournamentID,
		"podium":       podium,
	})
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	if !c.Enabled() {
		return nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fault.Wrap(fault.Fatal, err, fmt.Sprintf("upstream: marshal %s", path))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fault.Wrap(fault.Fatal, err, fmt.Sprintf("upstream: new request %s", path))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	telemetry.Metrics.UpstreamCalls.Inc()
	if err != nil {
		telemetry.Metrics.UpstreamErrors.Inc()
		return fault.Wrap(fault.Transient, err, fmt.Sprintf("upstream: POST %s", path))
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	telemetry.Debugf("upstream: POST %s status=%d latency=%s", path, resp.StatusCode, time.Since(start).Round(time.Millisecond))

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		telemetry.Metrics.UpstreamErrors.Inc()
		return fault.New(fault.Transient, "upstream: POST %s status=%d", path, resp.StatusCode)
	default:
		telemetry.Metrics.UpstreamErrors.Inc()
		return fault.New(fault.RefusedPrecondition, "upstream: POST %s status=%d", path, resp.StatusCode)
	}
}

// String identifies the client in logs without leaking the key.
func (c *Client) String() string {
	if !c.Enabled() {
		return "upstream mirror disabled"
	}
	return fmt.Sprintf("upstream mirror at %s", c.baseURL)
}
