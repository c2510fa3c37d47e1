// Package snapshot materialises the display-facing view of one tenant's
// active tournament from store rows. Envelopes travel over the push fabric,
// land in the media-state cache, and come back out on the pull endpoint, so
// everything here marshals to stable JSON.
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/bracketcast/bracketcast/internal/core/bracket"
)

// Where an envelope copy came from.
const (
	SourceLocal = "local"
	SourceCache = "cache"
)

// Side is one seat of a match with the participant name resolved for
// rendering. A zero ParticipantID renders as TBD.
type Side struct {
	ParticipantID int64  `json:"participantId,omitempty"`
	Name          string `json:"name,omitempty"`
	Score         int    `json:"score"`
	Winner        bool   `json:"winner,omitempty"`
}

// MatchView is the display projection of one stored match.
type MatchView struct {
	ID          int64      `json:"id"`
	Identifier  string     `json:"identifier"`
	Round       int        `json:"round"`
	Position    int        `json:"position"`
	Stage       int        `json:"stage,omitempty"`
	Group       int        `json:"group,omitempty"`
	PlayOrder   int        `json:"playOrder,omitempty"`
	State       string     `json:"state"`
	P1          Side       `json:"p1"`
	P2          Side       `json:"p2"`
	Scores      string     `json:"scores,omitempty"`
	WinnerID    int64      `json:"winnerId,omitempty"`
	Bye         bool       `json:"bye,omitempty"`
	Forfeit     bool       `json:"forfeit,omitempty"`
	GrandFinal  bool       `json:"grandFinal,omitempty"`
	Conditional bool       `json:"conditional,omitempty"`
	StationID   int64      `json:"stationId,omitempty"`
	Station     string     `json:"station,omitempty"`
	UnderwayAt  *time.Time `json:"underwayAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// PodiumEntry is one final placement. Ties share a rank.
type PodiumEntry struct {
	Rank          int     `json:"rank"`
	ParticipantID int64   `json:"participantId"`
	Name          string  `json:"name"`
	Points        float64 `json:"points,omitempty"`
}

// StationRef names a station displays can call players to.
type StationRef struct {
	ID    int64  `json:"id"`
	Label string `json:"label"`
}

// Counters summarise bracket progress. Byes never count, and a conditional
// reset counts only after it actually opens.
type Counters struct {
	Open     int `json:"open"`
	Underway int `json:"underway"`
	Complete int `json:"complete"`
	Pending  int `json:"pending"`
	Total    int `json:"total"`
	Progress int `json:"progress"` // percent complete
}

// Envelope is the unit pushed to displays: one tenant's live tournament
// state plus delivery metadata. Source, staleness and timestamp describe
// this particular copy, not the tournament, and stay out of the hash.
type Envelope struct {
	TenantID       int64          `json:"tenantId"`
	TournamentID   int64          `json:"tournamentId"`
	Tournament     string         `json:"tournament"` // slug
	TournamentName string         `json:"tournamentName"`
	Format         bracket.Format `json:"format"`
	State          string         `json:"state"`

	Matches []MatchView   `json:"matches"`
	Podium  []PodiumEntry `json:"podium,omitempty"`
	NextUp  *MatchView    `json:"nextUp,omitempty"`

	AvailableStations []StationRef `json:"availableStations"`
	Counters          Counters     `json:"counters"`

	// Format extras: the diagram for bracket styles, the live table for
	// pool styles, lobbies and the event log for the matchless formats.
	Bracket   *bracket.View              `json:"bracket,omitempty"`
	Standings []bracket.Row              `json:"standings,omitempty"`
	Lobbies   []*bracket.Lobby           `json:"lobbies,omitempty"`
	Events    []bracket.LeaderboardEvent `json:"events,omitempty"`

	Source     string    `json:"source"`
	IsStale    bool      `json:"isStale,omitempty"`
	CacheAgeMs int64     `json:"cacheAgeMs,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Hash       string    `json:"hash"`
}

// digest is the fingerprint input: the fields whose change means displays
// must repaint. Lobbies and the event log stand in for matches on the
// formats that have none; everything else is derived or volatile.
type digest struct {
	Matches []MatchView                `json:"matches"`
	Podium  []PodiumEntry              `json:"podium"`
	Lobbies []*bracket.Lobby           `json:"lobbies,omitempty"`
	Events  []bracket.LeaderboardEvent `json:"events,omitempty"`
}

// Fingerprint computes the dedup hash over the envelope's payload fields.
// Two envelopes with equal fingerprints render identically, so an unchanged
// fingerprint means nothing needs to be resent.
func (e *Envelope) Fingerprint() string {
	raw, _ := json.Marshal(digest{
		Matches: e.Matches,
		Podium:  e.Podium,
		Lobbies: e.Lobbies,
		Events:  e.Events,
	})
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:8])
}

// MarkCached stamps a copy served from the media-state cache instead of a
// live build. Age is measured against the capture time and reported only
// once it crosses the staleness threshold.
func (e *Envelope) MarkCached(capturedAt, now time.Time, staleAfter time.Duration) {
	e.Source = SourceCache
	if age := now.Sub(capturedAt); age > staleAfter {
		e.IsStale = true
		e.CacheAgeMs = age.Milliseconds()
	}
}
