package matchstore

import (
	"time"

	"github.com/bracketcast/bracketcast/internal/core/bracket"
)

// Tournament lifecycle. AwaitingReview sits between the last result and the
// operator confirming the podium.
const (
	TournamentPending        = "pending"
	TournamentUnderway       = "underway"
	TournamentAwaitingReview = "awaiting_review"
	TournamentComplete       = "complete"
)

// Match lifecycle.
const (
	MatchPending  = "pending"
	MatchOpen     = "open"
	MatchUnderway = "underway"
	MatchComplete = "complete"
)

// DQ expiry actions carried on the tenant.
const (
	DQActionNotify = "notify"
	DQActionAuto   = "auto_dq"
)

type Tenant struct {
	ID                 int64     `json:"id"`
	Name               string    `json:"name"`
	Slug               string    `json:"slug"`
	AutoDQAction       string    `json:"autoDqAction"`
	ActiveTournamentID int64     `json:"activeTournamentId,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
}

type Tournament struct {
	ID          int64           `json:"id"`
	TenantID    int64           `json:"tenantId"`
	Name        string          `json:"name"`
	Slug        string          `json:"slug"`
	Format      bracket.Format  `json:"format"`
	State       string          `json:"state"`
	Options     bracket.Options `json:"options"`
	ScheduledAt time.Time       `json:"scheduledAt,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	StartedAt   time.Time       `json:"startedAt,omitempty"`
	CompletedAt time.Time       `json:"completedAt,omitempty"`
}

type Participant struct {
	ID           int64  `json:"id"`
	TournamentID int64  `json:"tournamentId"`
	Name         string `json:"name"`
	Seed         int    `json:"seed"`
}

type Station struct {
	ID             int64  `json:"id"`
	TenantID       int64  `json:"tenantId"`
	Label          string `json:"label"`
	Active         bool   `json:"active"`
	CurrentMatchID int64  `json:"currentMatchId,omitempty"`
}

// Match is one stored row of the match graph. Prereq ids point at the
// matches whose winner (or loser, per the flag) fills each slot.
type Match struct {
	ID            int64     `json:"id"`
	TournamentID  int64     `json:"tournamentId"`
	Identifier    string    `json:"identifier"`
	Round         int       `json:"round"`
	Position      int       `json:"position"`
	Stage         int       `json:"stage,omitempty"`
	Group         int       `json:"group,omitempty"`
	P1ID          int64     `json:"p1Id,omitempty"`
	P2ID          int64     `json:"p2Id,omitempty"`
	P1PrereqID    int64     `json:"p1PrereqId,omitempty"`
	P2PrereqID    int64     `json:"p2PrereqId,omitempty"`
	P1PrereqLoser bool      `json:"p1PrereqLoser,omitempty"`
	P2PrereqLoser bool      `json:"p2PrereqLoser,omitempty"`
	PlayOrder     int       `json:"playOrder,omitempty"`
	P1Score       int       `json:"p1Score"`
	P2Score       int       `json:"p2Score"`
	ScoresCSV     string    `json:"scoresCsv,omitempty"`
	WinnerID      int64     `json:"winnerId,omitempty"`
	LoserID       int64     `json:"loserId,omitempty"`
	State         string    `json:"state"`
	Bye           bool      `json:"bye,omitempty"`
	Forfeit       bool      `json:"forfeit,omitempty"`
	GrandFinal    bool      `json:"grandFinal,omitempty"`
	Conditional   bool      `json:"conditional,omitempty"`
	StationID     int64     `json:"stationId,omitempty"`
	UnderwayAt    time.Time `json:"underwayAt,omitempty"`
	CompletedAt   time.Time `json:"completedAt,omitempty"`
}

// Playable reports whether displays should surface this match for play.
func (m *Match) Playable() bool {
	return !m.Bye && (m.State == MatchOpen || m.State == MatchUnderway)
}

// BracketState converts the row to the engine's scoring view.
func (m *Match) BracketState() bracket.MatchState {
	return bracket.MatchState{
		ID:          m.ID,
		Identifier:  m.Identifier,
		Round:       m.Round,
		Position:    m.Position,
		Stage:       m.Stage,
		Group:       m.Group,
		P1:          m.P1ID,
		P2:          m.P2ID,
		P1Score:     m.P1Score,
		P2Score:     m.P2Score,
		WinnerID:    m.WinnerID,
		LoserID:     m.LoserID,
		State:       m.State,
		Bye:         m.Bye,
		GrandFinal:  m.GrandFinal,
		Conditional: m.Conditional,
	}
}

// Outcome converts a completed row to the generator's reported-result view.
func (m *Match) Outcome() bracket.Outcome {
	return bracket.Outcome{
		Round:      m.Round,
		Identifier: m.Identifier,
		P1:         m.P1ID,
		P2:         m.P2ID,
		WinnerID:   m.WinnerID,
		P1Score:    m.P1Score,
		P2Score:    m.P2Score,
		Forfeit:    m.Forfeit,
	}
}

// FormatState is the per-tournament JSON blob for formats whose progression
// lives outside the match table: Swiss round planning, free-for-all
// lobbies, the leaderboard event log.
type FormatState struct {
	SwissRounds int                        `json:"swissRounds,omitempty"`
	Lobbies     []*bracket.Lobby           `json:"lobbies,omitempty"`
	Events      []bracket.LeaderboardEvent `json:"events,omitempty"`
	// KnockoutBuilt marks a two-stage tournament whose stage 2 exists.
	KnockoutBuilt bool `json:"knockoutBuilt,omitempty"`
}

// MatchFilter narrows Matches queries. Zero values mean no constraint.
type MatchFilter struct {
	State      string
	Round      *int
	LosersSide bool
	StationID  int64
	Stage      int
}

// AdvanceResult reports what a completion changed beyond the match itself.
type AdvanceResult struct {
	Match        *Match
	Opened       []*Match // dependents that newly opened
	FreedStation int64    // station released by the completion, 0 = none
	AutoAssigned int      // open matches seated on stations afterwards
	// AllComplete is true when every non-bye match is complete, an unfired
	// conditional reset not counting. Formats that grow round by round
	// (swiss, free-for-all) use it as a round boundary, not tournament end.
	AllComplete bool
}
