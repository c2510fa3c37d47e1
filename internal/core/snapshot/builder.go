package snapshot

import (
	"fmt"
	"sort"
	"time"

	"github.com/bracketcast/bracketcast/internal/core/bracket"
	"github.com/bracketcast/bracketcast/internal/core/matchstore"
	"github.com/bracketcast/bracketcast/internal/telemetry"
)

// Build materialises the envelope for one tournament from store rows.
// It reads everything it needs in one pass and never mutates the store,
// so the poller can run it concurrently across tenants.
func Build(store *matchstore.Store, t *matchstore.Tournament, now time.Time) (*Envelope, error) {
	parts, err := store.Participants(t.ID)
	if err != nil {
		return nil, fmt.Errorf("snapshot: load participants: %w", err)
	}
	names := make(map[int64]string, len(parts))
	entrants := make([]bracket.Participant, 0, len(parts))
	for _, p := range parts {
		names[p.ID] = p.Name
		entrants = append(entrants, bracket.Participant{ID: p.ID, Name: p.Name, Seed: p.Seed})
	}

	matches, err := store.Matches(t.ID, matchstore.MatchFilter{})
	if err != nil {
		return nil, fmt.Errorf("snapshot: load matches: %w", err)
	}

	stations, err := store.Stations(t.TenantID)
	if err != nil {
		return nil, fmt.Errorf("snapshot: load stations: %w", err)
	}
	labels := make(map[int64]string, len(stations))
	for _, st := range stations {
		labels[st.ID] = st.Label
	}
	avail, err := store.AvailableStations(t.TenantID)
	if err != nil {
		return nil, fmt.Errorf("snapshot: load stations: %w", err)
	}

	env := &Envelope{
		TenantID:          t.TenantID,
		TournamentID:      t.ID,
		Tournament:        t.Slug,
		TournamentName:    t.Name,
		Format:            t.Format,
		State:             t.State,
		Matches:           make([]MatchView, 0, len(matches)),
		AvailableStations: make([]StationRef, 0, len(avail)),
		Source:            SourceLocal,
		Timestamp:         now.UTC(),
	}
	for _, st := range avail {
		env.AvailableStations = append(env.AvailableStations, StationRef{ID: st.ID, Label: st.Label})
	}

	states := make([]bracket.MatchState, 0, len(matches))
	for _, m := range matches {
		env.Matches = append(env.Matches, matchView(m, names, labels))
		states = append(states, m.BracketState())
	}
	env.NextUp = nextUp(env.Matches)
	env.Counters = countMatches(matches)

	if err := attachFormatExtras(store, t, env, entrants, matches, states, now); err != nil {
		return nil, err
	}
	if t.State == matchstore.TournamentAwaitingReview || t.State == matchstore.TournamentComplete {
		env.Podium = podium(t.Format, states, names, env.Standings)
	}

	env.Hash = env.Fingerprint()
	telemetry.Metrics.SnapshotsBuilt.Inc()
	return env, nil
}

func matchView(m *matchstore.Match, names, labels map[int64]string) MatchView {
	v := MatchView{
		ID:          m.ID,
		Identifier:  m.Identifier,
		Round:       m.Round,
		Position:    m.Position,
		Stage:       m.Stage,
		Group:       m.Group,
		PlayOrder:   m.PlayOrder,
		State:       m.State,
		P1:          side(m.P1ID, m.P1Score, m.WinnerID, names),
		P2:          side(m.P2ID, m.P2Score, m.WinnerID, names),
		Scores:      m.ScoresCSV,
		WinnerID:    m.WinnerID,
		Bye:         m.Bye,
		Forfeit:     m.Forfeit,
		GrandFinal:  m.GrandFinal,
		Conditional: m.Conditional,
		StationID:   m.StationID,
		Station:     labels[m.StationID],
	}
	if !m.UnderwayAt.IsZero() {
		at := m.UnderwayAt
		v.UnderwayAt = &at
	}
	if !m.CompletedAt.IsZero() {
		at := m.CompletedAt
		v.CompletedAt = &at
	}
	return v
}

func side(participantID int64, score int, winnerID int64, names map[int64]string) Side {
	return Side{
		ParticipantID: participantID,
		Name:          names[participantID],
		Score:         score,
		Winner:        winnerID != 0 && winnerID == participantID,
	}
}

// nextUp picks the open match displays should call players for: lowest
// play order, then earliest in bracket order. Underway matches are already
// on a station, so they never qualify.
func nextUp(views []MatchView) *MatchView {
	var best *MatchView
	for i := range views {
		v := &views[i]
		if v.State != matchstore.MatchOpen || v.Bye {
			continue
		}
		if best == nil || viewBefore(v, best) {
			best = v
		}
	}
	if best == nil {
		return nil
	}
	cp := *best
	return &cp
}

func viewBefore(a, b *MatchView) bool {
	ao, bo := orderKey(a), orderKey(b)
	if ao != bo {
		return ao < bo
	}
	if a.Round != b.Round {
		return a.Round < b.Round
	}
	if a.Position != b.Position {
		return a.Position < b.Position
	}
	return a.ID < b.ID
}

func orderKey(v *MatchView) int {
	if v.PlayOrder > 0 {
		return v.PlayOrder
	}
	return 1 << 30
}

// countMatches tallies progress. Byes never count, and a conditional reset
// joins the denominator only once it actually opens.
func countMatches(matches []*matchstore.Match) Counters {
	var c Counters
	for _, m := range matches {
		if m.Bye {
			continue
		}
		if m.Conditional && m.State == matchstore.MatchPending {
			continue
		}
		c.Total++
		switch m.State {
		case matchstore.MatchOpen:
			c.Open++
		case matchstore.MatchUnderway:
			c.Underway++
		case matchstore.MatchComplete:
			c.Complete++
		default:
			c.Pending++
		}
	}
	if c.Total > 0 {
		c.Progress = c.Complete * 100 / c.Total
	}
	return c
}

// attachFormatExtras fills the format-specific tail of the envelope: the
// diagram for bracket styles, the live table for pool styles, lobbies and
// the event log for the matchless formats.
func attachFormatExtras(store *matchstore.Store, t *matchstore.Tournament, env *Envelope, entrants []bracket.Participant, matches []*matchstore.Match, states []bracket.MatchState, now time.Time) error {
	switch t.Format {
	case bracket.SingleElim, bracket.DoubleElim:
		env.Bracket = bracket.Visualize(t.Format, states, entrants)

	case bracket.RoundRobin:
		env.Standings = bracket.RoundRobinStandings(entrants, completedOutcomes(matches, 0), t.Options)

	case bracket.Swiss:
		env.Standings = bracket.SwissStandings(entrants, completedOutcomes(matches, 0))

	case bracket.TwoStage:
		env.Bracket = bracket.Visualize(t.Format, states, entrants)
		env.Standings = bracket.RoundRobinStandings(entrants, completedOutcomes(matches, 1), t.Options)

	case bracket.FreeForAll:
		fs, err := store.FormatState(t.ID)
		if err != nil {
			return fmt.Errorf("snapshot: load format state: %w", err)
		}
		env.Lobbies = fs.Lobbies
		env.Standings = bracket.FFAStandings(entrants, fs.Lobbies, t.Options)

	case bracket.Leaderboard:
		fs, err := store.FormatState(t.ID)
		if err != nil {
			return fmt.Errorf("snapshot: load format state: %w", err)
		}
		env.Events = fs.Events
		env.Standings = bracket.LeaderboardStandings(entrants, fs.Events, now, t.Options)
	}
	return nil
}

// completedOutcomes converts finished rows to engine outcomes. A non-zero
// stage keeps only that stage (two-stage group tables must not absorb
// knockout results).
func completedOutcomes(matches []*matchstore.Match, stage int) []bracket.Outcome {
	var out []bracket.Outcome
	for _, m := range matches {
		if m.State != matchstore.MatchComplete {
			continue
		}
		if stage != 0 && m.Stage != stage {
			continue
		}
		out = append(out, m.Outcome())
	}
	return out
}

// podium ranks the field once play is over. Elimination styles place by
// eliminating round (ties share a rank); every other format reads its own
// standings table. Two-stage places by the knockout alone, so group-only
// participants are absent.
func podium(format bracket.Format, states []bracket.MatchState, names map[int64]string, standings []bracket.Row) []PodiumEntry {
	switch format {
	case bracket.SingleElim, bracket.DoubleElim, bracket.TwoStage:
		ranked := states
		if format == bracket.TwoStage {
			ranked = nil
			for _, st := range states {
				if st.Stage == 2 {
					ranked = append(ranked, st)
				}
			}
		}
		ranks := bracket.EliminationRanks(ranked)
		out := make([]PodiumEntry, 0, len(ranks))
		for id, rank := range ranks {
			out = append(out, PodiumEntry{Rank: rank, ParticipantID: id, Name: names[id]})
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].Rank != out[j].Rank {
				return out[i].Rank < out[j].Rank
			}
			return out[i].Name < out[j].Name
		})
		return out

	default:
		out := make([]PodiumEntry, 0, len(standings))
		for _, row := range standings {
			out = append(out, PodiumEntry{
				Rank:          row.Rank,
				ParticipantID: row.ParticipantID,
				Name:          row.Name,
				Points:        row.Points,
			})
		}
		return out
	}
}
