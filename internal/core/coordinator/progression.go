package coordinator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/bracketcast/bracketcast/internal/adapters/outbound/upstream"
	"github.com/bracketcast/bracketcast/internal/core/bracket"
	"github.com/bracketcast/bracketcast/internal/core/matchstore"
	"github.com/bracketcast/bracketcast/internal/core/snapshot"
	"github.com/bracketcast/bracketcast/internal/core/timers"
	"github.com/bracketcast/bracketcast/internal/events"
	"github.com/bracketcast/bracketcast/internal/fault"
	"github.com/bracketcast/bracketcast/internal/telemetry"
)

// CreateTournament provisions a tournament shell. Participants and the
// bracket come later; it stays pending until StartTournament.
func (c *Coordinator) CreateTournament(ctx context.Context, tenantID int64, name, slug string, format bracket.Format, opts bracket.Options, actor string) (*matchstore.Tournament, error) {
	var t *matchstore.Tournament
	err := c.run(ctx, tenantID, func() error {
		var err error
		t, err = c.store.CreateTournament(tenantID, name, slug, format, opts)
		if err != nil {
			return err
		}
		c.journal.Append(tenantID, actor, "tournament_created",
			fmt.Sprintf("%s (%s)", t.Name, t.Format), map[string]any{"tournamentId": t.ID})
		return nil
	})
	return t, err
}

// ScheduleTournament records the planned start time the rate governor's
// upcoming-window projection reads.
func (c *Coordinator) ScheduleTournament(ctx context.Context, tenantID, tournamentID int64, at time.Time, actor string) error {
	return c.run(ctx, tenantID, func() error {
		t, err := c.tournamentFor(tenantID, tournamentID)
		if err != nil {
			return err
		}
		if err := c.store.ScheduleTournament(t.ID, at); err != nil {
			return err
		}
		c.journal.Append(tenantID, actor, "tournament_scheduled",
			fmt.Sprintf("%s scheduled for %s", t.Name, at.UTC().Format(time.RFC3339)), nil)
		return nil
	})
}

// GenerateBracket seeds the graph from the current entrant list and bulk
// inserts the stored matches. Swiss materializes round 1 only and records
// the round plan; free-for-all keeps lobbies in format state instead of
// match rows; leaderboard has neither.
func (c *Coordinator) GenerateBracket(ctx context.Context, tenantID, tournamentID int64, actor string) error {
	return c.run(ctx, tenantID, func() error {
		t, err := c.tournamentFor(tenantID, tournamentID)
		if err != nil {
			return err
		}
		if t.State != matchstore.TournamentPending {
			return fault.New(fault.RefusedPrecondition,
				"tournament %d: bracket generation needs a pending tournament, state is %s", t.ID, t.State)
		}
		existing, err := c.store.Matches(t.ID, matchstore.MatchFilter{})
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return fault.New(fault.RefusedPrecondition,
				"tournament %d: bracket already generated (%d matches), reset first", t.ID, len(existing))
		}

		entrants, err := c.store.Entrants(t.ID)
		if err != nil {
			return err
		}
		g, err := bracket.Generate(t.Format, entrants, t.Options)
		if err != nil {
			return err
		}
		if len(g.Matches) > 0 {
			if _, err := c.store.BulkCreateMatches(t.ID, g.Matches); err != nil {
				return err
			}
		}

		fs := &matchstore.FormatState{}
		switch t.Format {
		case bracket.Swiss:
			fs.SwissRounds = bracket.SwissRounds(len(entrants), t.Options)
		case bracket.FreeForAll:
			lobbies, err := bracket.FFARound(g.Seeding, 1, t.Options)
			if err != nil {
				return err
			}
			fs.Lobbies = lobbies
		}
		if err := c.store.SetFormatState(t.ID, fs); err != nil {
			return err
		}

		c.journal.Append(tenantID, actor, "bracket_generated",
			fmt.Sprintf("%s: %d entrants, %d matches", t.Name, len(entrants), len(g.Matches)), nil)
		c.publishMutation(tenantID, t.ID, events.MatchMutation{Action: "generated", Actor: actor})
		return nil
	})
}

// StartTournament flips pending to underway and makes the tournament the
// tenant's active one, which puts it on the poller's scan list. Formats
// that play stored matches must have a bracket first.
func (c *Coordinator) StartTournament(ctx context.Context, tenantID, tournamentID int64, actor string) error {
	return c.run(ctx, tenantID, func() error {
		t, err := c.tournamentFor(tenantID, tournamentID)
		if err != nil {
			return err
		}
		if t.Format != bracket.FreeForAll && t.Format != bracket.Leaderboard {
			ms, err := c.store.Matches(t.ID, matchstore.MatchFilter{})
			if err != nil {
				return err
			}
			if len(ms) == 0 {
				return fault.New(fault.RefusedPrecondition,
					"tournament %d: generate the bracket before starting", t.ID)
			}
		}
		started, err := c.store.StartTournament(t.ID)
		if err != nil {
			return err
		}
		c.journal.Append(tenantID, actor, "tournament_started", started.Name, nil)
		c.publishMutation(tenantID, t.ID, events.MatchMutation{Action: "underway", Actor: actor, Detail: started.Name})
		return nil
	})
}

// ResetTournament throws away every match, result and format decision and
// returns the tournament to pending. Countdowns aimed at the discarded
// matches are cancelled; the entrant list survives.
func (c *Coordinator) ResetTournament(ctx context.Context, tenantID, tournamentID int64, actor string) error {
	return c.run(ctx, tenantID, func() error {
		t, err := c.tournamentFor(tenantID, tournamentID)
		if err != nil {
			return err
		}
		if err := c.store.ResetTournament(t.ID); err != nil {
			return err
		}
		if c.dq != nil {
			for _, st := range c.dq.List(tenantID) {
				if st.TournamentID != t.ID {
					continue
				}
				c.dq.Cancel(timers.DQKey{
					TournamentID:  st.TournamentID,
					MatchID:       st.MatchID,
					ParticipantID: st.ParticipantID,
				}, "tournament reset")
			}
		}
		c.journal.Append(tenantID, actor, "tournament_reset", t.Name, nil)
		c.publishMutation(tenantID, t.ID, events.MatchMutation{Action: "reset", Actor: actor, Detail: t.Name})
		return nil
	})
}

// FinalizeTournament confirms the podium and closes the books. The final
// standings are mirrored upstream through the governor.
func (c *Coordinator) FinalizeTournament(ctx context.Context, tenantID, tournamentID int64, actor string) error {
	return c.run(ctx, tenantID, func() error {
		t, err := c.tournamentFor(tenantID, tournamentID)
		if err != nil {
			return err
		}
		done, err := c.store.FinishTournament(t.ID)
		if err != nil {
			return err
		}
		c.journal.Append(tenantID, actor, "tournament_finalized", done.Name, nil)
		c.publishMutation(tenantID, t.ID, events.MatchMutation{Action: "finalized", Actor: actor, Detail: done.Name})

		// Podium from the final snapshot; a build failure only skips the
		// mirror, the local finalize already committed.
		if env, err := snapshot.Build(c.store, done, time.Now().UTC()); err == nil && len(env.Podium) > 0 {
			podium := env.Podium
			c.mirror(fmt.Sprintf("finalize tournament %d", done.ID), func(ctx context.Context) error {
				return c.upstream.FinalizeTournament(ctx, done.ID, podium)
			})
		} else if err != nil {
			telemetry.Warnf("coordinator: tenant %d: podium snapshot failed, upstream finalize skipped: %v", tenantID, err)
		}
		return nil
	})
}

// ReportResult commits a winner, advances dependents, journals the line
// every display's ticker shows, and mirrors the result upstream. When the
// result closes a swiss round or a two-stage group phase the next stage is
// generated in the same command.
func (c *Coordinator) ReportResult(ctx context.Context, tenantID, matchID, winnerID int64, p1Score, p2Score int, scoresCSV, actor string) (*matchstore.AdvanceResult, error) {
	var res *matchstore.AdvanceResult
	err := c.run(ctx, tenantID, func() error {
		m, t, err := c.matchFor(tenantID, matchID)
		if err != nil {
			return err
		}
		res, err = c.store.SetWinner(matchID, winnerID, p1Score, p2Score, scoresCSV)
		if err != nil {
			return err
		}
		if c.dq != nil {
			c.dq.CancelMatch(t.ID, matchID, "result reported")
		}

		loser := m.P1ID
		if winnerID == m.P1ID {
			loser = m.P2ID
		}
		msg := fmt.Sprintf("%s: %s def. %s %d-%d",
			m.Identifier, c.name(winnerID), c.name(loser), p1Score, p2Score)
		c.journal.Append(tenantID, actor, "result_reported", msg, map[string]any{
			"matchId": matchID, "winnerId": winnerID,
		})
		c.publishMutation(tenantID, t.ID, events.MatchMutation{
			MatchID: matchID, Identifier: m.Identifier, Action: "result", Actor: actor, Detail: msg,
		})

		c.mirror(fmt.Sprintf("report result %s", m.Identifier), func(ctx context.Context) error {
			return c.upstream.ReportResult(ctx, upstream.Result{
				TournamentID: t.ID, MatchID: matchID, Identifier: m.Identifier,
				WinnerID: winnerID, P1Score: p1Score, P2Score: p2Score,
			})
		})
		return c.advanceFormat(tenantID, t, res, actor)
	})
	return res, err
}

// ForfeitPlayer walks a participant out of a match. Forfeits count as
// completions, so they can close a round the same way a result does.
func (c *Coordinator) ForfeitPlayer(ctx context.Context, tenantID, matchID, participantID int64, reason, actor string) (*matchstore.AdvanceResult, error) {
	var res *matchstore.AdvanceResult
	err := c.run(ctx, tenantID, func() error {
		m, t, err := c.matchFor(tenantID, matchID)
		if err != nil {
			return err
		}
		res, err = c.store.Forfeit(matchID, participantID)
		if err != nil {
			return err
		}
		if c.dq != nil {
			c.dq.CancelMatch(t.ID, matchID, "forfeit recorded")
		}

		msg := fmt.Sprintf("%s: %s forfeited", m.Identifier, c.name(participantID))
		if reason != "" {
			msg += " (" + reason + ")"
		}
		c.journal.Append(tenantID, actor, "player_forfeited", msg, map[string]any{
			"matchId": matchID, "participantId": participantID,
		})
		c.publishMutation(tenantID, t.ID, events.MatchMutation{
			MatchID: matchID, Identifier: m.Identifier, Action: "forfeit", Actor: actor, Detail: msg,
		})

		c.mirror(fmt.Sprintf("report forfeit %s", m.Identifier), func(ctx context.Context) error {
			return c.upstream.ReportResult(ctx, upstream.Result{
				TournamentID: t.ID, MatchID: matchID, Identifier: m.Identifier,
				WinnerID: res.Match.WinnerID, P1Score: res.Match.P1Score, P2Score: res.Match.P2Score,
				Forfeit: true,
			})
		})
		return c.advanceFormat(tenantID, t, res, actor)
	})
	return res, err
}

// AutoForfeit is the DQ scheduler's expiry hook. It re-enters the tenant
// lane like any operator command, attributed to the timer.
func (c *Coordinator) AutoForfeit(ctx context.Context, tenantID, matchID, participantID int64, reason string) error {
	_, err := c.ForfeitPlayer(ctx, tenantID, matchID, participantID, reason, "dq-timer")
	return err
}

// UndoResult reopens a completed match. Rewinds are local only: the store
// refuses when dependents already played, and an upstream mirror of the
// original result stands until the corrected one lands.
func (c *Coordinator) UndoResult(ctx context.Context, tenantID, matchID int64, actor string) error {
	return c.run(ctx, tenantID, func() error {
		m, t, err := c.matchFor(tenantID, matchID)
		if err != nil {
			return err
		}
		if _, err := c.store.Reopen(matchID); err != nil {
			return err
		}
		c.journal.Append(tenantID, actor, "result_reopened",
			fmt.Sprintf("%s reopened", m.Identifier), map[string]any{"matchId": matchID})
		c.publishMutation(tenantID, t.ID, events.MatchMutation{
			MatchID: matchID, Identifier: m.Identifier, Action: "reopen", Actor: actor,
		})
		return nil
	})
}

// ReportLobbyResult records finishing order for one free-for-all lobby.
// Placements must name every lobby participant exactly once. Closing the
// last lobby of a round either builds the next round from the advancer cut
// or, when too few remain, parks the tournament for podium review.
func (c *Coordinator) ReportLobbyResult(ctx context.Context, tenantID, tournamentID int64, round, lobbyIndex int, placements []int64, actor string) error {
	return c.run(ctx, tenantID, func() error {
		t, err := c.tournamentFor(tenantID, tournamentID)
		if err != nil {
			return err
		}
		if t.Format != bracket.FreeForAll {
			return fault.New(fault.BadInput, "tournament %d: lobby results only apply to free-for-all, format is %s", t.ID, t.Format)
		}
		fs, err := c.store.FormatState(t.ID)
		if err != nil {
			return err
		}

		var lobby *bracket.Lobby
		for _, lb := range fs.Lobbies {
			if lb.Round == round && lb.Index == lobbyIndex {
				lobby = lb
				break
			}
		}
		if lobby == nil {
			return fault.New(fault.NotFound, "tournament %d: no lobby %d in round %d", t.ID, lobbyIndex, round)
		}
		if lobby.Complete {
			return fault.New(fault.Conflict, "tournament %d: lobby %d of round %d already reported", t.ID, lobbyIndex, round)
		}
		if err := validPlacements(lobby, placements); err != nil {
			return err
		}

		lobby.Placements = placements
		lobby.Complete = true

		roundDone := bracket.FFARoundComplete(fs.Lobbies, round)
		if roundDone {
			entrants, err := c.store.Entrants(t.ID)
			if err != nil {
				return err
			}
			inRound := 0
			for _, lb := range fs.Lobbies {
				if lb.Round == round {
					inRound++
				}
			}
			advancers := bracket.FFAAdvancers(entrants, fs.Lobbies, round, t.Options)
			if inRound == 1 || len(advancers) < 2 {
				if err := c.store.SetTournamentState(t.ID, matchstore.TournamentAwaitingReview); err != nil {
					return err
				}
			} else {
				next, err := bracket.FFARound(advancers, round+1, t.Options)
				if err != nil {
					return err
				}
				fs.Lobbies = append(fs.Lobbies, next...)
			}
		}
		if err := c.store.SetFormatState(t.ID, fs); err != nil {
			return err
		}

		msg := fmt.Sprintf("round %d lobby %d: %s wins", round, lobbyIndex, c.name(placements[0]))
		c.journal.Append(tenantID, actor, "lobby_reported", msg, map[string]any{
			"round": round, "lobby": lobbyIndex,
		})
		c.publishMutation(tenantID, t.ID, events.MatchMutation{Action: "result", Actor: actor, Detail: msg})
		return nil
	})
}

// AddLeaderboardEvent appends a scored session to a leaderboard
// tournament. Standings are recomputed from the full event history on the
// next snapshot build.
func (c *Coordinator) AddLeaderboardEvent(ctx context.Context, tenantID, tournamentID int64, name string, placements []int64, actor string) error {
	return c.run(ctx, tenantID, func() error {
		t, err := c.tournamentFor(tenantID, tournamentID)
		if err != nil {
			return err
		}
		if t.Format != bracket.Leaderboard {
			return fault.New(fault.BadInput, "tournament %d: events only apply to leaderboard, format is %s", t.ID, t.Format)
		}
		if name == "" {
			return fault.New(fault.BadInput, "leaderboard event needs a name")
		}
		if len(placements) == 0 {
			return fault.New(fault.BadInput, "leaderboard event needs placements")
		}
		entrants, err := c.store.Entrants(t.ID)
		if err != nil {
			return err
		}
		known := make(map[int64]bool, len(entrants))
		for _, p := range entrants {
			known[p.ID] = true
		}
		seen := make(map[int64]bool, len(placements))
		for _, id := range placements {
			if !known[id] {
				return fault.New(fault.BadInput, "placement %d is not a participant of tournament %d", id, t.ID)
			}
			if seen[id] {
				return fault.New(fault.BadInput, "participant %d placed twice", id)
			}
			seen[id] = true
		}

		fs, err := c.store.FormatState(t.ID)
		if err != nil {
			return err
		}
		fs.Events = append(fs.Events, bracket.LeaderboardEvent{
			Name: name, At: time.Now().UTC(), Placements: placements,
		})
		if err := c.store.SetFormatState(t.ID, fs); err != nil {
			return err
		}

		c.journal.Append(tenantID, actor, "event_added",
			fmt.Sprintf("%s: %s takes first", name, c.name(placements[0])),
			map[string]any{"event": name})
		c.publishMutation(tenantID, t.ID, events.MatchMutation{Action: "result", Actor: actor, Detail: name})
		return nil
	})
}

// advanceFormat runs after a completion when every non-bye match of the
// tournament is done. Swiss pairs the next round until the plan is spent;
// two-stage builds the knockout from group standings exactly once. Both
// fall through to awaiting_review when there is nothing left to generate.
func (c *Coordinator) advanceFormat(tenantID int64, t *matchstore.Tournament, res *matchstore.AdvanceResult, actor string) error {
	if res == nil || !res.AllComplete {
		return nil
	}
	switch t.Format {
	case bracket.Swiss:
		return c.advanceSwiss(tenantID, t, actor)
	case bracket.TwoStage:
		return c.buildKnockout(tenantID, t, actor)
	default:
		return c.store.SetTournamentState(t.ID, matchstore.TournamentAwaitingReview)
	}
}

func (c *Coordinator) advanceSwiss(tenantID int64, t *matchstore.Tournament, actor string) error {
	ms, err := c.store.Matches(t.ID, matchstore.MatchFilter{})
	if err != nil {
		return err
	}
	last := 0
	for _, m := range ms {
		if m.Round > last {
			last = m.Round
		}
	}

	entrants, err := c.store.Entrants(t.ID)
	if err != nil {
		return err
	}
	fs, err := c.store.FormatState(t.ID)
	if err != nil {
		return err
	}
	rounds := fs.SwissRounds
	if rounds == 0 {
		rounds = bracket.SwissRounds(len(entrants), t.Options)
	}
	if last >= rounds {
		return c.store.SetTournamentState(t.ID, matchstore.TournamentAwaitingReview)
	}

	outcomes, err := c.store.Outcomes(t.ID)
	if err != nil {
		return err
	}
	next, err := bracket.NextSwissRound(entrants, outcomes, last+1, t.Options)
	if err != nil {
		return err
	}
	if _, err := c.store.BulkCreateMatches(t.ID, next); err != nil {
		return err
	}
	c.journal.Append(tenantID, actor, "round_paired",
		fmt.Sprintf("%s: swiss round %d of %d paired", t.Name, last+1, rounds), nil)
	c.publishMutation(tenantID, t.ID, events.MatchMutation{Action: "generated", Actor: actor,
		Detail: fmt.Sprintf("swiss round %d", last+1)})
	return nil
}

// buildKnockout converts stage-1 group standings into the stage-2 bracket.
// A second full completion (the knockout itself finishing) parks the
// tournament for review instead.
func (c *Coordinator) buildKnockout(tenantID int64, t *matchstore.Tournament, actor string) error {
	fs, err := c.store.FormatState(t.ID)
	if err != nil {
		return err
	}
	if fs.KnockoutBuilt {
		return c.store.SetTournamentState(t.ID, matchstore.TournamentAwaitingReview)
	}

	ms, err := c.store.Matches(t.ID, matchstore.MatchFilter{})
	if err != nil {
		return err
	}
	entrants, err := c.store.Entrants(t.ID)
	if err != nil {
		return err
	}
	byID := make(map[int64]bracket.Participant, len(entrants))
	for _, p := range entrants {
		byID[p.ID] = p
	}

	// Rebuild each group's member list and outcomes from its stage-1
	// matches, then rank the group with the round-robin table.
	groupMembers := map[int]map[int64]bool{}
	groupOutcomes := map[int][]bracket.Outcome{}
	for _, m := range ms {
		if m.Stage != 1 {
			continue
		}
		g := m.Group
		if groupMembers[g] == nil {
			groupMembers[g] = map[int64]bool{}
		}
		if m.P1ID != 0 {
			groupMembers[g][m.P1ID] = true
		}
		if m.P2ID != 0 {
			groupMembers[g][m.P2ID] = true
		}
		if m.State == matchstore.MatchComplete {
			groupOutcomes[g] = append(groupOutcomes[g], m.Outcome())
		}
	}

	groups := make([]int, 0, len(groupMembers))
	for g := range groupMembers {
		groups = append(groups, g)
	}
	sort.Ints(groups)

	standings := make([][]bracket.Row, 0, len(groups))
	for _, g := range groups {
		members := make([]bracket.Participant, 0, len(groupMembers[g]))
		for id := range groupMembers[g] {
			if p, ok := byID[id]; ok {
				members = append(members, p)
			}
		}
		sort.Slice(members, func(i, j int) bool { return members[i].Seed < members[j].Seed })
		standings = append(standings, bracket.RoundRobinStandings(members, groupOutcomes[g], t.Options))
	}

	g2, err := bracket.KnockoutFromGroups(standings, t.Options)
	if err != nil {
		return err
	}
	if _, err := c.store.BulkCreateMatches(t.ID, g2.Matches); err != nil {
		return err
	}
	fs.KnockoutBuilt = true
	if err := c.store.SetFormatState(t.ID, fs); err != nil {
		return err
	}

	c.journal.Append(tenantID, actor, "bracket_generated",
		fmt.Sprintf("%s: knockout stage built from %d groups", t.Name, len(groups)), nil)
	c.publishMutation(tenantID, t.ID, events.MatchMutation{Action: "generated", Actor: actor, Detail: "knockout stage"})
	return nil
}

// validPlacements demands a full permutation of the lobby: every seat
// placed, nobody placed twice, no outsiders.
func validPlacements(lobby *bracket.Lobby, placements []int64) error {
	if len(placements) != len(lobby.Participants) {
		return fault.New(fault.BadInput, "lobby has %d participants, got %d placements",
			len(lobby.Participants), len(placements))
	}
	seats := make(map[int64]bool, len(lobby.Participants))
	for _, id := range lobby.Participants {
		seats[id] = true
	}
	seen := make(map[int64]bool, len(placements))
	for _, id := range placements {
		if !seats[id] {
			return fault.New(fault.BadInput, "participant %d is not in this lobby", id)
		}
		if seen[id] {
			return fault.New(fault.BadInput, "participant %d placed twice", id)
		}
		seen[id] = true
	}
	return nil
}
