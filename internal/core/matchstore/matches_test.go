package matchstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bracketcast/bracketcast/internal/core/bracket"
	"github.com/bracketcast/bracketcast/internal/fault"
)

func TestBulkCreateWiresPrereqs(t *testing.T) {
	f := newFixture(t, 4, bracket.SingleElim, bracket.Options{})
	f.build(t)

	ms, err := f.s.Matches(f.trn.ID, MatchFilter{})
	require.NoError(t, err)
	require.Len(t, ms, 3)

	w11 := f.match(t, "W1-1")
	assert.Equal(t, MatchOpen, w11.State)
	assert.Equal(t, f.ps[0].ID, w11.P1ID)
	assert.Equal(t, f.ps[3].ID, w11.P2ID)
	assert.Equal(t, 1, w11.PlayOrder)

	w12 := f.match(t, "W1-2")
	assert.Equal(t, MatchOpen, w12.State)
	assert.Equal(t, f.ps[1].ID, w12.P1ID)
	assert.Equal(t, f.ps[2].ID, w12.P2ID)
	assert.Equal(t, 2, w12.PlayOrder)

	final := f.match(t, "F")
	assert.Equal(t, MatchPending, final.State)
	assert.Equal(t, w11.ID, final.P1PrereqID, "temp ids rewritten to row ids")
	assert.Equal(t, w12.ID, final.P2PrereqID)
	assert.False(t, final.P1PrereqLoser)
	assert.False(t, final.P2PrereqLoser)
	assert.Equal(t, 3, final.PlayOrder)
}

func TestBulkCreateResolvedByes(t *testing.T) {
	f := newFixture(t, 3, bracket.SingleElim, bracket.Options{})
	f.build(t)

	bye := f.match(t, "W1-1")
	assert.True(t, bye.Bye)
	assert.Equal(t, MatchComplete, bye.State)
	assert.Equal(t, f.ps[0].ID, bye.WinnerID)
	assert.Zero(t, bye.P2ID)
	assert.Zero(t, bye.PlayOrder, "byes are never played")
	assert.False(t, bye.CompletedAt.IsZero())

	final := f.match(t, "F")
	assert.Equal(t, f.ps[0].ID, final.P1ID, "the generator pre-seats bye winners")
	assert.Zero(t, final.P1PrereqID)
	assert.Equal(t, f.match(t, "W1-2").ID, final.P2PrereqID)
	assert.Equal(t, MatchPending, final.State)
}

func TestBulkCreateRejectsUnknownSource(t *testing.T) {
	f := newFixture(t, 2, bracket.SingleElim, bracket.Options{})
	_, err := f.s.BulkCreateMatches(f.trn.ID, []*bracket.Match{
		{TempID: 1, Identifier: "X", Round: 1, Position: 1, P1: bracket.Slot{Source: 42}, P2: bracket.Slot{ParticipantID: f.ps[0].ID}},
	})
	assert.Equal(t, fault.BadInput, fault.KindOf(err))

	_, err = f.s.BulkCreateMatches(999, nil)
	assert.Equal(t, fault.NotFound, fault.KindOf(err))
}

func TestSetWinnerAdvances(t *testing.T) {
	f := newFixture(t, 4, bracket.SingleElim, bracket.Options{})
	f.build(t)
	_, err := f.s.StartTournament(f.trn.ID)
	require.NoError(t, err)

	res, err := f.s.SetWinner(f.match(t, "W1-1").ID, f.ps[0].ID, 2, 1, "21-15,19-21,21-18")
	require.NoError(t, err)
	assert.Equal(t, MatchComplete, res.Match.State)
	assert.Equal(t, f.ps[0].ID, res.Match.WinnerID)
	assert.Equal(t, f.ps[3].ID, res.Match.LoserID)
	assert.Equal(t, 2, res.Match.P1Score)
	assert.Equal(t, 1, res.Match.P2Score)
	assert.Equal(t, "21-15,19-21,21-18", res.Match.ScoresCSV)
	assert.False(t, res.Match.CompletedAt.IsZero())
	assert.Empty(t, res.Opened, "the final still waits for its second seat")
	assert.False(t, res.AllComplete)

	final := f.match(t, "F")
	assert.Equal(t, f.ps[0].ID, final.P1ID)
	assert.Equal(t, MatchPending, final.State)

	res, err = f.s.SetWinner(f.match(t, "W1-2").ID, f.ps[1].ID, 2, 0, "")
	require.NoError(t, err)
	require.Len(t, res.Opened, 1)
	assert.Equal(t, "F", res.Opened[0].Identifier)
	assert.Equal(t, MatchOpen, res.Opened[0].State)

	// completed matches never change again
	_, err = f.s.SetWinner(f.match(t, "W1-1").ID, f.ps[3].ID, 0, 0, "")
	assert.Equal(t, fault.RefusedPrecondition, fault.KindOf(err))
	// the winner must hold a seat
	_, err = f.s.SetWinner(f.match(t, "F").ID, f.ps[2].ID, 0, 0, "")
	assert.Equal(t, fault.BadInput, fault.KindOf(err))

	res = f.report(t, "F", f.ps[0].ID)
	assert.True(t, res.AllComplete)

	done, err := f.s.TournamentDone(f.trn.ID)
	require.NoError(t, err)
	assert.True(t, done, "every non-bye match is complete")
}

func TestSetWinnerCascadesStructuralBye(t *testing.T) {
	f := newFixture(t, 2, bracket.DoubleElim, bracket.Options{})
	f.build(t)

	lf := f.match(t, "LF")
	require.True(t, lf.Bye)
	assert.Equal(t, f.match(t, "WF").ID, lf.P1PrereqID)
	assert.True(t, lf.P1PrereqLoser, "the losers final waits for the winners final loser")

	res := f.report(t, "WF", f.ps[0].ID)

	lf = f.match(t, "LF")
	assert.Equal(t, MatchComplete, lf.State)
	assert.Equal(t, f.ps[1].ID, lf.WinnerID, "a one-sided bye completes on arrival")

	gf := f.match(t, "GF")
	assert.Equal(t, MatchOpen, gf.State)
	assert.Equal(t, f.ps[0].ID, gf.P1ID)
	assert.Equal(t, f.ps[1].ID, gf.P2ID)
	require.Len(t, res.Opened, 1)
	assert.Equal(t, "GF", res.Opened[0].Identifier)

	// the unbeaten side winning leaves the reset final unfired
	res = f.report(t, "GF", f.ps[0].ID)
	assert.Empty(t, res.Opened)
	assert.True(t, res.AllComplete, "an unfired reset does not block completion")
	assert.Equal(t, MatchPending, f.match(t, "GF2").State)
}

func TestConditionalResetFires(t *testing.T) {
	f := newFixture(t, 2, bracket.DoubleElim, bracket.Options{})
	f.build(t)

	f.report(t, "WF", f.ps[0].ID)
	res := f.report(t, "GF", f.ps[1].ID)

	gf2 := f.match(t, "GF2")
	assert.Equal(t, MatchOpen, gf2.State)
	assert.Equal(t, f.ps[1].ID, gf2.P1ID, "reset seats the grand final winner first")
	assert.Equal(t, f.ps[0].ID, gf2.P2ID)
	require.Len(t, res.Opened, 1)
	assert.Equal(t, "GF2", res.Opened[0].Identifier)
	assert.False(t, res.AllComplete, "a fired reset must be played")

	res = f.report(t, "GF2", f.ps[0].ID)
	assert.True(t, res.AllComplete)
}

func TestForfeit(t *testing.T) {
	f := newFixture(t, 4, bracket.SingleElim, bracket.Options{})
	f.build(t)

	res, err := f.s.Forfeit(f.match(t, "W1-1").ID, f.ps[0].ID)
	require.NoError(t, err)
	assert.Equal(t, f.ps[3].ID, res.Match.WinnerID, "the opponent takes the match")
	assert.Equal(t, f.ps[0].ID, res.Match.LoserID)
	assert.True(t, res.Match.Forfeit)
	assert.Zero(t, res.Match.P1Score)
	assert.Zero(t, res.Match.P2Score)

	assert.Equal(t, f.ps[3].ID, f.match(t, "F").P1ID)

	_, err = f.s.Forfeit(f.match(t, "W1-2").ID, f.ps[0].ID)
	assert.Equal(t, fault.BadInput, fault.KindOf(err), "forfeiter must hold a seat")
}

func TestReopenRoundTrip(t *testing.T) {
	f := newFixture(t, 4, bracket.SingleElim, bracket.Options{})
	f.build(t)
	_, err := f.s.StartTournament(f.trn.ID)
	require.NoError(t, err)

	_, err = f.s.SetWinner(f.match(t, "W1-1").ID, f.ps[0].ID, 2, 1, "11-9,9-11,11-4")
	require.NoError(t, err)
	require.Equal(t, f.ps[0].ID, f.match(t, "F").P1ID)

	reopened, err := f.s.Reopen(f.match(t, "W1-1").ID)
	require.NoError(t, err)
	assert.Equal(t, MatchOpen, reopened.State)
	assert.Zero(t, reopened.WinnerID)
	assert.Zero(t, reopened.LoserID)
	assert.Zero(t, reopened.P1Score)
	assert.Empty(t, reopened.ScoresCSV)
	assert.True(t, reopened.CompletedAt.IsZero())

	final := f.match(t, "F")
	assert.Zero(t, final.P1ID, "the advanced player is pulled back out")
	assert.Equal(t, MatchPending, final.State)

	// the corrected result flows through
	f.report(t, "W1-1", f.ps[3].ID)
	assert.Equal(t, f.ps[3].ID, f.match(t, "F").P1ID)

	f.report(t, "W1-2", f.ps[1].ID)
	f.report(t, "F", f.ps[3].ID)

	_, err = f.s.Reopen(f.match(t, "W1-1").ID)
	assert.Equal(t, fault.RefusedPrecondition, fault.KindOf(err), "the final already has a result")

	// undoing the final also reverts tournament completion
	_, err = f.s.FinishTournament(f.trn.ID)
	require.NoError(t, err)
	_, err = f.s.Reopen(f.match(t, "F").ID)
	require.NoError(t, err)
	trn, err := f.s.Tournament(f.trn.ID)
	require.NoError(t, err)
	assert.Equal(t, TournamentUnderway, trn.State)
	assert.True(t, trn.CompletedAt.IsZero())
}

func TestReopenGuards(t *testing.T) {
	f := newFixture(t, 3, bracket.SingleElim, bracket.Options{})
	f.build(t)

	_, err := f.s.Reopen(f.match(t, "W1-2").ID)
	assert.Equal(t, fault.RefusedPrecondition, fault.KindOf(err), "only complete matches reopen")

	_, err = f.s.Reopen(f.match(t, "W1-1").ID)
	assert.Equal(t, fault.RefusedPrecondition, fault.KindOf(err), "bye results are mechanical")

	_, err = f.s.SetPlayer(f.match(t, "W1-1").ID, 2, f.ps[1].ID)
	assert.Equal(t, fault.RefusedPrecondition, fault.KindOf(err), "byes take no manual seating")
}

func TestReopenUnwindsStructuralBye(t *testing.T) {
	f := newFixture(t, 2, bracket.DoubleElim, bracket.Options{})
	f.build(t)

	f.report(t, "WF", f.ps[0].ID)
	require.Equal(t, MatchOpen, f.match(t, "GF").State)

	_, err := f.s.Reopen(f.match(t, "WF").ID)
	require.NoError(t, err)

	lf := f.match(t, "LF")
	assert.Equal(t, MatchPending, lf.State)
	assert.Zero(t, lf.P1ID)
	assert.Zero(t, lf.WinnerID)

	gf := f.match(t, "GF")
	assert.Equal(t, MatchPending, gf.State)
	assert.Zero(t, gf.P1ID)
	assert.Zero(t, gf.P2ID, "the bye cascade unwinds too")

	// the corrected result rebuilds the chain
	f.report(t, "WF", f.ps[1].ID)
	gf = f.match(t, "GF")
	assert.Equal(t, MatchOpen, gf.State)
	assert.Equal(t, f.ps[1].ID, gf.P1ID)
	assert.Equal(t, f.ps[0].ID, gf.P2ID)

	// once the grand final is decided the winners final is locked
	f.report(t, "GF", f.ps[1].ID)
	_, err = f.s.Reopen(f.match(t, "WF").ID)
	assert.Equal(t, fault.RefusedPrecondition, fault.KindOf(err))
}

func TestReopenRefusedWhenDependentUnderway(t *testing.T) {
	f := newFixture(t, 4, bracket.SingleElim, bracket.Options{})
	f.build(t)

	f.report(t, "W1-1", f.ps[0].ID)
	f.report(t, "W1-2", f.ps[1].ID)
	_, err := f.s.SetUnderway(f.match(t, "F").ID)
	require.NoError(t, err)

	_, err = f.s.Reopen(f.match(t, "W1-1").ID)
	assert.Equal(t, fault.RefusedPrecondition, fault.KindOf(err))

	_, err = f.s.ClearUnderway(f.match(t, "F").ID)
	require.NoError(t, err)
	_, err = f.s.Reopen(f.match(t, "W1-1").ID)
	require.NoError(t, err, "an open dependent unwinds cleanly")

	final := f.match(t, "F")
	assert.Equal(t, MatchPending, final.State)
	assert.Zero(t, final.P1ID)
	assert.Equal(t, f.ps[1].ID, final.P2ID, "the other feeder's result stays")
}

func TestUnderwayLifecycle(t *testing.T) {
	f := newFixture(t, 4, bracket.SingleElim, bracket.Options{})
	f.build(t)
	id := f.match(t, "W1-1").ID

	m, err := f.s.SetUnderway(id)
	require.NoError(t, err)
	assert.Equal(t, MatchUnderway, m.State)
	assert.False(t, m.UnderwayAt.IsZero())

	_, err = f.s.SetUnderway(id)
	assert.Equal(t, fault.RefusedPrecondition, fault.KindOf(err))

	// reporting from underway is the normal path
	res, err := f.s.SetWinner(id, f.ps[0].ID, 1, 0, "")
	require.NoError(t, err)
	assert.Equal(t, MatchComplete, res.Match.State)

	m2, err := f.s.SetUnderway(f.match(t, "W1-2").ID)
	require.NoError(t, err)
	cleared, err := f.s.ClearUnderway(m2.ID)
	require.NoError(t, err)
	assert.Equal(t, MatchOpen, cleared.State)
	assert.True(t, cleared.UnderwayAt.IsZero())

	_, err = f.s.ClearUnderway(m2.ID)
	assert.Equal(t, fault.RefusedPrecondition, fault.KindOf(err))

	_, err = f.s.SetUnderway(f.match(t, "F").ID)
	assert.Equal(t, fault.RefusedPrecondition, fault.KindOf(err), "pending matches cannot start")
}

func TestSetPlayerManualSeating(t *testing.T) {
	f := newFixture(t, 4, bracket.SingleElim, bracket.Options{})
	f.build(t)
	finalID := f.match(t, "F").ID

	m, err := f.s.SetPlayer(finalID, 1, f.ps[0].ID)
	require.NoError(t, err)
	assert.Equal(t, MatchPending, m.State, "one seat is not enough")

	m, err = f.s.SetPlayer(finalID, 2, f.ps[1].ID)
	require.NoError(t, err)
	assert.Equal(t, MatchOpen, m.State)

	m, err = f.s.SetPlayer(finalID, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, MatchPending, m.State, "clearing a seat regresses the match")
	assert.Zero(t, m.P2ID)

	_, err = f.s.SetPlayer(finalID, 3, f.ps[0].ID)
	assert.Equal(t, fault.BadInput, fault.KindOf(err))
	_, err = f.s.SetPlayer(finalID, 1, 9999)
	assert.Equal(t, fault.BadInput, fault.KindOf(err), "players come from the roster")

	f.report(t, "W1-1", f.ps[0].ID)
	_, err = f.s.SetPlayer(f.match(t, "W1-1").ID, 1, f.ps[1].ID)
	assert.Equal(t, fault.RefusedPrecondition, fault.KindOf(err))
}

func TestSetPlayerClearReleasesStation(t *testing.T) {
	f := newFixture(t, 4, bracket.SingleElim, bracket.Options{})
	f.build(t)
	st, err := f.s.CreateStation(f.ten.ID, "Cab 1")
	require.NoError(t, err)

	w11 := f.match(t, "W1-1")
	require.NoError(t, f.s.AssignStation(w11.ID, st.ID))

	m, err := f.s.SetPlayer(w11.ID, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, MatchPending, m.State)
	assert.Zero(t, m.StationID)

	stNow, err := f.s.Station(st.ID)
	require.NoError(t, err)
	assert.Zero(t, stNow.CurrentMatchID)
}

func TestMatchFilters(t *testing.T) {
	f := newFixture(t, 4, bracket.DoubleElim, bracket.Options{})
	f.build(t)

	losers, err := f.s.Matches(f.trn.ID, MatchFilter{LosersSide: true})
	require.NoError(t, err)
	idents := make([]string, len(losers))
	for i, m := range losers {
		idents[i] = m.Identifier
	}
	assert.Equal(t, []string{"L1-1", "LF"}, idents)

	open, err := f.s.Matches(f.trn.ID, MatchFilter{State: MatchOpen})
	require.NoError(t, err)
	assert.Len(t, open, 2, "both round 1 matches are seated")

	r := -1
	minusOne, err := f.s.Matches(f.trn.ID, MatchFilter{Round: &r})
	require.NoError(t, err)
	require.Len(t, minusOne, 1)
	assert.Equal(t, "L1-1", minusOne[0].Identifier)

	st, err := f.s.CreateStation(f.ten.ID, "Cab 1")
	require.NoError(t, err)
	w11 := f.match(t, "W1-1")
	require.NoError(t, f.s.AssignStation(w11.ID, st.ID))
	atStation, err := f.s.Matches(f.trn.ID, MatchFilter{StationID: st.ID})
	require.NoError(t, err)
	require.Len(t, atStation, 1)
	assert.Equal(t, w11.ID, atStation[0].ID)
}

func TestOutcomesProjection(t *testing.T) {
	f := newFixture(t, 3, bracket.SingleElim, bracket.Options{})
	f.build(t)

	_, err := f.s.SetWinner(f.match(t, "W1-2").ID, f.ps[1].ID, 2, 0, "11-7,11-9")
	require.NoError(t, err)
	f.report(t, "F", f.ps[0].ID)

	outs, err := f.s.Outcomes(f.trn.ID)
	require.NoError(t, err)
	require.Len(t, outs, 3)

	assert.Equal(t, f.ps[0].ID, outs[0].P1)
	assert.Zero(t, outs[0].P2, "the bye row projects with no opponent")
	assert.Equal(t, f.ps[0].ID, outs[0].WinnerID)

	assert.Equal(t, "W1-2", outs[1].Identifier)
	assert.Equal(t, 2, outs[1].P1Score)

	states, err := f.s.BracketStates(f.trn.ID)
	require.NoError(t, err)
	ranks := bracket.EliminationRanks(states)
	assert.Equal(t, 1, ranks[f.ps[0].ID])
	assert.Equal(t, 2, ranks[f.ps[1].ID])
	assert.Equal(t, 3, ranks[f.ps[2].ID])
}
