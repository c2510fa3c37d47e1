package coordinator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bracketcast/bracketcast/internal/config"
	"github.com/bracketcast/bracketcast/internal/core/bracket"
	"github.com/bracketcast/bracketcast/internal/core/governor"
	"github.com/bracketcast/bracketcast/internal/core/journal"
	"github.com/bracketcast/bracketcast/internal/core/matchstore"
	"github.com/bracketcast/bracketcast/internal/core/sponsor"
	"github.com/bracketcast/bracketcast/internal/core/tenant"
	"github.com/bracketcast/bracketcast/internal/core/timers"
	"github.com/bracketcast/bracketcast/internal/events"
	"github.com/bracketcast/bracketcast/internal/fault"
	"github.com/bracketcast/bracketcast/internal/telemetry"
)

// fakePoller counts immediate-poll requests per tenant.
type fakePoller struct {
	mu    sync.Mutex
	calls map[int64]int
}

func newFakePoller() *fakePoller { return &fakePoller{calls: map[int64]int{}} }

func (f *fakePoller) RequestPoll(tenantID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[tenantID]++
}

func (f *fakePoller) count(tenantID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[tenantID]
}

type fixture struct {
	s        *matchstore.Store
	jnl      *journal.Journal
	bus      *events.Bus
	lanes    *tenant.Registry
	polls    *fakePoller
	clk      *clock.Mock
	dq       *timers.DQScheduler
	spStore  *sponsor.Store
	coord    *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := matchstore.Open(filepath.Join(t.TempDir(), "match.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clk := clock.NewMock()
	bus := events.NewBus()
	jnl := journal.New(t.TempDir(), nil)
	t.Cleanup(func() { jnl.Close() })
	lanes := tenant.NewRegistry()
	t.Cleanup(lanes.Close)

	dq := timers.NewDQScheduler(clk, bus, s, 5*time.Minute, time.Minute)
	t.Cleanup(dq.Shutdown)
	spStore := sponsor.NewStore(t.TempDir())
	sched := timers.NewSponsorScheduler(clk, bus, spStore, timers.SponsorDefaults{
		RotationInterval: 10 * time.Second,
		Transition:       300 * time.Millisecond,
		Show:             45 * time.Second,
		Hide:             15 * time.Second,
	})
	t.Cleanup(sched.Shutdown)

	fx := &fixture{
		s: s, jnl: jnl, bus: bus, lanes: lanes,
		polls: newFakePoller(), clk: clk, dq: dq, spStore: spStore,
	}
	fx.coord = New(Deps{
		Store: s, Lanes: lanes, Bus: bus, Journal: jnl, Poller: fx.polls,
		DQ: dq, Sponsors: sched, SponsorStore: spStore,
	})
	dq.BindForfeiter(fx.coord)
	return fx
}

// seed provisions a started tournament through the same commands an
// operator would use.
func (fx *fixture) seed(t *testing.T, format bracket.Format, opts bracket.Options, names ...string) (*matchstore.Tenant, *matchstore.Tournament) {
	t.Helper()
	ctx := context.Background()
	ten, err := fx.coord.CreateTenant("North Hall", "north-hall", "ops")
	require.NoError(t, err)
	trn, err := fx.coord.CreateTournament(ctx, ten.ID, "Friday Showdown", "friday-showdown", format, opts, "ops")
	require.NoError(t, err)
	for i, name := range names {
		_, err := fx.coord.AddParticipant(ctx, ten.ID, trn.ID, name, i+1, "ops")
		require.NoError(t, err)
	}
	require.NoError(t, fx.coord.GenerateBracket(ctx, ten.ID, trn.ID, "ops"))
	require.NoError(t, fx.coord.StartTournament(ctx, ten.ID, trn.ID, "ops"))
	return ten, trn
}

func (fx *fixture) open(t *testing.T, tournamentID int64) []*matchstore.Match {
	t.Helper()
	ms, err := fx.s.Matches(tournamentID, matchstore.MatchFilter{State: matchstore.MatchOpen})
	require.NoError(t, err)
	return ms
}

// winAll reports P1 as the winner of every open match until none remain,
// letting swiss and two-stage generation run between rounds.
func (fx *fixture) winAll(t *testing.T, tenantID, tournamentID int64) {
	t.Helper()
	ctx := context.Background()
	for {
		ms := fx.open(t, tournamentID)
		if len(ms) == 0 {
			return
		}
		_, err := fx.coord.ReportResult(ctx, tenantID, ms[0].ID, ms[0].P1ID, 2, 0, "", "ops")
		require.NoError(t, err)
	}
}

// entry returns the newest journal line with the given action.
func (fx *fixture) entry(t *testing.T, tenantID int64, action string) journal.Entry {
	t.Helper()
	for _, e := range fx.jnl.Query(tenantID, journal.Filter{}) {
		if e.Action == action {
			return e
		}
	}
	t.Fatalf("no %q entry in tenant %d journal", action, tenantID)
	return journal.Entry{}
}

func (fx *fixture) hasEntry(tenantID int64, action string) bool {
	for _, e := range fx.jnl.Query(tenantID, journal.Filter{}) {
		if e.Action == action {
			return true
		}
	}
	return false
}

// mutations collects match-mutation actions off the bus.
type mutations struct {
	mu   sync.Mutex
	acts []string
}

func recordMutations(bus *events.Bus) *mutations {
	rec := &mutations{}
	bus.Subscribe(events.EventMatchMutated, func(e events.Event) error {
		m := e.Payload.(events.MatchMutation)
		rec.mu.Lock()
		rec.acts = append(rec.acts, m.Action)
		rec.mu.Unlock()
		return nil
	})
	return rec
}

func (r *mutations) has(action string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.acts {
		if a == action {
			return true
		}
	}
	return false
}

func TestReportResultCommitsJournalsAndPolls(t *testing.T) {
	fx := newFixture(t)
	rec := recordMutations(fx.bus)
	ten, trn := fx.seed(t, bracket.SingleElim, bracket.Options{}, "Ada", "Bo", "Cy", "Dee")

	ms := fx.open(t, trn.ID)
	require.Len(t, ms, 2)
	m := ms[0]

	before := fx.polls.count(ten.ID)
	res, err := fx.coord.ReportResult(context.Background(), ten.ID, m.ID, m.P1ID, 2, 1, "", "ops")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, m.P1ID, res.Match.WinnerID)

	e := fx.entry(t, ten.ID, "result_reported")
	assert.Contains(t, e.Message, m.Identifier)
	assert.Contains(t, e.Message, "def.")
	assert.Contains(t, e.Message, "2-1")
	assert.Equal(t, "ops", e.Actor)
	assert.Equal(t, journal.CategoryMatch, e.Category)

	assert.Equal(t, before+1, fx.polls.count(ten.ID))
	assert.True(t, rec.has("result"))
}

func TestCommandsAreTenantScoped(t *testing.T) {
	fx := newFixture(t)
	ten, trn := fx.seed(t, bracket.SingleElim, bracket.Options{}, "Ada", "Bo", "Cy", "Dee")
	intruder, err := fx.coord.CreateTenant("South Hall", "south-hall", "ops")
	require.NoError(t, err)

	m := fx.open(t, trn.ID)[0]
	failedBefore := telemetry.Metrics.CommandsFailed.Value()

	_, err = fx.coord.ReportResult(context.Background(), intruder.ID, m.ID, m.P1ID, 2, 0, "", "ops")
	require.Error(t, err)
	assert.Equal(t, fault.NotFound, fault.KindOf(err))

	// The victim's match is untouched and nothing was journaled or polled
	// for the intruder.
	got, err := fx.s.Match(m.ID)
	require.NoError(t, err)
	assert.Equal(t, matchstore.MatchOpen, got.State)
	assert.False(t, fx.hasEntry(intruder.ID, "result_reported"))
	assert.Zero(t, fx.polls.count(intruder.ID))
	assert.Equal(t, failedBefore+1, telemetry.Metrics.CommandsFailed.Value())

	// Same guard on the read side of station assignment.
	st, err := fx.coord.AddStation(context.Background(), ten.ID, "Station A", "ops")
	require.NoError(t, err)
	err = fx.coord.AssignStation(context.Background(), intruder.ID, m.ID, st.ID, "ops")
	assert.Equal(t, fault.NotFound, fault.KindOf(err))
}

func TestSwissPairsNextRoundUntilPlanSpent(t *testing.T) {
	fx := newFixture(t)
	ten, trn := fx.seed(t, bracket.Swiss, bracket.Options{SwissRounds: 2}, "Ada", "Bo", "Cy", "Dee")

	round1 := fx.open(t, trn.ID)
	require.Len(t, round1, 2)
	for _, m := range round1 {
		_, err := fx.coord.ReportResult(context.Background(), ten.ID, m.ID, m.P1ID, 2, 0, "", "ops")
		require.NoError(t, err)
	}

	// Closing round 1 pairs round 2 in the same command.
	all, err := fx.s.Matches(trn.ID, matchstore.MatchFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 4)
	assert.Contains(t, fx.entry(t, ten.ID, "round_paired").Message, "round 2 of 2")

	fx.winAll(t, ten.ID, trn.ID)

	got, err := fx.s.Tournament(trn.ID)
	require.NoError(t, err)
	assert.Equal(t, matchstore.TournamentAwaitingReview, got.State)
}

func TestTwoStageBuildsKnockoutFromGroups(t *testing.T) {
	fx := newFixture(t)
	ten, trn := fx.seed(t, bracket.TwoStage, bracket.Options{GroupCount: 2}, "Ada", "Bo", "Cy", "Dee")

	// Stage 1: two groups of two, one match each.
	stage1 := fx.open(t, trn.ID)
	require.Len(t, stage1, 2)
	for _, m := range stage1 {
		assert.Equal(t, 1, m.Stage)
		_, err := fx.coord.ReportResult(context.Background(), ten.ID, m.ID, m.P1ID, 2, 0, "", "ops")
		require.NoError(t, err)
	}

	fs, err := fx.s.FormatState(trn.ID)
	require.NoError(t, err)
	assert.True(t, fs.KnockoutBuilt)

	all, err := fx.s.Matches(trn.ID, matchstore.MatchFilter{})
	require.NoError(t, err)
	stage2 := 0
	for _, m := range all {
		if m.Stage == 2 {
			stage2++
		}
	}
	assert.Equal(t, 3, stage2, "two semifinals and a final")
	assert.Contains(t, fx.entry(t, ten.ID, "bracket_generated").Message, "knockout")

	// The knockout finishing parks the tournament, it does not rebuild.
	fx.winAll(t, ten.ID, trn.ID)
	got, err := fx.s.Tournament(trn.ID)
	require.NoError(t, err)
	assert.Equal(t, matchstore.TournamentAwaitingReview, got.State)
}

func TestLobbyReportsDriveFreeForAll(t *testing.T) {
	fx := newFixture(t)
	opts := bracket.Options{LobbyMaxSize: 4, LobbyAdvance: 2}
	ten, trn := fx.seed(t, bracket.FreeForAll, opts,
		"Ada", "Bo", "Cy", "Dee", "Edd", "Fay", "Gus", "Hal")
	ctx := context.Background()

	fs, err := fx.s.FormatState(trn.ID)
	require.NoError(t, err)
	require.Len(t, fs.Lobbies, 2)
	lobby := fs.Lobbies[0]

	// Placements must be a full permutation of the lobby.
	err = fx.coord.ReportLobbyResult(ctx, ten.ID, trn.ID, 1, lobby.Index, lobby.Participants[:3], "ops")
	assert.Equal(t, fault.BadInput, fault.KindOf(err))
	dup := append([]int64{lobby.Participants[0]}, lobby.Participants[:3]...)
	err = fx.coord.ReportLobbyResult(ctx, ten.ID, trn.ID, 1, lobby.Index, dup, "ops")
	assert.Equal(t, fault.BadInput, fault.KindOf(err))

	require.NoError(t, fx.coord.ReportLobbyResult(ctx, ten.ID, trn.ID, 1, lobby.Index, lobby.Participants, "ops"))
	assert.Contains(t, fx.entry(t, ten.ID, "lobby_reported").Message, "wins")

	// A second report of the same lobby conflicts even after the retry.
	retriesBefore := telemetry.Metrics.CommandRetries.Value()
	err = fx.coord.ReportLobbyResult(ctx, ten.ID, trn.ID, 1, lobby.Index, lobby.Participants, "ops")
	assert.Equal(t, fault.Conflict, fault.KindOf(err))
	assert.Equal(t, retriesBefore+1, telemetry.Metrics.CommandRetries.Value())

	// Closing the round cuts to the top two of each lobby and builds one
	// round-2 lobby of four.
	fs, err = fx.s.FormatState(trn.ID)
	require.NoError(t, err)
	second := fs.Lobbies[1]
	require.NoError(t, fx.coord.ReportLobbyResult(ctx, ten.ID, trn.ID, 1, second.Index, second.Participants, "ops"))

	fs, err = fx.s.FormatState(trn.ID)
	require.NoError(t, err)
	require.Len(t, fs.Lobbies, 3)
	final := fs.Lobbies[2]
	assert.Equal(t, 2, final.Round)
	assert.Len(t, final.Participants, 4)

	// The last lobby of the bracket parks the tournament for review.
	require.NoError(t, fx.coord.ReportLobbyResult(ctx, ten.ID, trn.ID, 2, final.Index, final.Participants, "ops"))
	got, err := fx.s.Tournament(trn.ID)
	require.NoError(t, err)
	assert.Equal(t, matchstore.TournamentAwaitingReview, got.State)
}

func TestLeaderboardEventsValidatePlacements(t *testing.T) {
	fx := newFixture(t)
	ten, trn := fx.seed(t, bracket.Leaderboard, bracket.Options{}, "Ada", "Bo", "Cy", "Dee")
	ctx := context.Background()

	entrants, err := fx.s.Entrants(trn.ID)
	require.NoError(t, err)
	ids := []int64{entrants[0].ID, entrants[1].ID, entrants[2].ID}

	err = fx.coord.AddLeaderboardEvent(ctx, ten.ID, trn.ID, "", ids, "ops")
	assert.Equal(t, fault.BadInput, fault.KindOf(err))
	err = fx.coord.AddLeaderboardEvent(ctx, ten.ID, trn.ID, "Heat 1", []int64{9999}, "ops")
	assert.Equal(t, fault.BadInput, fault.KindOf(err))
	err = fx.coord.AddLeaderboardEvent(ctx, ten.ID, trn.ID, "Heat 1", []int64{ids[0], ids[0]}, "ops")
	assert.Equal(t, fault.BadInput, fault.KindOf(err))

	require.NoError(t, fx.coord.AddLeaderboardEvent(ctx, ten.ID, trn.ID, "Heat 1", ids, "ops"))
	fs, err := fx.s.FormatState(trn.ID)
	require.NoError(t, err)
	require.Len(t, fs.Events, 1)
	assert.Equal(t, "Heat 1", fs.Events[0].Name)
	assert.Contains(t, fx.entry(t, ten.ID, "event_added").Message, "takes first")
}

func TestForfeitCountsAsCompletionAndUndoRewinds(t *testing.T) {
	fx := newFixture(t)
	ten, trn := fx.seed(t, bracket.SingleElim, bracket.Options{}, "Ada", "Bo", "Cy", "Dee")
	ctx := context.Background()

	m := fx.open(t, trn.ID)[0]
	res, err := fx.coord.ForfeitPlayer(ctx, ten.ID, m.ID, m.P2ID, "no-show", "ops")
	require.NoError(t, err)
	assert.Equal(t, m.P1ID, res.Match.WinnerID)
	assert.True(t, res.Match.Forfeit)
	assert.Contains(t, fx.entry(t, ten.ID, "player_forfeited").Message, "(no-show)")

	require.NoError(t, fx.coord.UndoResult(ctx, ten.ID, m.ID, "ops"))
	got, err := fx.s.Match(m.ID)
	require.NoError(t, err)
	assert.Equal(t, matchstore.MatchOpen, got.State)
	assert.Zero(t, got.WinnerID)
	assert.True(t, fx.hasEntry(ten.ID, "result_reopened"))
}

func TestDQExpiryForfeitsThroughTheLane(t *testing.T) {
	fx := newFixture(t)
	ten, trn := fx.seed(t, bracket.SingleElim, bracket.Options{}, "Ada", "Bo", "Cy", "Dee")
	ctx := context.Background()
	require.NoError(t, fx.coord.SetAutoDQAction(ctx, ten.ID, matchstore.DQActionAuto, "ops"))

	m := fx.open(t, trn.ID)[0]
	status, err := fx.coord.StartDQTimer(ctx, ten.ID, m.ID, m.P2ID, 2*time.Minute, "ops")
	require.NoError(t, err)
	assert.NotEmpty(t, status.Participant)
	require.Len(t, fx.coord.ListDQTimers(ten.ID), 1)

	fx.clk.Add(2 * time.Minute)

	require.Eventually(t, func() bool {
		got, err := fx.s.Match(m.ID)
		return err == nil && got.State == matchstore.MatchComplete && got.Forfeit
	}, 2*time.Second, 5*time.Millisecond)

	got, err := fx.s.Match(m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.P1ID, got.WinnerID)
	e := fx.entry(t, ten.ID, "player_forfeited")
	assert.Equal(t, "dq-timer", e.Actor)
	assert.Contains(t, e.Message, "dq timer expired")
	assert.Empty(t, fx.coord.ListDQTimers(ten.ID))
}

func TestDQTimerCommands(t *testing.T) {
	fx := newFixture(t)
	ten, trn := fx.seed(t, bracket.SingleElim, bracket.Options{}, "Ada", "Bo", "Cy", "Dee")
	ctx := context.Background()
	m := fx.open(t, trn.ID)[0]

	_, err := fx.coord.StartDQTimer(ctx, ten.ID, m.ID, 9999, time.Minute, "ops")
	assert.Equal(t, fault.BadInput, fault.KindOf(err))

	_, err = fx.coord.StartDQTimer(ctx, ten.ID, m.ID, m.P1ID, time.Minute, "ops")
	require.NoError(t, err)
	assert.True(t, fx.hasEntry(ten.ID, "dq_timer_started"))

	cancelled, err := fx.coord.CancelDQTimer(ctx, ten.ID, m.ID, m.P1ID, "ops")
	require.NoError(t, err)
	assert.True(t, cancelled)
	assert.True(t, fx.hasEntry(ten.ID, "dq_timer_cancelled"))

	// Idempotent: a second cancel is a no-op, not an error.
	cancelled, err = fx.coord.CancelDQTimer(ctx, ten.ID, m.ID, m.P1ID, "ops")
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestConflictIsRetriedOnce(t *testing.T) {
	fx := newFixture(t)
	ten, err := fx.coord.CreateTenant("North Hall", "north-hall", "ops")
	require.NoError(t, err)

	calls := 0
	err = fx.coord.run(context.Background(), ten.ID, func() error {
		calls++
		if calls == 1 {
			return fault.New(fault.Conflict, "lost a race")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, fx.polls.count(ten.ID))
}

func TestFatalQuarantinesLaneUntilCleared(t *testing.T) {
	fx := newFixture(t)
	ten, trn := fx.seed(t, bracket.SingleElim, bracket.Options{}, "Ada", "Bo", "Cy", "Dee")
	ctx := context.Background()

	err := fx.coord.run(ctx, ten.ID, func() error {
		return fault.New(fault.Fatal, "bracket graph corrupt")
	})
	require.Error(t, err)

	// Every further command bounces off the quarantine.
	m := fx.open(t, trn.ID)[0]
	_, err = fx.coord.ReportResult(ctx, ten.ID, m.ID, m.P1ID, 2, 0, "", "ops")
	require.Error(t, err)
	assert.Equal(t, fault.Fatal, fault.KindOf(err))
	assert.Contains(t, err.Error(), "quarantined")

	// Unknown tenants and clean lanes report false.
	assert.False(t, fx.coord.ClearQuarantine(4242, "ops"))

	require.True(t, fx.coord.ClearQuarantine(ten.ID, "ops"))
	assert.True(t, fx.hasEntry(ten.ID, "quarantine_cleared"))
	assert.False(t, fx.coord.ClearQuarantine(ten.ID, "ops"))

	_, err = fx.coord.ReportResult(ctx, ten.ID, m.ID, m.P1ID, 2, 0, "", "ops")
	require.NoError(t, err)
}

func TestStationFlow(t *testing.T) {
	fx := newFixture(t)
	ten, trn := fx.seed(t, bracket.SingleElim, bracket.Options{}, "Ada", "Bo", "Cy", "Dee")
	ctx := context.Background()
	rec := recordMutations(fx.bus)

	st, err := fx.coord.AddStation(ctx, ten.ID, "Station A", "ops")
	require.NoError(t, err)

	m := fx.open(t, trn.ID)[0]
	require.NoError(t, fx.coord.AssignStation(ctx, ten.ID, m.ID, st.ID, "ops"))
	e := fx.entry(t, ten.ID, "station_assigned")
	assert.Contains(t, e.Message, m.Identifier)
	assert.Contains(t, e.Message, "Station A")
	assert.Equal(t, journal.CategoryStation, e.Category)
	assert.True(t, rec.has("station_assign"))

	got, err := fx.s.Station(st.ID)
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.CurrentMatchID)

	require.NoError(t, fx.coord.ReleaseStation(ctx, ten.ID, m.ID, "ops"))
	got, err = fx.s.Station(st.ID)
	require.NoError(t, err)
	assert.Zero(t, got.CurrentMatchID)

	require.NoError(t, fx.coord.SetStationActive(ctx, ten.ID, st.ID, false, "ops"))
	assert.Contains(t, fx.entry(t, ten.ID, "station_toggled").Message, "disabled")

	require.NoError(t, fx.coord.RemoveStation(ctx, ten.ID, st.ID, "ops"))
	_, err = fx.s.Station(st.ID)
	assert.Equal(t, fault.NotFound, fault.KindOf(err))
}

func TestUnderwayRoundTrip(t *testing.T) {
	fx := newFixture(t)
	ten, trn := fx.seed(t, bracket.SingleElim, bracket.Options{}, "Ada", "Bo", "Cy", "Dee")
	ctx := context.Background()

	m := fx.open(t, trn.ID)[0]
	require.NoError(t, fx.coord.StartUnderway(ctx, ten.ID, m.ID, "ops"))
	got, err := fx.s.Match(m.ID)
	require.NoError(t, err)
	assert.Equal(t, matchstore.MatchUnderway, got.State)

	require.NoError(t, fx.coord.StopUnderway(ctx, ten.ID, m.ID, "ops"))
	got, err = fx.s.Match(m.ID)
	require.NoError(t, err)
	assert.Equal(t, matchstore.MatchOpen, got.State)
	assert.True(t, fx.hasEntry(ten.ID, "match_underway_cleared"))
}

func TestSponsorCommandsJournalAndPersist(t *testing.T) {
	fx := newFixture(t)
	ten, _ := fx.seed(t, bracket.SingleElim, bracket.Options{}, "Ada", "Bo", "Cy", "Dee")
	ctx := context.Background()

	state, err := fx.coord.UpsertSponsor(ctx, ten.ID, sponsor.Item{
		Name: "Pixel Pizza", Position: sponsor.PosBottomBanner, Active: true,
	}, "ops")
	require.NoError(t, err)
	require.Len(t, state.Items, 1)
	itemID := state.Items[0].ID
	assert.Contains(t, fx.entry(t, ten.ID, "sponsor_updated").Message, "Pixel Pizza")

	require.NoError(t, fx.coord.ConfigureSponsors(ctx, ten.ID, sponsor.Config{
		Enabled: true, RotationEnabled: true, RotationOrder: sponsor.OrderSequential,
	}, "ops"))
	e := fx.entry(t, ten.ID, "sponsor_config")
	assert.Contains(t, e.Message, "on")
	assert.Equal(t, journal.CategorySponsor, e.Category)
	assert.True(t, fx.spStore.Get(ten.ID).Config.Enabled)

	require.NoError(t, fx.coord.RemoveSponsor(ctx, ten.ID, itemID, "ops"))
	assert.Empty(t, fx.spStore.Get(ten.ID).Items)
}

func TestAnnouncementsValidateAndBroadcast(t *testing.T) {
	fx := newFixture(t)
	ten, _ := fx.seed(t, bracket.SingleElim, bracket.Options{}, "Ada", "Bo", "Cy", "Dee")
	ctx := context.Background()

	var got []events.Announcement
	fx.bus.Subscribe(events.EventAnnouncement, func(e events.Event) error {
		got = append(got, e.Payload.(events.Announcement))
		return nil
	})

	err := fx.coord.BroadcastAnnouncement(ctx, ten.ID, "shouting", "hello", 0, "ops")
	assert.Equal(t, fault.BadInput, fault.KindOf(err))
	err = fx.coord.BroadcastAnnouncement(ctx, ten.ID, "hype", "", 0, "ops")
	assert.Equal(t, fault.BadInput, fault.KindOf(err))
	assert.Empty(t, got)

	require.NoError(t, fx.coord.BroadcastAnnouncement(ctx, ten.ID, "hype", "Finals on the main stage!", 30, "ops"))
	require.Len(t, got, 1)
	assert.Equal(t, "hype", got[0].Kind)
	assert.Equal(t, 30, got[0].TTLSeconds)
	assert.Equal(t, journal.CategoryAdmin, fx.entry(t, ten.ID, "announcement_sent").Category)
}

func TestImpersonationLeavesAuditTrail(t *testing.T) {
	fx := newFixture(t)
	ten, _ := fx.seed(t, bracket.SingleElim, bracket.Options{}, "Ada", "Bo", "Cy", "Dee")
	ctx := context.Background()

	require.NoError(t, fx.coord.StartImpersonation(ctx, ten.ID, "root@platform", "north-hall"))
	require.NoError(t, fx.coord.StopImpersonation(ctx, ten.ID, "root@platform", "north-hall"))

	start := fx.entry(t, ten.ID, "impersonation_started")
	assert.Equal(t, "root@platform", start.Actor)
	assert.Equal(t, journal.CategoryAdmin, start.Category)
	assert.True(t, fx.hasEntry(ten.ID, "impersonation_stopped"))
}

func TestGovernorKnobsAuditToPlatformLog(t *testing.T) {
	fx := newFixture(t)
	gov := governor.New(config.DefaultGovernorRates(), time.Hour, fx.s, fx.bus, fx.clk)
	coord := New(Deps{
		Store: fx.s, Lanes: fx.lanes, Bus: fx.bus, Journal: fx.jnl,
		Poller: fx.polls, Governor: gov,
	})

	require.Error(t, coord.SetGovernorOverride("sideways", "root"))
	require.NoError(t, coord.SetGovernorOverride("active", "root"))
	e := fx.entry(t, 0, "governor_override_set")
	assert.Contains(t, e.Message, "active")
	assert.Equal(t, journal.CategoryAdmin, e.Category)

	require.NoError(t, coord.ClearGovernorOverride("root"))
	assert.True(t, fx.hasEntry(0, "governor_override_cleared"))

	require.NoError(t, coord.EnableGovernorBypass(0, "root"))
	assert.Greater(t, gov.BypassRemaining(), time.Duration(0))
	require.NoError(t, coord.CancelGovernorBypass("root"))
	assert.Zero(t, gov.BypassRemaining())
	assert.True(t, fx.hasEntry(0, "governor_bypass_cancelled"))

	// Without a governor the knobs refuse instead of panicking.
	err := fx.coord.SetGovernorOverride("active", "root")
	assert.Equal(t, fault.RefusedPrecondition, fault.KindOf(err))
}

func TestTournamentLifecycleGuards(t *testing.T) {
	fx := newFixture(t)
	ten, trn := fx.seed(t, bracket.SingleElim, bracket.Options{}, "Ada", "Bo", "Cy", "Dee")
	ctx := context.Background()

	// Started tournaments refuse regeneration.
	err := fx.coord.GenerateBracket(ctx, ten.ID, trn.ID, "ops")
	assert.Equal(t, fault.RefusedPrecondition, fault.KindOf(err))

	// A second tournament cannot start without a bracket.
	bare, err := fx.coord.CreateTournament(ctx, ten.ID, "Saturday Open", "saturday-open", bracket.SingleElim, bracket.Options{}, "ops")
	require.NoError(t, err)
	err = fx.coord.StartTournament(ctx, ten.ID, bare.ID, "ops")
	require.Error(t, err)
	assert.Equal(t, fault.RefusedPrecondition, fault.KindOf(err))
	assert.Contains(t, err.Error(), "generate the bracket")

	// Reset wipes matches, cancels countdowns and returns to pending.
	m := fx.open(t, trn.ID)[0]
	_, err = fx.coord.StartDQTimer(ctx, ten.ID, m.ID, m.P1ID, time.Minute, "ops")
	require.NoError(t, err)
	require.NoError(t, fx.coord.ResetTournament(ctx, ten.ID, trn.ID, "ops"))

	all, err := fx.s.Matches(trn.ID, matchstore.MatchFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Empty(t, fx.coord.ListDQTimers(ten.ID))
	got, err := fx.s.Tournament(trn.ID)
	require.NoError(t, err)
	assert.Equal(t, matchstore.TournamentPending, got.State)

	// The reset tournament can regenerate and play to completion.
	require.NoError(t, fx.coord.GenerateBracket(ctx, ten.ID, trn.ID, "ops"))
	require.NoError(t, fx.coord.StartTournament(ctx, ten.ID, trn.ID, "ops"))
	fx.winAll(t, ten.ID, trn.ID)
	require.NoError(t, fx.coord.FinalizeTournament(ctx, ten.ID, trn.ID, "ops"))
	got, err = fx.s.Tournament(trn.ID)
	require.NoError(t, err)
	assert.Equal(t, matchstore.TournamentComplete, got.State)
	assert.True(t, fx.hasEntry(ten.ID, "tournament_finalized"))
}

func TestParticipantCommandsAreScoped(t *testing.T) {
	fx := newFixture(t)
	ten, trn := fx.seed(t, bracket.Leaderboard, bracket.Options{}, "Ada", "Bo", "Cy")
	intruder, err := fx.coord.CreateTenant("South Hall", "south-hall", "ops")
	require.NoError(t, err)
	ctx := context.Background()

	entrants, err := fx.s.Entrants(trn.ID)
	require.NoError(t, err)
	target := entrants[0].ID

	err = fx.coord.UpdateParticipant(ctx, intruder.ID, target, "Mallory", 1, "ops")
	assert.Equal(t, fault.NotFound, fault.KindOf(err))

	require.NoError(t, fx.coord.UpdateParticipant(ctx, ten.ID, target, "Ada Lovelace", 1, "ops"))
	p, err := fx.s.Participant(target)
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", p.Name)

	require.NoError(t, fx.coord.RemoveParticipant(ctx, ten.ID, target, "ops"))
	_, err = fx.s.Participant(target)
	assert.Equal(t, fault.NotFound, fault.KindOf(err))
	assert.True(t, fx.hasEntry(ten.ID, "participant_removed"))
}

func TestSetActiveTournamentByHand(t *testing.T) {
	fx := newFixture(t)
	ten, trn := fx.seed(t, bracket.SingleElim, bracket.Options{}, "Ada", "Bo", "Cy", "Dee")
	ctx := context.Background()

	require.NoError(t, fx.coord.SetActiveTournament(ctx, ten.ID, 0, "ops"))
	got, err := fx.s.Tenant(ten.ID)
	require.NoError(t, err)
	assert.Zero(t, got.ActiveTournamentID)

	require.NoError(t, fx.coord.SetActiveTournament(ctx, ten.ID, trn.ID, "ops"))
	got, err = fx.s.Tenant(ten.ID)
	require.NoError(t, err)
	assert.Equal(t, trn.ID, got.ActiveTournamentID)
}
