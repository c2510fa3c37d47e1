// Package coordinator is the single write path for tenant state. Every
// operator command runs on the tenant's lane (one writer per tenant), a
// store Conflict is retried once, a Fatal fault quarantines the lane, and
// each success appends an activity line and asks the poller for an
// immediate rebuild so displays see the change without waiting out the
// next tick.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bracketcast/bracketcast/internal/adapters/outbound/upstream"
	"github.com/bracketcast/bracketcast/internal/core/governor"
	"github.com/bracketcast/bracketcast/internal/core/journal"
	"github.com/bracketcast/bracketcast/internal/core/matchstore"
	"github.com/bracketcast/bracketcast/internal/core/poller"
	"github.com/bracketcast/bracketcast/internal/core/sponsor"
	"github.com/bracketcast/bracketcast/internal/core/tenant"
	"github.com/bracketcast/bracketcast/internal/core/timers"
	"github.com/bracketcast/bracketcast/internal/events"
	"github.com/bracketcast/bracketcast/internal/fault"
	"github.com/bracketcast/bracketcast/internal/telemetry"
)

// PollRequester triggers an immediate snapshot rebuild for one tenant.
type PollRequester interface {
	RequestPoll(tenantID int64)
}

var _ PollRequester = (*poller.Poller)(nil)

// Deps collects the subsystems commands touch. Governor and Upstream may
// be nil: upstream mirroring is skipped, everything else works. DQ and
// Sponsors may be nil in tests that never exercise timers.
type Deps struct {
	Store        *matchstore.Store
	Lanes        *tenant.Registry
	Bus          *events.Bus
	Journal      *journal.Journal
	Poller       PollRequester
	DQ           *timers.DQScheduler
	Sponsors     *timers.SponsorScheduler
	SponsorStore *sponsor.Store
	Governor     *governor.Governor
	Upstream     *upstream.Client
}

type Coordinator struct {
	store        *matchstore.Store
	lanes        *tenant.Registry
	bus          *events.Bus
	journal      *journal.Journal
	poller       PollRequester
	dq           *timers.DQScheduler
	sponsors     *timers.SponsorScheduler
	sponsorStore *sponsor.Store
	governor     *governor.Governor
	upstream     *upstream.Client
}

// Expiring DQ countdowns re-enter the lane through AutoForfeit.
var _ timers.Forfeiter = (*Coordinator)(nil)

func New(d Deps) *Coordinator {
	return &Coordinator{
		store:        d.Store,
		lanes:        d.Lanes,
		bus:          d.Bus,
		journal:      d.Journal,
		poller:       d.Poller,
		dq:           d.DQ,
		sponsors:     d.Sponsors,
		sponsorStore: d.SponsorStore,
		governor:     d.Governor,
		upstream:     d.Upstream,
	}
}

// run executes fn on the tenant's lane and waits for it. Conflict means
// the store lost an optimistic race with itself (the lane is the only
// writer, so once is enough); Fatal wedges the lane until an operator
// clears it. Success requests an immediate poll: a command that changed
// nothing costs one rebuild the hub dedups away.
func (c *Coordinator) run(ctx context.Context, tenantID int64, fn func() error) error {
	lane := c.lanes.Lane(tenantID)
	if lane == nil {
		telemetry.Metrics.CommandsFailed.Inc()
		return fault.New(fault.Transient, "tenant %d: command lanes are shut down", tenantID)
	}
	err := lane.Do(ctx, func() error {
		err := fn()
		if fault.KindOf(err) == fault.Conflict {
			telemetry.Metrics.CommandRetries.Inc()
			telemetry.Warnf("coordinator: tenant %d: conflict, retrying: %v", tenantID, err)
			err = fn()
		}
		if fault.KindOf(err) == fault.Fatal {
			lane.Quarantine(err.Error())
		}
		return err
	})
	if err != nil {
		telemetry.Metrics.CommandsFailed.Inc()
		return err
	}
	telemetry.Metrics.CommandsProcessed.Inc()
	c.poller.RequestPoll(tenantID)
	return nil
}

// mirror hands an upstream write to the governor's paced queue and moves
// on. The governor logs failures; a result committed locally never rolls
// back because the mirror lagged.
func (c *Coordinator) mirror(name string, call func(context.Context) error) {
	if c.governor == nil || c.upstream == nil || !c.upstream.Enabled() {
		return
	}
	c.governor.Submit(name, call)
}

func (c *Coordinator) publishMutation(tenantID, tournamentID int64, m events.MatchMutation) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.Event{
		ID:           uuid.NewString(),
		Type:         events.EventMatchMutated,
		TenantID:     tenantID,
		TournamentID: tournamentID,
		Timestamp:    time.Now().UTC(),
		Payload:      m,
	})
}

// tournamentFor loads a tournament and refuses cross-tenant access. The
// wrong tenant gets NotFound, not Forbidden: ids must not leak across
// room boundaries.
func (c *Coordinator) tournamentFor(tenantID, tournamentID int64) (*matchstore.Tournament, error) {
	t, err := c.store.Tournament(tournamentID)
	if err != nil {
		return nil, err
	}
	if t.TenantID != tenantID {
		return nil, fault.New(fault.NotFound, "tournament %d: not found for tenant %d", tournamentID, tenantID)
	}
	return t, nil
}

func (c *Coordinator) matchFor(tenantID, matchID int64) (*matchstore.Match, *matchstore.Tournament, error) {
	m, err := c.store.Match(matchID)
	if err != nil {
		return nil, nil, err
	}
	t, err := c.tournamentFor(tenantID, m.TournamentID)
	if err != nil {
		return nil, nil, fault.New(fault.NotFound, "match %d: not found for tenant %d", matchID, tenantID)
	}
	return m, t, nil
}

// name resolves a participant for scoreboard strings. Best effort: a miss
// degrades to #id, it never fails the command.
func (c *Coordinator) name(participantID int64) string {
	if participantID == 0 {
		return "?"
	}
	if p, err := c.store.Participant(participantID); err == nil {
		return p.Name
	}
	return fmt.Sprintf("#%d", participantID)
}
