package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/bracketcast/bracketcast/internal/core/matchstore"
	"github.com/bracketcast/bracketcast/internal/core/sponsor"
	"github.com/bracketcast/bracketcast/internal/core/timers"
	"github.com/bracketcast/bracketcast/internal/events"
	"github.com/bracketcast/bracketcast/internal/fault"
	"github.com/google/uuid"
)

// ── Stations ──

func (c *Coordinator) AddStation(ctx context.Context, tenantID int64, label, actor string) (*matchstore.Station, error) {
	var st *matchstore.Station
	err := c.run(ctx, tenantID, func() error {
		var err error
		st, err = c.store.CreateStation(tenantID, label)
		if err != nil {
			return err
		}
		c.journal.Append(tenantID, actor, "station_created", st.Label, nil)
		return nil
	})
	return st, err
}

func (c *Coordinator) SetStationActive(ctx context.Context, tenantID, stationID int64, active bool, actor string) error {
	return c.run(ctx, tenantID, func() error {
		st, err := c.stationFor(tenantID, stationID)
		if err != nil {
			return err
		}
		if err := c.store.SetStationActive(st.ID, active); err != nil {
			return err
		}
		verb := "disabled"
		if active {
			verb = "enabled"
		}
		c.journal.Append(tenantID, actor, "station_toggled", st.Label+" "+verb, nil)
		return nil
	})
}

func (c *Coordinator) RemoveStation(ctx context.Context, tenantID, stationID int64, actor string) error {
	return c.run(ctx, tenantID, func() error {
		st, err := c.stationFor(tenantID, stationID)
		if err != nil {
			return err
		}
		if err := c.store.DeleteStation(st.ID); err != nil {
			return err
		}
		c.journal.Append(tenantID, actor, "station_removed", st.Label, nil)
		return nil
	})
}

// AssignStation seats a match on a station; the store refuses occupied
// stations and non-open matches.
func (c *Coordinator) AssignStation(ctx context.Context, tenantID, matchID, stationID int64, actor string) error {
	return c.run(ctx, tenantID, func() error {
		m, t, err := c.matchFor(tenantID, matchID)
		if err != nil {
			return err
		}
		st, err := c.stationFor(tenantID, stationID)
		if err != nil {
			return err
		}
		if err := c.store.AssignStation(matchID, stationID); err != nil {
			return err
		}
		c.journal.Append(tenantID, actor, "station_assigned",
			fmt.Sprintf("%s on %s", m.Identifier, st.Label), map[string]any{"matchId": matchID})
		c.publishMutation(tenantID, t.ID, events.MatchMutation{
			MatchID: matchID, Identifier: m.Identifier, Action: "station_assign", Actor: actor, Detail: st.Label,
		})
		return nil
	})
}

func (c *Coordinator) ReleaseStation(ctx context.Context, tenantID, matchID int64, actor string) error {
	return c.run(ctx, tenantID, func() error {
		m, t, err := c.matchFor(tenantID, matchID)
		if err != nil {
			return err
		}
		if err := c.store.ReleaseStation(matchID); err != nil {
			return err
		}
		c.journal.Append(tenantID, actor, "station_released", m.Identifier, nil)
		c.publishMutation(tenantID, t.ID, events.MatchMutation{
			MatchID: matchID, Identifier: m.Identifier, Action: "station_release", Actor: actor,
		})
		return nil
	})
}

func (c *Coordinator) stationFor(tenantID, stationID int64) (*matchstore.Station, error) {
	st, err := c.store.Station(stationID)
	if err != nil {
		return nil, err
	}
	if st.TenantID != tenantID {
		return nil, fault.New(fault.NotFound, "station %d: not found for tenant %d", stationID, tenantID)
	}
	return st, nil
}

// ── Underway ──

// StartUnderway marks players as at the station and playing. Mirrored
// upstream so remote brackets show the live badge too.
func (c *Coordinator) StartUnderway(ctx context.Context, tenantID, matchID int64, actor string) error {
	return c.run(ctx, tenantID, func() error {
		m, t, err := c.matchFor(tenantID, matchID)
		if err != nil {
			return err
		}
		if _, err := c.store.SetUnderway(matchID); err != nil {
			return err
		}
		c.journal.Append(tenantID, actor, "match_underway", m.Identifier+" underway", nil)
		c.publishMutation(tenantID, t.ID, events.MatchMutation{
			MatchID: matchID, Identifier: m.Identifier, Action: "underway", Actor: actor,
		})
		c.mirror(fmt.Sprintf("mark underway %s", m.Identifier), func(ctx context.Context) error {
			return c.upstream.MarkUnderway(ctx, t.ID, matchID)
		})
		return nil
	})
}

func (c *Coordinator) StopUnderway(ctx context.Context, tenantID, matchID int64, actor string) error {
	return c.run(ctx, tenantID, func() error {
		m, t, err := c.matchFor(tenantID, matchID)
		if err != nil {
			return err
		}
		if _, err := c.store.ClearUnderway(matchID); err != nil {
			return err
		}
		c.journal.Append(tenantID, actor, "match_underway_cleared", m.Identifier+" back to open", nil)
		c.publishMutation(tenantID, t.ID, events.MatchMutation{
			MatchID: matchID, Identifier: m.Identifier, Action: "underway", Actor: actor, Detail: "cleared",
		})
		return nil
	})
}

// ── DQ countdowns ──

// StartDQTimer begins a no-show countdown for one player of a match. A
// zero duration takes the process default.
func (c *Coordinator) StartDQTimer(ctx context.Context, tenantID, matchID, participantID int64, d time.Duration, actor string) (timers.DQStatus, error) {
	if c.dq == nil {
		return timers.DQStatus{}, fault.New(fault.RefusedPrecondition, "no dq scheduler running")
	}
	var status timers.DQStatus
	err := c.run(ctx, tenantID, func() error {
		m, t, err := c.matchFor(tenantID, matchID)
		if err != nil {
			return err
		}
		if participantID != m.P1ID && participantID != m.P2ID {
			return fault.New(fault.BadInput, "participant %d is not playing match %s", participantID, m.Identifier)
		}
		station := ""
		if m.StationID != 0 {
			if st, err := c.store.Station(m.StationID); err == nil {
				station = st.Label
			}
		}
		status, err = c.dq.Start(tenantID, timers.DQKey{
			TournamentID: t.ID, MatchID: matchID, ParticipantID: participantID,
		}, c.name(participantID), station, d)
		if err != nil {
			return err
		}
		c.journal.Append(tenantID, actor, "dq_timer_started",
			fmt.Sprintf("%s: countdown on %s", m.Identifier, status.Participant),
			map[string]any{"matchId": matchID, "participantId": participantID})
		return nil
	})
	return status, err
}

// CancelDQTimer stops a countdown. Reports false without error when the
// countdown already fired or never existed.
func (c *Coordinator) CancelDQTimer(ctx context.Context, tenantID, matchID, participantID int64, actor string) (bool, error) {
	if c.dq == nil {
		return false, fault.New(fault.RefusedPrecondition, "no dq scheduler running")
	}
	cancelled := false
	err := c.run(ctx, tenantID, func() error {
		m, t, err := c.matchFor(tenantID, matchID)
		if err != nil {
			return err
		}
		cancelled = c.dq.Cancel(timers.DQKey{
			TournamentID: t.ID, MatchID: matchID, ParticipantID: participantID,
		}, "cancelled by "+actor)
		if cancelled {
			c.journal.Append(tenantID, actor, "dq_timer_cancelled",
				fmt.Sprintf("%s: countdown on %s cancelled", m.Identifier, c.name(participantID)),
				map[string]any{"matchId": matchID})
		}
		return nil
	})
	return cancelled, err
}

// ListDQTimers reads running countdowns straight off the scheduler.
func (c *Coordinator) ListDQTimers(tenantID int64) []timers.DQStatus {
	if c.dq == nil {
		return nil
	}
	return c.dq.List(tenantID)
}

// ── Sponsors ──

// UpsertSponsor stores an asset and rebuilds the tenant's rotation
// schedule. The scheduler's Apply emits the show displays converge on.
func (c *Coordinator) UpsertSponsor(ctx context.Context, tenantID int64, it sponsor.Item, actor string) (sponsor.State, error) {
	var st sponsor.State
	err := c.run(ctx, tenantID, func() error {
		var err error
		st, err = c.sponsorStore.UpsertItem(tenantID, it)
		if err != nil {
			return err
		}
		if c.sponsors != nil {
			c.sponsors.Apply(tenantID)
		}
		c.journal.Append(tenantID, actor, "sponsor_updated", it.Name, nil)
		return nil
	})
	return st, err
}

func (c *Coordinator) RemoveSponsor(ctx context.Context, tenantID int64, itemID, actor string) error {
	return c.run(ctx, tenantID, func() error {
		if _, err := c.sponsorStore.RemoveItem(tenantID, itemID); err != nil {
			return err
		}
		if c.sponsors != nil {
			c.sponsors.Apply(tenantID)
		}
		c.journal.Append(tenantID, actor, "sponsor_removed", itemID, nil)
		return nil
	})
}

func (c *Coordinator) ConfigureSponsors(ctx context.Context, tenantID int64, cfg sponsor.Config, actor string) error {
	return c.run(ctx, tenantID, func() error {
		if _, err := c.sponsorStore.SetConfig(tenantID, cfg); err != nil {
			return err
		}
		if c.sponsors != nil {
			c.sponsors.Apply(tenantID)
		}
		state := "off"
		if cfg.Enabled {
			state = "on"
		}
		c.journal.Append(tenantID, actor, "sponsor_config", "sponsor display "+state, nil)
		return nil
	})
}

// ── Announcements and impersonation ──

// BroadcastAnnouncement pushes an operator message to every display in
// the tenant's room.
func (c *Coordinator) BroadcastAnnouncement(ctx context.Context, tenantID int64, kind, message string, ttlSeconds int, actor string) error {
	switch kind {
	case "info", "warning", "hype":
	default:
		return fault.New(fault.BadInput, "unknown announcement kind %q", kind)
	}
	if message == "" {
		return fault.New(fault.BadInput, "announcement needs a message")
	}
	return c.run(ctx, tenantID, func() error {
		c.bus.Publish(events.Event{
			ID:        uuid.NewString(),
			Type:      events.EventAnnouncement,
			TenantID:  tenantID,
			Timestamp: time.Now().UTC(),
			Payload:   events.Announcement{Kind: kind, Message: message, TTLSeconds: ttlSeconds},
		})
		c.journal.Append(tenantID, actor, "announcement_sent", message, map[string]any{"kind": kind})
		return nil
	})
}

// StartImpersonation is audit trail only: platform admins act through the
// normal commands, this just marks where the session began.
func (c *Coordinator) StartImpersonation(ctx context.Context, tenantID int64, admin, target string) error {
	return c.run(ctx, tenantID, func() error {
		c.journal.Append(tenantID, admin, "impersonation_started",
			fmt.Sprintf("%s acting as %s", admin, target), nil)
		return nil
	})
}

func (c *Coordinator) StopImpersonation(ctx context.Context, tenantID int64, admin, target string) error {
	return c.run(ctx, tenantID, func() error {
		c.journal.Append(tenantID, admin, "impersonation_stopped",
			fmt.Sprintf("%s stopped acting as %s", admin, target), nil)
		return nil
	})
}

// ── Governor knobs ──
//
// Process-wide, so they skip the tenant lanes and journal to tenant 0,
// the platform audit log.

func (c *Coordinator) SetGovernorOverride(mode, actor string) error {
	if c.governor == nil {
		return fault.New(fault.RefusedPrecondition, "no governor running")
	}
	if err := c.governor.SetOverride(mode); err != nil {
		return err
	}
	c.journal.Append(0, actor, "governor_override_set", "outbound rate pinned to "+mode, nil)
	return nil
}

func (c *Coordinator) ClearGovernorOverride(actor string) error {
	if c.governor == nil {
		return fault.New(fault.RefusedPrecondition, "no governor running")
	}
	c.governor.ClearOverride()
	c.journal.Append(0, actor, "governor_override_cleared", "outbound rate back to projection", nil)
	return nil
}

func (c *Coordinator) EnableGovernorBypass(d time.Duration, actor string) error {
	if c.governor == nil {
		return fault.New(fault.RefusedPrecondition, "no governor running")
	}
	c.governor.Bypass(d)
	c.journal.Append(0, actor, "governor_bypass_enabled",
		fmt.Sprintf("rate limiting off for %s", c.governor.BypassRemaining().Round(time.Second)), nil)
	return nil
}

func (c *Coordinator) CancelGovernorBypass(actor string) error {
	if c.governor == nil {
		return fault.New(fault.RefusedPrecondition, "no governor running")
	}
	c.governor.CancelBypass()
	c.journal.Append(0, actor, "governor_bypass_cancelled", "rate limiting back on", nil)
	return nil
}

// ClearQuarantine reopens a wedged tenant lane. Reports false when the
// tenant has no lane or the lane was never quarantined.
func (c *Coordinator) ClearQuarantine(tenantID int64, actor string) bool {
	lane, ok := c.lanes.Peek(tenantID)
	if !ok {
		return false
	}
	if _, quarantined := lane.Quarantined(); !quarantined {
		return false
	}
	lane.ClearQuarantine()
	c.journal.Append(tenantID, actor, "quarantine_cleared", "command lane reopened", nil)
	c.poller.RequestPoll(tenantID)
	return true
}

// ── Participants ──

func (c *Coordinator) AddParticipant(ctx context.Context, tenantID, tournamentID int64, name string, seed int, actor string) (*matchstore.Participant, error) {
	var p *matchstore.Participant
	err := c.run(ctx, tenantID, func() error {
		t, err := c.tournamentFor(tenantID, tournamentID)
		if err != nil {
			return err
		}
		p, err = c.store.AddParticipant(t.ID, name, seed)
		if err != nil {
			return err
		}
		c.journal.Append(tenantID, actor, "participant_added", name, nil)
		return nil
	})
	return p, err
}

func (c *Coordinator) UpdateParticipant(ctx context.Context, tenantID, participantID int64, name string, seed int, actor string) error {
	return c.run(ctx, tenantID, func() error {
		if err := c.participantScope(tenantID, participantID); err != nil {
			return err
		}
		p, err := c.store.UpdateParticipant(participantID, name, seed)
		if err != nil {
			return err
		}
		c.journal.Append(tenantID, actor, "participant_updated", p.Name, nil)
		return nil
	})
}

func (c *Coordinator) RemoveParticipant(ctx context.Context, tenantID, participantID int64, actor string) error {
	return c.run(ctx, tenantID, func() error {
		if err := c.participantScope(tenantID, participantID); err != nil {
			return err
		}
		name := c.name(participantID)
		if err := c.store.DeleteParticipant(participantID); err != nil {
			return err
		}
		c.journal.Append(tenantID, actor, "participant_removed", name, nil)
		return nil
	})
}

func (c *Coordinator) participantScope(tenantID, participantID int64) error {
	p, err := c.store.Participant(participantID)
	if err != nil {
		return err
	}
	if _, err := c.tournamentFor(tenantID, p.TournamentID); err != nil {
		return fault.New(fault.NotFound, "participant %d: not found for tenant %d", participantID, tenantID)
	}
	return nil
}

// ── Tenants ──

// CreateTenant provisions a room. No lane yet, so it runs direct; the
// journal line lands in the fresh tenant's own log.
func (c *Coordinator) CreateTenant(name, slug, actor string) (*matchstore.Tenant, error) {
	ten, err := c.store.CreateTenant(name, slug)
	if err != nil {
		return nil, err
	}
	c.journal.Append(ten.ID, actor, "tenant_created", ten.Name, nil)
	return ten, nil
}

func (c *Coordinator) SetAutoDQAction(ctx context.Context, tenantID int64, action, actor string) error {
	return c.run(ctx, tenantID, func() error {
		if err := c.store.SetAutoDQAction(tenantID, action); err != nil {
			return err
		}
		c.journal.Append(tenantID, actor, "dq_action_set", "expiry action is "+action, nil)
		return nil
	})
}

// SetActiveTournament points the tenant's displays at a tournament by
// hand; zero clears it. Start and finish manage this automatically.
func (c *Coordinator) SetActiveTournament(ctx context.Context, tenantID, tournamentID int64, actor string) error {
	return c.run(ctx, tenantID, func() error {
		if tournamentID != 0 {
			if _, err := c.tournamentFor(tenantID, tournamentID); err != nil {
				return err
			}
		}
		if err := c.store.SetActiveTournament(tenantID, tournamentID); err != nil {
			return err
		}
		msg := "displays cleared"
		if tournamentID != 0 {
			msg = fmt.Sprintf("displays pointed at tournament %d", tournamentID)
		}
		c.journal.Append(tenantID, actor, "tournament_activated", msg, nil)
		return nil
	})
}
