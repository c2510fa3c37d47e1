// Package timers runs the deadline-driven side of the floor: DQ countdowns
// for summoned players and the sponsor display schedules. Everything takes
// an injected clock so tests drive time instead of sleeping.
package timers

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/bracketcast/bracketcast/internal/core/matchstore"
	"github.com/bracketcast/bracketcast/internal/events"
	"github.com/bracketcast/bracketcast/internal/fault"
	"github.com/bracketcast/bracketcast/internal/telemetry"
)

// DQ lifecycle phases, in order of a countdown that runs to the end.
const (
	PhaseStarted   = "started"
	PhaseWarning   = "warning"
	PhaseExpired   = "expired"
	PhaseExecuted  = "executed"
	PhaseCancelled = "cancelled"
	PhaseError     = "error"
)

// forfeitTimeout bounds the auto-DQ store write on expiry.
const forfeitTimeout = 10 * time.Second

// DQKey identifies one countdown. Restarting a countdown for the same
// player in the same match replaces the old one.
type DQKey struct {
	TournamentID  int64
	MatchID       int64
	ParticipantID int64
}

// DQStatus is the queryable view of a running countdown.
type DQStatus struct {
	TournamentID  int64     `json:"tournamentId"`
	MatchID       int64     `json:"matchId"`
	ParticipantID int64     `json:"participantId"`
	Participant   string    `json:"participant"`
	Station       string    `json:"station,omitempty"`
	StartedAt     time.Time `json:"startedAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
	RemainingSec  int       `json:"remainingSec"`
	Warned        bool      `json:"warned"`
}

// Forfeiter executes the auto-DQ when a countdown expires on a tenant
// configured for it. Implemented by the progression coordinator; kept as
// an interface so this package never imports it.
type Forfeiter interface {
	AutoForfeit(ctx context.Context, tenantID, matchID, participantID int64, reason string) error
}

// TenantDirectory resolves the tenant's configured expiry action.
type TenantDirectory interface {
	Tenant(id int64) (*matchstore.Tenant, error)
}

type dqTimer struct {
	key         DQKey
	tenantID    int64
	participant string
	station     string
	startedAt   time.Time
	expiresAt   time.Time
	warned      bool
	warnTimer   *clock.Timer
	expireTimer *clock.Timer
}

// DQScheduler owns every running countdown across tenants. Expiry claims
// the timer under the lock before side effects, so a cancel that loses the
// race is a clean no-op and the side effect runs at most once.
type DQScheduler struct {
	clk             clock.Clock
	bus             *events.Bus
	tenants         TenantDirectory
	defaultDuration time.Duration
	warnThreshold   time.Duration

	mu        sync.Mutex
	forfeiter Forfeiter
	active    map[DQKey]*dqTimer
}

func NewDQScheduler(clk clock.Clock, bus *events.Bus, tenants TenantDirectory, defaultDuration, warnThreshold time.Duration) *DQScheduler {
	return &DQScheduler{
		clk:             clk,
		bus:             bus,
		tenants:         tenants,
		defaultDuration: defaultDuration,
		warnThreshold:   warnThreshold,
		active:          make(map[DQKey]*dqTimer),
	}
}

// BindForfeiter wires the auto-DQ executor. Must be called before any
// countdown can expire; an unbound scheduler downgrades auto-DQ to notify.
func (s *DQScheduler) BindForfeiter(f Forfeiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forfeiter = f
}

// Start begins (or restarts) a countdown. A non-positive duration takes
// the process default. The warning fires warnThreshold before expiry when
// the countdown is long enough to have one.
func (s *DQScheduler) Start(tenantID int64, key DQKey, participant, station string, d time.Duration) (DQStatus, error) {
	if key.MatchID == 0 || key.ParticipantID == 0 {
		return DQStatus{}, fault.New(fault.BadInput, "dq timer needs a match and a participant")
	}
	if d <= 0 {
		d = s.defaultDuration
	}

	now := s.clk.Now()
	t := &dqTimer{
		key:         key,
		tenantID:    tenantID,
		participant: participant,
		station:     station,
		startedAt:   now,
		expiresAt:   now.Add(d),
	}

	s.mu.Lock()
	if prev, ok := s.active[key]; ok {
		prev.stopTimers()
		delete(s.active, key)
		s.mu.Unlock()
		s.publish(prev, PhaseCancelled, "", "replaced by a new countdown", 0)
		s.mu.Lock()
	}
	s.active[key] = t
	if d > s.warnThreshold && s.warnThreshold > 0 {
		t.warnTimer = s.clk.AfterFunc(d-s.warnThreshold, func() { s.fireWarning(key) })
	}
	t.expireTimer = s.clk.AfterFunc(d, func() { s.fireExpiry(key) })
	s.mu.Unlock()

	s.publish(t, PhaseStarted, "", "", int(d/time.Second))
	return t.status(now), nil
}

// Cancel stops a countdown. Idempotent: cancelling a countdown that
// already fired (or never existed) reports false and does nothing.
func (s *DQScheduler) Cancel(key DQKey, reason string) bool {
	s.mu.Lock()
	t, ok := s.active[key]
	if ok {
		t.stopTimers()
		delete(s.active, key)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	telemetry.Metrics.TimerCancels.Inc()
	s.publish(t, PhaseCancelled, "", reason, 0)
	return true
}

// CancelMatch stops every countdown attached to a match, for when its
// result lands while players were still being summoned.
func (s *DQScheduler) CancelMatch(tournamentID, matchID int64, reason string) int {
	s.mu.Lock()
	var victims []*dqTimer
	for key, t := range s.active {
		if key.TournamentID == tournamentID && key.MatchID == matchID {
			t.stopTimers()
			delete(s.active, key)
			victims = append(victims, t)
		}
	}
	s.mu.Unlock()

	for _, t := range victims {
		telemetry.Metrics.TimerCancels.Inc()
		s.publish(t, PhaseCancelled, "", reason, 0)
	}
	return len(victims)
}

// CancelTenant stops every countdown for a tenant (tournament reset,
// shutdown).
func (s *DQScheduler) CancelTenant(tenantID int64, reason string) int {
	s.mu.Lock()
	var victims []*dqTimer
	for key, t := range s.active {
		if t.tenantID == tenantID {
			t.stopTimers()
			delete(s.active, key)
			victims = append(victims, t)
		}
	}
	s.mu.Unlock()

	for _, t := range victims {
		telemetry.Metrics.TimerCancels.Inc()
		s.publish(t, PhaseCancelled, "", reason, 0)
	}
	return len(victims)
}

// List returns the tenant's running countdowns, soonest expiry first.
func (s *DQScheduler) List(tenantID int64) []DQStatus {
	now := s.clk.Now()
	s.mu.Lock()
	var out []DQStatus
	for _, t := range s.active {
		if t.tenantID == tenantID {
			out = append(out, t.status(now))
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(out[j].ExpiresAt)
		}
		return out[i].ParticipantID < out[j].ParticipantID
	})
	return out
}

// Shutdown silently drops every countdown.
func (s *DQScheduler) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, t := range s.active {
		t.stopTimers()
		delete(s.active, key)
	}
}

func (s *DQScheduler) fireWarning(key DQKey) {
	s.mu.Lock()
	t, ok := s.active[key]
	if ok {
		t.warned = true
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.publish(t, PhaseWarning, "", "", int(s.warnThreshold/time.Second))
}

// fireExpiry claims the countdown, then runs the tenant's configured
// action. The claim makes the side effect at-most-once: a Cancel arriving
// after the claim finds nothing and no-ops.
func (s *DQScheduler) fireExpiry(key DQKey) {
	s.mu.Lock()
	t, ok := s.active[key]
	if ok {
		delete(s.active, key)
	}
	forfeiter := s.forfeiter
	s.mu.Unlock()
	if !ok {
		return
	}

	telemetry.Metrics.TimerFires.Inc()

	action := matchstore.DQActionNotify
	if ten, err := s.tenants.Tenant(t.tenantID); err == nil && ten.AutoDQAction != "" {
		action = ten.AutoDQAction
	}
	if action == matchstore.DQActionAuto && forfeiter == nil {
		telemetry.Warnf("dq timer: tenant %d wants auto_dq but no forfeiter is bound, notifying instead", t.tenantID)
		action = matchstore.DQActionNotify
	}

	s.publish(t, PhaseExpired, action, "", 0)
	if action != matchstore.DQActionAuto {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), forfeitTimeout)
	defer cancel()
	if err := forfeiter.AutoForfeit(ctx, t.tenantID, key.MatchID, key.ParticipantID, "dq timer expired"); err != nil {
		telemetry.Errorf("dq timer: auto-DQ of %s in match %d failed: %v", t.participant, key.MatchID, err)
		s.publish(t, PhaseError, action, err.Error(), 0)
		return
	}
	s.publish(t, PhaseExecuted, action, "", 0)
}

func (s *DQScheduler) publish(t *dqTimer, phase, action, reason string, remainingSec int) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{
		ID:           uuid.NewString(),
		Type:         events.EventTimerLifecycle,
		TenantID:     t.tenantID,
		TournamentID: t.key.TournamentID,
		Timestamp:    s.clk.Now().UTC(),
		Payload: events.TimerUpdate{
			MatchID:      t.key.MatchID,
			Participant:  t.participant,
			Phase:        phase,
			Action:       action,
			RemainingSec: remainingSec,
			Reason:       reason,
		},
	})
}

func (t *dqTimer) stopTimers() {
	if t.warnTimer != nil {
		t.warnTimer.Stop()
	}
	if t.expireTimer != nil {
		t.expireTimer.Stop()
	}
}

func (t *dqTimer) status(now time.Time) DQStatus {
	remaining := int(t.expiresAt.Sub(now) / time.Second)
	if remaining < 0 {
		remaining = 0
	}
	return DQStatus{
		TournamentID:  t.key.TournamentID,
		MatchID:       t.key.MatchID,
		ParticipantID: t.key.ParticipantID,
		Participant:   t.participant,
		Station:       t.station,
		StartedAt:     t.startedAt,
		ExpiresAt:     t.expiresAt,
		RemainingSec:  remaining,
		Warned:        t.warned,
	}
}
