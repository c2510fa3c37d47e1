package timers

import (
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/bracketcast/bracketcast/internal/core/sponsor"
	"github.com/bracketcast/bracketcast/internal/events"
	"github.com/bracketcast/bracketcast/internal/telemetry"
)

// Sponsor display phases.
const (
	SponsorShow   = "show"
	SponsorHide   = "hide"
	SponsorRotate = "rotate"
)

// SponsorDefaults fill in config fields the operator left at zero.
type SponsorDefaults struct {
	RotationInterval time.Duration
	Transition       time.Duration
	Show             time.Duration
	Hide             time.Duration
}

type sponsorSchedule struct {
	stop    chan struct{}
	tickers []*clock.Ticker
	cycle   *clock.Timer
	wg      sync.WaitGroup
}

// SponsorScheduler turns a tenant's sponsor settings into timed display
// events: per-position rotation when a slot has something to rotate
// through, and an overall show/hide cycle when the tenant wants one.
// Apply rebuilds the tenant's schedule from the store, so callers just
// re-Apply after any settings change.
type SponsorScheduler struct {
	clk      clock.Clock
	bus      *events.Bus
	store    *sponsor.Store
	defaults SponsorDefaults

	rngMu sync.Mutex
	rng   *rand.Rand

	mu      sync.Mutex
	tenants map[int64]*sponsorSchedule
}

func NewSponsorScheduler(clk clock.Clock, bus *events.Bus, store *sponsor.Store, defaults SponsorDefaults) *SponsorScheduler {
	return &SponsorScheduler{
		clk:      clk,
		bus:      bus,
		store:    store,
		defaults: defaults,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		tenants:  make(map[int64]*sponsorSchedule),
	}
}

// Apply replaces the tenant's running schedule with one built from the
// current store state. It emits an immediate show (or a hide when the
// tenant has sponsors turned off) so displays converge without waiting
// for the first tick.
func (s *SponsorScheduler) Apply(tenantID int64) {
	s.mu.Lock()
	s.stopLocked(tenantID)

	st := s.store.Get(tenantID)
	if !st.Config.Enabled {
		s.mu.Unlock()
		s.publish(tenantID, events.SponsorDisplay{Phase: SponsorHide})
		return
	}

	sched := &sponsorSchedule{stop: make(chan struct{})}

	// Tickers are created here, not inside the goroutines, so the
	// schedule is fully armed by the time Apply returns.
	if st.Config.RotationEnabled {
		interval := s.rotationInterval(st.Config)
		for _, pos := range st.Positions() {
			if len(st.ActiveAt(pos)) < 2 {
				continue
			}
			tk := s.clk.Ticker(interval)
			sched.tickers = append(sched.tickers, tk)
			sched.wg.Add(1)
			go s.rotateLoop(tenantID, pos, tk, sched)
		}
	}
	if st.Config.CycleEnabled {
		sched.cycle = s.clk.Timer(s.showDuration(st.Config))
		sched.wg.Add(1)
		go s.cycleLoop(tenantID, sched)
	}

	s.tenants[tenantID] = sched
	s.mu.Unlock()

	s.publish(tenantID, events.SponsorDisplay{
		Phase:        SponsorShow,
		Items:        activeAssets(st),
		TransitionMs: s.transitionMs(st.Config),
	})
}

// Stop tears down the tenant's schedule without emitting anything.
func (s *SponsorScheduler) Stop(tenantID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(tenantID)
}

// Shutdown tears down every tenant schedule.
func (s *SponsorScheduler) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.tenants {
		s.stopLocked(id)
	}
}

func (s *SponsorScheduler) stopLocked(tenantID int64) {
	sched, ok := s.tenants[tenantID]
	if !ok {
		return
	}
	delete(s.tenants, tenantID)
	close(sched.stop)
	for _, tk := range sched.tickers {
		tk.Stop()
	}
	if sched.cycle != nil {
		sched.cycle.Stop()
	}
	sched.wg.Wait()
}

func (s *SponsorScheduler) rotateLoop(tenantID int64, position string, tk *clock.Ticker, sched *sponsorSchedule) {
	defer sched.wg.Done()
	for {
		select {
		case <-tk.C:
			s.rotate(tenantID, position)
		case <-sched.stop:
			return
		}
	}
}

func (s *SponsorScheduler) rotate(tenantID int64, position string) {
	s.rngMu.Lock()
	it, err := s.store.Advance(tenantID, position, s.rng)
	s.rngMu.Unlock()
	if err != nil {
		telemetry.Warnf("sponsor: rotate tenant %d position %s: %v", tenantID, position, err)
		return
	}
	telemetry.Metrics.SponsorRotates.Inc()

	st := s.store.Get(tenantID)
	cur := toAsset(it)
	s.publish(tenantID, events.SponsorDisplay{
		Phase:        SponsorRotate,
		Position:     position,
		Current:      &cur,
		Items:        assetSlice(st.ActiveAt(position)),
		TransitionMs: s.transitionMs(st.Config),
	})
}

// cycleLoop alternates hide and show. The initial show comes from Apply,
// so the first fire always hides.
func (s *SponsorScheduler) cycleLoop(tenantID int64, sched *sponsorSchedule) {
	defer sched.wg.Done()
	visible := true
	for {
		select {
		case <-sched.cycle.C:
			// Re-arm before publishing so the timer is never unarmed
			// while observers react to the event.
			st := s.store.Get(tenantID)
			if visible {
				visible = false
				sched.cycle.Reset(s.hideDuration(st.Config))
				s.publish(tenantID, events.SponsorDisplay{
					Phase:        SponsorHide,
					TransitionMs: s.transitionMs(st.Config),
				})
			} else {
				visible = true
				sched.cycle.Reset(s.showDuration(st.Config))
				s.publish(tenantID, events.SponsorDisplay{
					Phase:        SponsorShow,
					Items:        activeAssets(st),
					TransitionMs: s.transitionMs(st.Config),
				})
			}
		case <-sched.stop:
			return
		}
	}
}

func (s *SponsorScheduler) publish(tenantID int64, payload events.SponsorDisplay) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{
		ID:        uuid.NewString(),
		Type:      events.EventSponsorDisplay,
		TenantID:  tenantID,
		Timestamp: s.clk.Now().UTC(),
		Payload:   payload,
	})
}

func (s *SponsorScheduler) rotationInterval(cfg sponsor.Config) time.Duration {
	if cfg.RotationIntervalSec > 0 {
		return time.Duration(cfg.RotationIntervalSec) * time.Second
	}
	return s.defaults.RotationInterval
}

func (s *SponsorScheduler) transitionMs(cfg sponsor.Config) int {
	if cfg.TransitionMs > 0 {
		return cfg.TransitionMs
	}
	return int(s.defaults.Transition / time.Millisecond)
}

func (s *SponsorScheduler) showDuration(cfg sponsor.Config) time.Duration {
	if cfg.ShowSec > 0 {
		return time.Duration(cfg.ShowSec) * time.Second
	}
	return s.defaults.Show
}

func (s *SponsorScheduler) hideDuration(cfg sponsor.Config) time.Duration {
	if cfg.HideSec > 0 {
		return time.Duration(cfg.HideSec) * time.Second
	}
	return s.defaults.Hide
}

func toAsset(it sponsor.Item) events.SponsorAsset {
	return events.SponsorAsset{ID: it.ID, Name: it.Name, Image: it.Image, Position: it.Position}
}

func assetSlice(items []sponsor.Item) []events.SponsorAsset {
	out := make([]events.SponsorAsset, 0, len(items))
	for _, it := range items {
		out = append(out, toAsset(it))
	}
	return out
}

func activeAssets(st sponsor.State) []events.SponsorAsset {
	var out []events.SponsorAsset
	for _, pos := range st.Positions() {
		out = append(out, assetSlice(st.ActiveAt(pos))...)
	}
	return out
}
