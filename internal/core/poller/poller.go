// Package poller drives the push cycle: on every tick it rebuilds each
// active tenant's envelope from the store and hands it to the hub. The
// coordinator can also request an out-of-band rebuild after a command, so
// displays repaint without waiting out the interval.
package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/bracketcast/bracketcast/internal/core/matchstore"
	"github.com/bracketcast/bracketcast/internal/core/mediastate"
	"github.com/bracketcast/bracketcast/internal/core/snapshot"
	"github.com/bracketcast/bracketcast/internal/fault"
	"github.com/bracketcast/bracketcast/internal/telemetry"
)

const immediateQueue = 64

// Publisher receives finished envelopes. Satisfied by *fanout.Hub.
type Publisher interface {
	PublishEnvelope(env *snapshot.Envelope)
}

type target struct {
	tenantID     int64
	tournamentID int64
}

// Poller owns the scan loop. Two modes: the default multi-tenant scan
// polls every tenant whose active tournament is live; the single-tenant
// mode pins the loop to one tournament id and skips the tenant scan.
type Poller struct {
	store      *matchstore.Store
	cache      *mediastate.Cache
	hub        Publisher
	clk        clock.Clock
	interval   time.Duration
	staleAfter time.Duration

	pinnedTournamentID int64

	immediate chan int64
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup

	mu           sync.Mutex
	pinnedTenant int64
	finalDone    map[int64]int64 // tenant -> tournament whose completion push went out
}

func New(store *matchstore.Store, cache *mediastate.Cache, hub Publisher, clk clock.Clock, interval, staleAfter time.Duration, pinnedTournamentID int64) *Poller {
	return &Poller{
		store:              store,
		cache:              cache,
		hub:                hub,
		clk:                clk,
		interval:           interval,
		staleAfter:         staleAfter,
		pinnedTournamentID: pinnedTournamentID,
		immediate:          make(chan int64, immediateQueue),
		stopCh:             make(chan struct{}),
		finalDone:          make(map[int64]int64),
	}
}

// Start launches the scan loop. The ticker is armed here, before the
// goroutine runs, so a caller advancing a mock clock right after Start
// cannot miss the first interval.
func (p *Poller) Start() {
	ticker := p.clk.Ticker(p.interval)
	p.wg.Add(1)
	go p.loop(ticker)
	telemetry.Infof("poller: started  interval=%s  mode=%s", p.interval, p.mode())
}

func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

func (p *Poller) mode() string {
	if p.pinnedTournamentID != 0 {
		return fmt.Sprintf("single-tournament(%d)", p.pinnedTournamentID)
	}
	return "multi-tenant"
}

// RequestPoll queues an out-of-band rebuild of one tenant for the next
// scheduler wake-up. Non-blocking: when the queue is full the regular tick
// covers the tenant anyway. An explicit request also clears the tenant's
// completion latch, so a finished tournament can be re-pushed on demand.
func (p *Poller) RequestPoll(tenantID int64) {
	p.mu.Lock()
	delete(p.finalDone, tenantID)
	p.mu.Unlock()

	select {
	case p.immediate <- tenantID:
	default:
	}
}

func (p *Poller) loop(ticker *clock.Ticker) {
	defer p.wg.Done()
	defer ticker.Stop()

	p.scan()

	for {
		select {
		case <-ticker.C:
			p.scan()
		case tenantID := <-p.immediate:
			pending := map[int64]struct{}{tenantID: {}}
			for drained := false; !drained; {
				select {
				case id := <-p.immediate:
					pending[id] = struct{}{}
				default:
					drained = true
				}
			}
			p.pollRequested(pending)
		case <-p.stopCh:
			return
		}
	}
}

// scan polls the active set once. The next scan starts only after every
// tenant task from this one has finished.
func (p *Poller) scan() {
	if p.pinnedTournamentID != 0 {
		p.pollSet([]target{{tournamentID: p.pinnedTournamentID}})
		return
	}

	tenants, err := p.store.TenantsWithActiveTournament()
	if err != nil {
		telemetry.Metrics.PollErrors.Inc()
		telemetry.Warnf("poller: %v", fault.Wrap(fault.Transient, err, "scan active tenants"))
		return
	}
	telemetry.Metrics.ActiveTenants.Set(int64(len(tenants)))

	targets := make([]target, 0, len(tenants))
	for _, tn := range tenants {
		targets = append(targets, target{tenantID: tn.ID, tournamentID: tn.ActiveTournamentID})
	}
	p.pollSet(targets)
}

// pollRequested resolves immediate requests to their active tournaments
// and polls them as one barrier group.
func (p *Poller) pollRequested(tenantIDs map[int64]struct{}) {
	if p.pinnedTournamentID != 0 {
		p.scan()
		return
	}

	targets := make([]target, 0, len(tenantIDs))
	for id := range tenantIDs {
		tn, err := p.store.Tenant(id)
		if err != nil {
			telemetry.Metrics.PollErrors.Inc()
			telemetry.Warnf("poller: %v", fault.Wrap(fault.Transient, err, fmt.Sprintf("resolve tenant %d", id)))
			continue
		}
		if tn.ActiveTournamentID == 0 {
			continue
		}
		targets = append(targets, target{tenantID: id, tournamentID: tn.ActiveTournamentID})
	}
	p.pollSet(targets)
}

func (p *Poller) pollSet(targets []target) {
	if len(targets) == 0 {
		return
	}
	g, _ := errgroup.WithContext(context.Background())
	for _, tg := range targets {
		tg := tg
		g.Go(func() error { return p.pollOne(tg) })
	}
	if err := g.Wait(); err != nil {
		telemetry.Warnf("poller: tick degraded: %v", err)
	}
}

// pollOne rebuilds and pushes one tenant. A completed tournament gets
// exactly one final push (podium included), then the tenant goes quiet
// until a new tournament activates or a rebuild is requested.
func (p *Poller) pollOne(tg target) error {
	start := p.clk.Now()

	t, err := p.store.Tournament(tg.tournamentID)
	if err != nil {
		return p.serveCached(p.tenantFor(tg), err)
	}
	if tg.tenantID == 0 {
		tg.tenantID = t.TenantID
		p.mu.Lock()
		p.pinnedTenant = t.TenantID
		p.mu.Unlock()
	}

	if t.State == matchstore.TournamentComplete && p.finalPushed(tg.tenantID, t.ID) {
		return nil
	}

	env, err := snapshot.Build(p.store, t, p.clk.Now().UTC())
	if err != nil {
		return p.serveCached(tg.tenantID, err)
	}
	if err := p.cache.Save(tg.tenantID, env); err != nil {
		telemetry.Warnf("poller: %v", err)
	}
	p.hub.PublishEnvelope(env)
	telemetry.Metrics.PollLatency.Record(p.clk.Now().Sub(start))

	p.mu.Lock()
	if t.State == matchstore.TournamentComplete {
		p.finalDone[tg.tenantID] = t.ID
	} else {
		delete(p.finalDone, tg.tenantID)
	}
	p.mu.Unlock()
	return nil
}

// serveCached keeps displays painted through a store outage: push the last
// good envelope marked as a cache copy. The hash is cleared so the hub's
// dedup never swallows the degraded push.
func (p *Poller) serveCached(tenantID int64, cause error) error {
	telemetry.Metrics.PollErrors.Inc()
	err := fault.Wrap(fault.Transient, cause, fmt.Sprintf("poll tenant %d", tenantID))
	telemetry.Warnf("poller: %v", err)

	if tenantID == 0 {
		return err
	}
	if env, ok := p.cache.Serve(tenantID, p.staleAfter); ok {
		env.Hash = ""
		p.hub.PublishEnvelope(env)
	}
	return err
}

func (p *Poller) finalPushed(tenantID, tournamentID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finalDone[tenantID] == tournamentID
}

// tenantFor recovers the tenant id for a failed pinned-tournament load, so
// the cache fallback still knows whose envelope to serve.
func (p *Poller) tenantFor(tg target) int64 {
	if tg.tenantID != 0 {
		return tg.tenantID
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pinnedTenant
}
