// Package governor owns the outbound budget. Every call that leaves the
// process for the organiser's upstream service is queued here, dispatched
// one at a time through the rate limiter of the current mode. Quiet days
// trickle, live brackets burst, and a misbehaving tenant can never starve
// the queue because there is exactly one.
package governor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gammazero/deque"
	"golang.org/x/time/rate"

	"github.com/bracketcast/bracketcast/internal/config"
	"github.com/bracketcast/bracketcast/internal/events"
	"github.com/bracketcast/bracketcast/internal/fault"
	"github.com/bracketcast/bracketcast/internal/telemetry"
	"github.com/google/uuid"
)

// Rate modes, cheapest first. Bypass is a pseudo-mode that skips the
// limiter entirely and expires on its own.
const (
	ModeIdle     = "idle"
	ModeUpcoming = "upcoming"
	ModeActive   = "active"
	ModeBypass   = "bypass"
)

// devBypassDuration caps how long a bypass can be forgotten about.
const devBypassDuration = 3 * time.Hour

// callTimeout bounds one dispatched call.
const callTimeout = 15 * time.Second

// Projection answers the two questions the mode recheck asks of the store.
type Projection interface {
	AnyUnderway() (bool, error)
	NextScheduled(after time.Time) (time.Time, bool, error)
}

type task struct {
	name string
	fn   func(context.Context) error
	done chan error
}

func (t *task) finish(err error) {
	t.done <- err
}

// Governor is the single outbound dispatcher. Tasks are strictly FIFO; a
// task abandoned before dispatch (shutdown) never consumes rate budget.
type Governor struct {
	rates   config.GovernorRates
	recheck time.Duration
	clk     clock.Clock
	bus     *events.Bus
	proj    Projection

	limiters map[string]*rate.Limiter

	mu          sync.Mutex
	queue       deque.Deque[*task]
	mode        string
	override    string
	bypassUntil time.Time
	bypassTimer *clock.Timer
	stopped     bool

	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	dispatchCtx context.Context
	cancel      context.CancelFunc
}

func New(rates config.GovernorRates, recheck time.Duration, proj Projection, bus *events.Bus, clk clock.Clock) *Governor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Governor{
		rates:   rates,
		recheck: recheck,
		clk:     clk,
		bus:     bus,
		proj:    proj,
		limiters: map[string]*rate.Limiter{
			ModeIdle:     rate.NewLimiter(rate.Limit(rates.Idle.RequestsPerSec), rates.Idle.Burst),
			ModeUpcoming: rate.NewLimiter(rate.Limit(rates.Upcoming.RequestsPerSec), rates.Upcoming.Burst),
			ModeActive:   rate.NewLimiter(rate.Limit(rates.Active.RequestsPerSec), rates.Active.Burst),
		},
		mode:        ModeIdle,
		wake:        make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
		dispatchCtx: ctx,
		cancel:      cancel,
	}
}

// Start launches the dispatcher and the periodic mode recheck.
func (g *Governor) Start() {
	g.Recheck()
	go g.dispatchLoop()
	go g.recheckLoop()
	telemetry.Infof("governor: started in %s mode (recheck every %s)", g.Mode(), g.recheck)
}

// Stop halts dispatch. Queued tasks complete immediately with an error and
// consume no budget.
func (g *Governor) Stop() {
	g.stopOnce.Do(func() {
		g.mu.Lock()
		g.stopped = true
		if g.bypassTimer != nil {
			g.bypassTimer.Stop()
		}
		g.mu.Unlock()

		g.cancel()
		close(g.stopCh)
		<-g.done

		g.mu.Lock()
		for g.queue.Len() > 0 {
			t := g.queue.PopFront()
			t.finish(fault.New(fault.Transient, "governor stopped before dispatching %s", t.name))
		}
		telemetry.Metrics.GovernorDepth.Set(0)
		g.mu.Unlock()
	})
}

// Submit queues one named outbound call. The returned channel delivers the
// call's error (or nil) exactly once; callers that fire and forget may
// drop it, the buffer never blocks the dispatcher.
func (g *Governor) Submit(name string, fn func(context.Context) error) <-chan error {
	t := &task{name: name, fn: fn, done: make(chan error, 1)}

	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		t.finish(fault.New(fault.Transient, "governor stopped, refusing %s", name))
		return t.done
	}
	g.queue.PushBack(t)
	depth := g.queue.Len()
	g.mu.Unlock()

	telemetry.Metrics.GovernorQueued.Inc()
	telemetry.Metrics.GovernorDepth.Set(int64(depth))
	select {
	case g.wake <- struct{}{}:
	default:
	}
	return t.done
}

// Depth reports how many tasks are waiting.
func (g *Governor) Depth() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.queue.Len()
}

// Mode returns the effective mode.
func (g *Governor) Mode() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mode
}

// SetOverride pins the mode until ClearOverride. Only real rate modes can
// be pinned; bypass has its own switch.
func (g *Governor) SetOverride(mode string) error {
	switch mode {
	case ModeIdle, ModeUpcoming, ModeActive:
	default:
		return fault.New(fault.BadInput, "governor mode must be idle, upcoming or active, got %q", mode)
	}
	g.mu.Lock()
	g.override = mode
	bypassed := !g.bypassUntil.IsZero()
	g.mu.Unlock()

	if !bypassed {
		g.setMode(mode, "override")
	}
	return nil
}

// ClearOverride hands control back to the projection.
func (g *Governor) ClearOverride() {
	g.mu.Lock()
	g.override = ""
	bypassed := !g.bypassUntil.IsZero()
	g.mu.Unlock()
	if !bypassed {
		g.Recheck()
	}
}

// Bypass suspends rate limiting, for load tests and venue dry-runs. A
// non-positive duration gets the default; the bypass always expires on its
// own so it cannot be left on overnight.
func (g *Governor) Bypass(d time.Duration) {
	if d <= 0 || d > devBypassDuration {
		d = devBypassDuration
	}
	g.mu.Lock()
	if g.bypassTimer != nil {
		g.bypassTimer.Stop()
	}
	g.bypassUntil = g.clk.Now().Add(d)
	g.bypassTimer = g.clk.AfterFunc(d, g.expireBypass)
	g.mu.Unlock()

	g.setMode(ModeBypass, "bypass")
}

// CancelBypass ends a bypass early.
func (g *Governor) CancelBypass() {
	g.expireBypass()
}

// BypassRemaining reports how long the bypass has left, zero when off.
func (g *Governor) BypassRemaining() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.bypassUntil.IsZero() {
		return 0
	}
	left := g.bypassUntil.Sub(g.clk.Now())
	if left < 0 {
		return 0
	}
	return left
}

func (g *Governor) expireBypass() {
	g.mu.Lock()
	if g.bypassUntil.IsZero() {
		g.mu.Unlock()
		return
	}
	g.bypassUntil = time.Time{}
	if g.bypassTimer != nil {
		g.bypassTimer.Stop()
		g.bypassTimer = nil
	}
	override := g.override
	g.mu.Unlock()

	if override != "" {
		g.setMode(override, "override")
		return
	}
	g.Recheck()
}

// Recheck recomputes the projected mode. Overrides and bypasses win; store
// errors keep the current mode rather than flapping.
func (g *Governor) Recheck() {
	g.mu.Lock()
	if g.override != "" || !g.bypassUntil.IsZero() {
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()

	g.setMode(g.project(), "projection")
}

func (g *Governor) project() string {
	underway, err := g.proj.AnyUnderway()
	if err != nil {
		telemetry.Warnf("governor: underway projection failed, keeping %s: %v", g.Mode(), err)
		return g.Mode()
	}
	if underway {
		return ModeActive
	}

	now := g.clk.Now()
	next, ok, err := g.proj.NextScheduled(now)
	if err != nil {
		telemetry.Warnf("governor: schedule projection failed, keeping %s: %v", g.Mode(), err)
		return g.Mode()
	}
	if ok && next.Sub(now) <= g.rates.UpcomingWindow() {
		return ModeUpcoming
	}
	return ModeIdle
}

func (g *Governor) setMode(mode, reason string) {
	g.mu.Lock()
	prev := g.mode
	if prev == mode {
		g.mu.Unlock()
		return
	}
	g.mode = mode
	g.mu.Unlock()

	telemetry.Infof("governor: mode %s -> %s (%s)", prev, mode, reason)
	if g.bus != nil {
		g.bus.Publish(events.Event{
			ID:        uuid.NewString(),
			Type:      events.EventGovernorMode,
			Timestamp: g.clk.Now().UTC(),
			Payload:   events.GovernorModeChange{Previous: prev, Current: mode, Reason: reason},
		})
	}
}

func (g *Governor) recheckLoop() {
	ticker := g.clk.Ticker(g.recheck)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.Recheck()
		case <-g.stopCh:
			return
		}
	}
}

// dispatchLoop pops tasks strictly in order. The limiter wait happens here
// so a queued task whose turn never comes costs nothing.
func (g *Governor) dispatchLoop() {
	defer close(g.done)
	for {
		t := g.pop()
		if t == nil {
			return
		}

		if lim := g.currentLimiter(); lim != nil {
			if err := lim.Wait(g.dispatchCtx); err != nil {
				t.finish(fault.Wrap(fault.Transient, err, fmt.Sprintf("governor stopped before dispatching %s", t.name)))
				continue
			}
		}

		telemetry.Metrics.GovernorDispatched.Inc()
		ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		err := t.fn(ctx)
		cancel()
		if err != nil {
			telemetry.Metrics.GovernorErrors.Inc()
			telemetry.Warnf("governor: %s failed: %v", t.name, err)
		}
		t.finish(err)
	}
}

func (g *Governor) pop() *task {
	for {
		g.mu.Lock()
		if g.queue.Len() > 0 {
			t := g.queue.PopFront()
			telemetry.Metrics.GovernorDepth.Set(int64(g.queue.Len()))
			g.mu.Unlock()
			return t
		}
		g.mu.Unlock()

		select {
		case <-g.wake:
		case <-g.stopCh:
			return nil
		}
	}
}

// currentLimiter returns nil during a bypass.
func (g *Governor) currentLimiter() *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.mode == ModeBypass {
		return nil
	}
	return g.limiters[g.mode]
}
