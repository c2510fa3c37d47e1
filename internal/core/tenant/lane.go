// Package tenant serialises every write touching one tenant's tournament
// state behind a single goroutine. Match results, station moves and bracket
// generation for a tenant never interleave; reads go straight to the store.
package tenant

import (
	"context"
	"fmt"
	"sync"

	"github.com/bracketcast/bracketcast/internal/fault"
	"github.com/bracketcast/bracketcast/internal/telemetry"
)

// Lane is the command queue for one tenant.
//
// All mutations are serialized through an inbox channel. One goroutine
// drains it, so a result report can never race the auto-assign pass or a
// bye cascade for the same tenant. Different tenants run on different
// lanes and proceed in parallel.
//
// Anything that wants to mutate tenant state hands a closure to Do (wait
// for the outcome) or Send (fire and forget). The closure runs on the
// lane's own goroutine.
type Lane struct {
	TenantID int64

	inbox chan func()
	quit  chan struct{}
	done  chan struct{}

	mu         sync.Mutex
	closed     bool
	quarantine string // reason, empty while healthy
}

func NewLane(tenantID int64) *Lane {
	l := &Lane{
		TenantID: tenantID,
		inbox:    make(chan func(), 256),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go l.run()
	return l
}

// run is the lane's event loop. All closures execute here, one at a time,
// on this single goroutine. On shutdown the backlog drains before the loop
// exits so every Do caller gets an answer.
func (l *Lane) run() {
	defer close(l.done)
	for {
		select {
		case fn := <-l.inbox:
			fn()
		case <-l.quit:
			for {
				select {
				case fn := <-l.inbox:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Do runs fn on the lane goroutine and waits for it to finish. The context
// bounds both the wait for a queue slot and the wait for the result; when
// it expires after enqueue the command still runs, the caller just stops
// waiting for it.
func (l *Lane) Do(ctx context.Context, fn func() error) error {
	if err := l.admit(); err != nil {
		return err
	}

	res := make(chan error, 1)
	select {
	case l.inbox <- func() { res <- fn() }:
	case <-l.quit:
		return fault.New(fault.Fatal, "tenant %d: lane is closed", l.TenantID)
	case <-ctx.Done():
		return fault.Wrap(fault.Transient, ctx.Err(), fmt.Sprintf("tenant %d: command queue full", l.TenantID))
	}

	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return fault.Wrap(fault.Transient, ctx.Err(), fmt.Sprintf("tenant %d: gave up waiting for command", l.TenantID))
	}
}

// Send enqueues a closure without waiting for it to run. Non-blocking:
// when the inbox is full the closure is dropped and a warning logged, so a
// wedged tenant cannot back-pressure timers or the poller.
func (l *Lane) Send(fn func()) {
	if l.admit() != nil {
		return
	}
	select {
	case l.inbox <- fn:
	default:
		telemetry.Metrics.LaneOverflows.Inc()
		telemetry.Warnf("tenant %d: lane inbox full (cap=%d), dropping task", l.TenantID, cap(l.inbox))
	}
}

func (l *Lane) admit() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fault.New(fault.Fatal, "tenant %d: lane is closed", l.TenantID)
	}
	if l.quarantine != "" {
		return fault.New(fault.Fatal, "tenant %d: lane quarantined: %s", l.TenantID, l.quarantine)
	}
	return nil
}

// Quarantine wedges the lane after a fatal fault. Work already queued
// still drains; new commands are refused with Fatal until an operator
// calls ClearQuarantine.
func (l *Lane) Quarantine(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.quarantine == "" {
		telemetry.Metrics.LanesQuarantined.Inc()
		telemetry.Errorf("tenant %d: lane quarantined: %s", l.TenantID, reason)
	}
	l.quarantine = reason
}

// ClearQuarantine reopens the lane for commands.
func (l *Lane) ClearQuarantine() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.quarantine == "" {
		return
	}
	telemetry.Metrics.LanesQuarantined.Dec()
	telemetry.Infof("tenant %d: lane quarantine cleared", l.TenantID)
	l.quarantine = ""
}

// Quarantined reports the quarantine reason, if any.
func (l *Lane) Quarantined() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.quarantine, l.quarantine != ""
}

// Close stops the lane after draining whatever is already queued. Safe to
// call more than once.
func (l *Lane) Close() {
	l.mu.Lock()
	already := l.closed
	l.closed = true
	l.mu.Unlock()

	if !already {
		close(l.quit)
	}
	<-l.done
}
