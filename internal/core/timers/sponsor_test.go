package timers

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bracketcast/bracketcast/internal/core/sponsor"
	"github.com/bracketcast/bracketcast/internal/events"
	"github.com/bracketcast/bracketcast/internal/telemetry"
)

type displayLog struct {
	mu  sync.Mutex
	evs []events.SponsorDisplay
}

func (l *displayLog) record(e events.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evs = append(l.evs, e.Payload.(events.SponsorDisplay))
	return nil
}

func (l *displayLog) phases() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.evs))
	for _, e := range l.evs {
		out = append(out, e.Phase)
	}
	return out
}

func (l *displayLog) countPhase(phase string) int {
	n := 0
	for _, p := range l.phases() {
		if p == phase {
			n++
		}
	}
	return n
}

func (l *displayLog) lastRotate() events.SponsorDisplay {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.evs) - 1; i >= 0; i-- {
		if l.evs[i].Phase == SponsorRotate {
			return l.evs[i]
		}
	}
	return events.SponsorDisplay{}
}

func testDefaults() SponsorDefaults {
	return SponsorDefaults{
		RotationInterval: 30 * time.Second,
		Transition:       500 * time.Millisecond,
		Show:             20 * time.Second,
		Hide:             40 * time.Second,
	}
}

func newSponsorFixture(t *testing.T) (*SponsorScheduler, *sponsor.Store, *clock.Mock, *displayLog) {
	t.Helper()
	clk := clock.NewMock()
	bus := events.NewBus()
	log := &displayLog{}
	bus.Subscribe(events.EventSponsorDisplay, log.record)
	store := sponsor.NewStore(t.TempDir())
	sched := NewSponsorScheduler(clk, bus, store, testDefaults())
	t.Cleanup(sched.Shutdown)
	return sched, store, clk, log
}

func seedPair(t *testing.T, store *sponsor.Store, tenantID int64, position string) {
	t.Helper()
	_, err := store.UpsertItem(tenantID, sponsor.Item{Name: "Sponsor X", Image: "x.png", Position: position, Order: 1, Active: true})
	require.NoError(t, err)
	_, err = store.UpsertItem(tenantID, sponsor.Item{Name: "Sponsor Y", Image: "y.png", Position: position, Order: 2, Active: true})
	require.NoError(t, err)
}

func waitDisplay(t *testing.T, log *displayLog, phase string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return log.countPhase(phase) >= n },
		time.Second, 2*time.Millisecond, "waiting for %d %q events", n, phase)
}

func TestApplyEmitsImmediateShow(t *testing.T) {
	sched, store, _, log := newSponsorFixture(t)
	seedPair(t, store, 1, sponsor.PosTopLeft)
	_, err := store.SetConfig(1, sponsor.Config{Enabled: true})
	require.NoError(t, err)

	sched.Apply(1)

	require.Equal(t, []string{SponsorShow}, log.phases())
	log.mu.Lock()
	show := log.evs[0]
	log.mu.Unlock()
	assert.Len(t, show.Items, 2)
	assert.Equal(t, 500, show.TransitionMs)
}

func TestDisabledTenantIsToldToHide(t *testing.T) {
	sched, store, clk, log := newSponsorFixture(t)
	seedPair(t, store, 1, sponsor.PosTopLeft)

	sched.Apply(1)

	require.Equal(t, []string{SponsorHide}, log.phases())
	clk.Add(5 * time.Minute)
	assert.Zero(t, log.countPhase(SponsorRotate))
}

func TestRotationAdvancesAndWraps(t *testing.T) {
	sched, store, clk, log := newSponsorFixture(t)
	seedPair(t, store, 1, sponsor.PosTopLeft)
	_, err := store.SetConfig(1, sponsor.Config{
		Enabled:             true,
		RotationEnabled:     true,
		RotationOrder:       sponsor.OrderSequential,
		RotationIntervalSec: 30,
	})
	require.NoError(t, err)
	before := telemetry.Metrics.SponsorRotates.Value()

	sched.Apply(1)
	waitDisplay(t, log, SponsorShow, 1)

	clk.Add(30 * time.Second)
	waitDisplay(t, log, SponsorRotate, 1)
	first := log.lastRotate()
	require.NotNil(t, first.Current)
	assert.Equal(t, "Sponsor Y", first.Current.Name)
	assert.Equal(t, sponsor.PosTopLeft, first.Position)
	assert.Len(t, first.Items, 2)

	clk.Add(30 * time.Second)
	waitDisplay(t, log, SponsorRotate, 2)
	second := log.lastRotate()
	require.NotNil(t, second.Current)
	assert.Equal(t, "Sponsor X", second.Current.Name)

	assert.Equal(t, before+2, telemetry.Metrics.SponsorRotates.Value())
}

func TestLonePositionDoesNotRotate(t *testing.T) {
	sched, store, clk, log := newSponsorFixture(t)
	_, err := store.UpsertItem(1, sponsor.Item{Name: "Solo", Position: sponsor.PosTopRight, Order: 1, Active: true})
	require.NoError(t, err)
	_, err = store.SetConfig(1, sponsor.Config{
		Enabled:         true,
		RotationEnabled: true,
		RotationOrder:   sponsor.OrderSequential,
	})
	require.NoError(t, err)

	sched.Apply(1)
	clk.Add(5 * time.Minute)

	assert.Zero(t, log.countPhase(SponsorRotate))
}

func TestVisibilityCycleAlternates(t *testing.T) {
	sched, store, clk, log := newSponsorFixture(t)
	seedPair(t, store, 1, sponsor.PosBottomBanner)
	_, err := store.SetConfig(1, sponsor.Config{
		Enabled:      true,
		CycleEnabled: true,
		ShowSec:      20,
		HideSec:      40,
	})
	require.NoError(t, err)

	sched.Apply(1)
	waitDisplay(t, log, SponsorShow, 1)

	clk.Add(20 * time.Second)
	waitDisplay(t, log, SponsorHide, 1)

	clk.Add(40 * time.Second)
	waitDisplay(t, log, SponsorShow, 2)
	log.mu.Lock()
	reshow := log.evs[len(log.evs)-1]
	log.mu.Unlock()
	assert.Len(t, reshow.Items, 2)

	clk.Add(20 * time.Second)
	waitDisplay(t, log, SponsorHide, 2)
	assert.Equal(t, []string{SponsorShow, SponsorHide, SponsorShow, SponsorHide}, log.phases())
}

func TestApplyReplacesPreviousSchedule(t *testing.T) {
	sched, store, clk, log := newSponsorFixture(t)
	seedPair(t, store, 1, sponsor.PosTopLeft)
	_, err := store.SetConfig(1, sponsor.Config{
		Enabled:             true,
		RotationEnabled:     true,
		RotationOrder:       sponsor.OrderSequential,
		RotationIntervalSec: 30,
	})
	require.NoError(t, err)

	sched.Apply(1)
	clk.Add(30 * time.Second)
	waitDisplay(t, log, SponsorRotate, 1)

	// Re-apply: the old ticker must die with the old schedule.
	sched.Apply(1)
	clk.Add(30 * time.Second)
	waitDisplay(t, log, SponsorRotate, 2)
	assert.Equal(t, 2, log.countPhase(SponsorRotate))

	sched.Stop(1)
	clk.Add(2 * time.Minute)
	assert.Equal(t, 2, log.countPhase(SponsorRotate))
}

func TestConfigIntervalBeatsProcessDefault(t *testing.T) {
	sched, store, clk, log := newSponsorFixture(t)
	seedPair(t, store, 1, sponsor.PosTopLeft)
	_, err := store.SetConfig(1, sponsor.Config{
		Enabled:             true,
		RotationEnabled:     true,
		RotationOrder:       sponsor.OrderSequential,
		RotationIntervalSec: 10,
	})
	require.NoError(t, err)

	sched.Apply(1)
	clk.Add(10 * time.Second)
	waitDisplay(t, log, SponsorRotate, 1)
}

func TestTenantsScheduleIndependently(t *testing.T) {
	sched, store, clk, log := newSponsorFixture(t)
	seedPair(t, store, 1, sponsor.PosTopLeft)
	seedPair(t, store, 2, sponsor.PosTopRight)
	_, err := store.SetConfig(1, sponsor.Config{
		Enabled:             true,
		RotationEnabled:     true,
		RotationOrder:       sponsor.OrderSequential,
		RotationIntervalSec: 30,
	})
	require.NoError(t, err)
	_, err = store.SetConfig(2, sponsor.Config{Enabled: true})
	require.NoError(t, err)

	sched.Apply(1)
	sched.Apply(2)
	waitDisplay(t, log, SponsorShow, 2)

	clk.Add(30 * time.Second)
	waitDisplay(t, log, SponsorRotate, 1)
	assert.Equal(t, sponsor.PosTopLeft, log.lastRotate().Position)
}
