package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/bracketcast/bracketcast/internal/adapters/outbound/signage"
	"github.com/bracketcast/bracketcast/internal/adapters/outbound/upstream"
	"github.com/bracketcast/bracketcast/internal/config"
	"github.com/bracketcast/bracketcast/internal/core/coordinator"
	"github.com/bracketcast/bracketcast/internal/core/governor"
	"github.com/bracketcast/bracketcast/internal/core/journal"
	"github.com/bracketcast/bracketcast/internal/core/matchstore"
	"github.com/bracketcast/bracketcast/internal/core/mediastate"
	"github.com/bracketcast/bracketcast/internal/core/poller"
	"github.com/bracketcast/bracketcast/internal/core/sponsor"
	"github.com/bracketcast/bracketcast/internal/core/tenant"
	"github.com/bracketcast/bracketcast/internal/core/timers"
	"github.com/bracketcast/bracketcast/internal/events"
	"github.com/bracketcast/bracketcast/internal/fanout"
	"github.com/bracketcast/bracketcast/internal/telemetry"
)

func main() {
	cfg := config.Load()
	telemetry.Init(cfg.LogLevel)
	telemetry.Infof("Starting bracketcast")

	clk := clock.New()
	bus := events.NewBus()

	// ── Storage ─────────────────────────────────────────────────
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		telemetry.Errorf("Data dir: %v", err)
		os.Exit(1)
	}
	store, err := matchstore.Open(cfg.DBPath)
	if err != nil {
		telemetry.Errorf("Match store: %v", err)
		os.Exit(1)
	}

	jnl := journal.New(cfg.DataDir, bus)
	jnl.BindBus(bus)

	cache, err := mediastate.New(cfg.DataDir, clk)
	if err != nil {
		telemetry.Errorf("Media state: %v", err)
		os.Exit(1)
	}
	spStore := sponsor.NewStore(cfg.DataDir)

	// ── Upstream mirror + governor ──────────────────────────────
	rates, err := config.LoadGovernorRates(cfg.GovernorRatesPath)
	if err != nil {
		telemetry.Errorf("Governor rates: %v", err)
		os.Exit(1)
	}
	mirror := upstream.New(cfg.UpstreamBaseURL, cfg.UpstreamAPIKey)
	if mirror.Enabled() {
		telemetry.Infof("Upstream mirror on %q", cfg.UpstreamBaseURL)
	} else {
		telemetry.Infof("Upstream mirror disabled, results stay local")
	}
	gov := governor.New(rates, cfg.GovernorRecheck, store, bus, clk)
	gov.Start()

	// ── Push fabric ─────────────────────────────────────────────
	sideChannels := signage.New(map[string]string{
		"match":   cfg.DisplayMatchURL,
		"bracket": cfg.DisplayBracketURL,
		"flyer":   cfg.DisplayFlyerURL,
	}, cfg.SideChannelTimeout)
	hub := fanout.NewHub(clk, sideChannels, cfg.FallbackDelay)
	hub.BindBus(bus)

	// ── Timers ──────────────────────────────────────────────────
	dq := timers.NewDQScheduler(clk, bus, store, cfg.DQDefaultDuration, cfg.DQWarningThreshold)
	sponsors := timers.NewSponsorScheduler(clk, bus, spStore, timers.SponsorDefaults{
		RotationInterval: cfg.SponsorRotationInterval,
		Transition:       cfg.SponsorTransition,
		Show:             cfg.SponsorShowDuration,
		Hide:             cfg.SponsorHideDuration,
	})
	resumeSponsorSchedules(store, spStore, sponsors)

	// ── Coordinator + poller ────────────────────────────────────
	lanes := tenant.NewRegistry()
	pl := poller.New(store, cache, hub, clk, cfg.PollInterval, cfg.StaleThreshold, cfg.SingleTenantTournamentID)
	coord := coordinator.New(coordinator.Deps{
		Store:        store,
		Lanes:        lanes,
		Bus:          bus,
		Journal:      jnl,
		Poller:       pl,
		DQ:           dq,
		Sponsors:     sponsors,
		SponsorStore: spStore,
		Governor:     gov,
		Upstream:     mirror,
	})
	dq.BindForfeiter(coord)
	pl.Start()

	// ── HTTP surface ────────────────────────────────────────────
	addr := fmt.Sprintf("%s:%d", cfg.HTTPHost, cfg.HTTPPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      fanout.Router(hub, cache, jnl, cfg.StaleThreshold),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			telemetry.Errorf("HTTP server: %v", err)
			os.Exit(1)
		}
	}()
	telemetry.Infof("Displays listening on %q", addr)

	// ── Shutdown ────────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	telemetry.Infof("Shutting down...")

	// Order matters: stop taking commands, stop the poller, cancel
	// timers, flush the journal, close the fabric, close the store.
	lanes.Close()
	pl.Stop()
	dq.Shutdown()
	sponsors.Shutdown()
	gov.Stop()
	if err := jnl.Close(); err != nil {
		telemetry.Warnf("Journal close: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)
	hub.Shutdown()

	if err := store.Close(); err != nil {
		telemetry.Warnf("Match store close: %v", err)
	}

	telemetry.Infof("Shutdown complete  %s", telemetry.Summary())
}

// resumeSponsorSchedules re-arms rotation for tenants that had sponsor
// display enabled before the restart. Tenants with it off are skipped so
// boot does not blast hide frames at every room.
func resumeSponsorSchedules(store *matchstore.Store, spStore *sponsor.Store, sched *timers.SponsorScheduler) {
	tenants, err := store.Tenants()
	if err != nil {
		telemetry.Warnf("Sponsor resume: list tenants: %v", err)
		return
	}
	resumed := 0
	for _, t := range tenants {
		if spStore.Get(t.ID).Config.Enabled {
			sched.Apply(t.ID)
			resumed++
		}
	}
	if resumed > 0 {
		telemetry.Infof("Sponsor schedules resumed for %d tenants", resumed)
	}
}
