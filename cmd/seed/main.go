package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/bracketcast/bracketcast/internal/core/bracket"
	"github.com/bracketcast/bracketcast/internal/core/coordinator"
	"github.com/bracketcast/bracketcast/internal/core/journal"
	"github.com/bracketcast/bracketcast/internal/core/matchstore"
	"github.com/bracketcast/bracketcast/internal/core/tenant"
)

// Seeds a demo tenant through the real command path, so the activity feed
// and bracket state look exactly like an operator built them by hand.

var tagPool = []string{
	"PixelQueen", "WaveDash", "NullPointer", "Kombucha", "SideBracket",
	"LagSpike", "TopDeck", "QuarterMuncher", "FrameTrap", "SaltMine",
	"PogChamp", "RematchPls", "CoinDrop", "TechRoll", "HitboxHero",
	"CloudNine", "EdgeGuard", "ComboVideo", "LowTier", "BracketDemon",
	"WarmupLobby", "FreeWin", "RageQuit", "LastStock",
}

func main() {
	dataDir := flag.String("data", "./data", "data directory shared with bracketcastd")
	tenantName := flag.String("tenant", "Demo Hall", "tenant name")
	slug := flag.String("slug", "", "tenant slug (default: derived from the name)")
	tourneyName := flag.String("tournament", "Saturday Showdown", "tournament name")
	format := flag.String("format", "single_elimination", "tournament format")
	count := flag.Int("participants", 8, "number of participants")
	stations := flag.Int("stations", 2, "number of stations")
	start := flag.Bool("start", true, "generate the bracket and open play")
	in := flag.Duration("in", 0, "schedule the start this far in the future")
	flag.Parse()

	f, err := bracket.ParseFormat(*format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if *slug == "" {
		*slug = slugify(*tenantName)
	}

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "data dir: %v\n", err)
		os.Exit(1)
	}
	store, err := matchstore.Open(filepath.Join(*dataDir, "bracketcast.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	jnl := journal.New(*dataDir, nil)
	defer jnl.Close()
	lanes := tenant.NewRegistry()
	defer lanes.Close()

	coord := coordinator.New(coordinator.Deps{
		Store:   store,
		Lanes:   lanes,
		Journal: jnl,
		Poller:  noPoller{},
	})

	ctx := context.Background()
	const actor = "seed"

	tn, err := coord.CreateTenant(*tenantName, *slug, actor)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create tenant: %v\n", err)
		os.Exit(1)
	}

	t, err := coord.CreateTournament(ctx, tn.ID, *tourneyName, slugify(*tourneyName), f, optionsFor(f, *count), actor)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create tournament: %v\n", err)
		os.Exit(1)
	}

	for i := 0; i < *count; i++ {
		if _, err := coord.AddParticipant(ctx, tn.ID, t.ID, tagFor(i), i+1, actor); err != nil {
			fmt.Fprintf(os.Stderr, "add participant: %v\n", err)
			os.Exit(1)
		}
	}
	for i := 0; i < *stations; i++ {
		if _, err := coord.AddStation(ctx, tn.ID, fmt.Sprintf("Station %d", i+1), actor); err != nil {
			fmt.Fprintf(os.Stderr, "add station: %v\n", err)
			os.Exit(1)
		}
	}

	var startsAt time.Time
	if *in > 0 {
		startsAt = time.Now().UTC().Add(*in)
		if err := coord.ScheduleTournament(ctx, tn.ID, t.ID, startsAt, actor); err != nil {
			fmt.Fprintf(os.Stderr, "schedule: %v\n", err)
			os.Exit(1)
		}
	}

	if *start {
		// Leaderboards take events instead of a bracket; everything else
		// gets its first round on disk before play opens.
		if f != bracket.Leaderboard {
			if err := coord.GenerateBracket(ctx, tn.ID, t.ID, actor); err != nil {
				fmt.Fprintf(os.Stderr, "generate bracket: %v\n", err)
				os.Exit(1)
			}
		}
		if err := coord.StartTournament(ctx, tn.ID, t.ID, actor); err != nil {
			fmt.Fprintf(os.Stderr, "start tournament: %v\n", err)
			os.Exit(1)
		}
	}

	printSummary(store, tn, t, startsAt)
}

type noPoller struct{}

func (noPoller) RequestPoll(int64) {}

func optionsFor(f bracket.Format, n int) bracket.Options {
	switch f {
	case bracket.TwoStage:
		groups := 2
		if n >= 16 {
			groups = 4
		}
		return bracket.Options{GroupCount: groups, GroupAdvance: 2}
	case bracket.FreeForAll:
		return bracket.Options{LobbyMaxSize: 4, LobbyAdvance: 2}
	default:
		return bracket.Options{}
	}
}

func tagFor(i int) string {
	if i < len(tagPool) {
		return tagPool[i]
	}
	return fmt.Sprintf("Challenger %02d", i+1)
}

func slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	dash := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

func printSummary(store *matchstore.Store, tn *matchstore.Tenant, t *matchstore.Tournament, startsAt time.Time) {
	fresh, err := store.Tournament(t.ID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reload tournament: %v\n", err)
		os.Exit(1)
	}
	parts, _ := store.Participants(t.ID)
	matches, _ := store.Matches(t.ID, matchstore.MatchFilter{})
	stations, _ := store.Stations(tn.ID)

	names := make(map[int64]string, len(parts))
	for _, p := range parts {
		names[p.ID] = p.Name
	}

	fmt.Printf("=== %s ===\n", tn.Name)
	fmt.Printf("Tenant %d (%s)  tournament %d %q  format=%s  state=%s\n",
		tn.ID, tn.Slug, fresh.ID, fresh.Name, fresh.Format, fresh.State)
	fmt.Printf("%d participants, %d stations, %d matches\n", len(parts), len(stations), len(matches))
	if !startsAt.IsZero() {
		fmt.Printf("Scheduled to start %s (%s)\n",
			humanize.Time(startsAt), startsAt.Format("2006-01-02 15:04 MST"))
	}

	if len(parts) > 0 {
		top := parts
		if len(top) > 4 {
			top = top[:4]
		}
		var seeds []string
		for _, p := range top {
			seeds = append(seeds, fmt.Sprintf("%s (%s seed)", p.Name, humanize.Ordinal(p.Seed)))
		}
		fmt.Printf("Top seeds: %s\n", strings.Join(seeds, ", "))
	}

	if len(matches) == 0 {
		return
	}
	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "round\tmatch\tplayers")
	for _, m := range matches {
		fmt.Fprintf(w, "%d\t%s\t%s vs %s\n", m.Round, m.Identifier, sideName(names, m.P1ID), sideName(names, m.P2ID))
	}
	w.Flush()
}

func sideName(names map[int64]string, id int64) string {
	if id == 0 {
		return "TBD"
	}
	if n, ok := names[id]; ok {
		return n
	}
	return fmt.Sprintf("#%d", id)
}
