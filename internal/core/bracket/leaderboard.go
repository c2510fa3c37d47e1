package bracket

import (
	"math"
	"sort"
	"time"
)

// LeaderboardEvent is one scored occasion in a rolling leaderboard.
// Placements holds participant ids in finishing order (index 0 won).
type LeaderboardEvent struct {
	Name       string    `json:"name"`
	At         time.Time `json:"at"`
	Placements []int64   `json:"placements"`
}

const (
	eloBase = 1000.0
	eloK    = 32.0
)

// LeaderboardStandings scores an event log under the configured mode.
//
// points: each event pays out through the points system, scaled by the
// decay factor per elapsed decay period. wins: first places, same decay.
// elo: every event is treated as a win/draw/loss against the field median
// placement; decay does not apply to ratings.
//
// Entrants with fewer than MinEvents appearances keep their numbers but
// rank below everyone eligible.
func LeaderboardStandings(participants []Participant, log []LeaderboardEvent, now time.Time, opts Options) []Row {
	seeded := normalizeSeeds(participants)
	rows := make([]Row, len(seeded))
	idx := make(map[int64]int, len(seeded))
	for i, p := range seeded {
		rows[i] = Row{ParticipantID: p.ID, Name: p.Name, seed: p.Seed, Rating: eloBase}
		idx[p.ID] = i
	}

	for _, ev := range log {
		weight := decayWeight(ev.At, now, opts)
		n := len(ev.Placements)

		if opts.Scoring == ScoreELO {
			applyELO(rows, idx, ev)
		}

		for pi, id := range ev.Placements {
			i, ok := idx[id]
			if !ok {
				continue
			}
			placement := pi + 1
			rows[i].Events++
			switch opts.Scoring {
			case ScoreWins:
				if placement == 1 {
					rows[i].Points += weight
					rows[i].Wins++
				}
			case ScoreELO:
				// rating moved in applyELO; Points mirrors it for sorting
			default: // points
				rows[i].Points += float64(FFAPoints(placement, n, opts)) * weight
				if placement == 1 {
					rows[i].Wins++
				}
			}
		}
	}

	for i := range rows {
		rows[i].Eligible = rows[i].Events >= opts.MinEvents
		if opts.Scoring == ScoreELO {
			rows[i].Points = rows[i].Rating
		}
	}

	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Eligible != b.Eligible {
			return a.Eligible
		}
		if a.Points != b.Points {
			return a.Points > b.Points
		}
		if a.Wins != b.Wins {
			return a.Wins > b.Wins
		}
		if a.Events != b.Events {
			return a.Events > b.Events
		}
		return a.seed < b.seed
	})
	assignRanks(rows, func(a, b Row) bool {
		return a.Eligible == b.Eligible && a.Points == b.Points &&
			a.Wins == b.Wins && a.Events == b.Events
	})
	return rows
}

// applyELO updates ratings for one event. A placement above the field
// median counts as a win, below as a loss, exactly on it as a draw; the
// expected score compares each rating against the event's average.
func applyELO(rows []Row, idx map[int64]int, ev LeaderboardEvent) {
	n := len(ev.Placements)
	if n < 2 {
		return
	}
	median := float64(n+1) / 2

	var sum float64
	var present int
	for _, id := range ev.Placements {
		if i, ok := idx[id]; ok {
			sum += rows[i].Rating
			present++
		}
	}
	if present < 2 {
		return
	}

	for pi, id := range ev.Placements {
		i, ok := idx[id]
		if !ok {
			continue
		}
		placement := float64(pi + 1)
		var actual float64
		switch {
		case placement < median:
			actual = 1
		case placement > median:
			actual = 0
		default:
			actual = 0.5
		}
		opp := (sum - rows[i].Rating) / float64(present-1)
		expected := 1 / (1 + math.Pow(10, (opp-rows[i].Rating)/400))
		rows[i].Rating += eloK * (actual - expected)
	}
}

// decayWeight discounts an event by DecayFactor for every whole decay
// period between the event and now. No factor or period means no decay.
func decayWeight(at, now time.Time, opts Options) float64 {
	if opts.DecayFactor <= 0 || opts.DecayFactor >= 1 || opts.DecayDays <= 0 || at.IsZero() {
		return 1
	}
	period := time.Duration(opts.DecayDays) * 24 * time.Hour
	elapsed := now.Sub(at)
	if elapsed <= 0 {
		return 1
	}
	return math.Pow(opts.DecayFactor, float64(elapsed/period))
}
