package bracket

import (
	"sort"

	"github.com/bracketcast/bracketcast/internal/fault"
)

// Lobby is one free-for-all heat: a group of participants who play at once
// and report a placement order. Lobbies never enter the match table; they
// live in the tournament's format-state blob.
type Lobby struct {
	Round        int     `json:"round"`
	Index        int     `json:"index"` // 1-based within the round
	Participants []int64 `json:"participants"`
	// Placements holds participant ids in finishing order once reported.
	Placements []int64 `json:"placements,omitempty"`
	Complete   bool    `json:"complete,omitempty"`
}

// f1Points is the classic trickle-down table for placements 1..10.
var f1Points = []int{25, 18, 15, 12, 10, 8, 6, 4, 2, 1}

// FFAPoints maps a 1-based placement in a lobby of the given size to
// points under the configured system.
func FFAPoints(placement, lobbySize int, opts Options) int {
	if placement < 1 || placement > lobbySize {
		return 0
	}
	switch opts.Points {
	case PointsLinear:
		return lobbySize - placement + 1
	case PointsWinnerTakeAll:
		if placement == 1 {
			return 1
		}
		return 0
	case PointsCustom:
		if placement <= len(opts.PointsTable) {
			return opts.PointsTable[placement-1]
		}
		return 0
	default: // F1
		if placement <= len(f1Points) {
			return f1Points[placement-1]
		}
		return 0
	}
}

// FFARound splits the entrants into lobbies of at most lobbyMaxSize,
// serpentine by the given order (seed order for round 1, standings order
// afterwards) so the strongest players spread across lobbies.
func FFARound(ordered []Participant, round int, opts Options) ([]*Lobby, error) {
	maxSize := opts.LobbyMaxSize
	if maxSize < 2 {
		maxSize = 8
	}
	n := len(ordered)
	if n < 2 {
		return nil, fault.New(fault.BadInput, "free-for-all round %d needs at least 2 participants, got %d", round, n)
	}

	count := (n + maxSize - 1) / maxSize
	lobbies := make([]*Lobby, count)
	for i := range lobbies {
		lobbies[i] = &Lobby{Round: round, Index: i + 1}
	}
	for i, p := range ordered {
		lap := i / count
		k := i % count
		if lap%2 == 1 {
			k = count - 1 - k
		}
		lobbies[k].Participants = append(lobbies[k].Participants, p.ID)
	}
	return lobbies, nil
}

// FFARoundComplete reports whether every lobby of the given round has a
// result. Round N+1 may only be generated once this holds for round N.
func FFARoundComplete(lobbies []*Lobby, round int) bool {
	found := false
	for _, l := range lobbies {
		if l.Round != round {
			continue
		}
		found = true
		if !l.Complete {
			return false
		}
	}
	return found
}

// FFAAdvancers returns the entrants for the next round: the top
// lobbyAdvance finishers of each completed lobby in the given round,
// ordered by the current standings. A zero advance count carries everyone
// forward.
func FFAAdvancers(participants []Participant, lobbies []*Lobby, round int, opts Options) []Participant {
	keep := make(map[int64]bool)
	for _, l := range lobbies {
		if l.Round != round || !l.Complete {
			continue
		}
		cut := opts.LobbyAdvance
		if cut <= 0 || cut > len(l.Placements) {
			cut = len(l.Placements)
		}
		for _, id := range l.Placements[:cut] {
			keep[id] = true
		}
	}

	rows := FFAStandings(participants, lobbies, opts)
	var out []Participant
	for _, r := range rows {
		if keep[r.ParticipantID] {
			out = append(out, Participant{ID: r.ParticipantID, Name: r.Name, Seed: len(out) + 1})
		}
	}
	return out
}

// FFAStandings totals points across every completed lobby and sorts by
// points, wins, podiums, average placement, best placement, then seed.
func FFAStandings(participants []Participant, lobbies []*Lobby, opts Options) []Row {
	seeded := normalizeSeeds(participants)
	rows := make([]Row, len(seeded))
	idx := make(map[int64]int, len(seeded))
	for i, p := range seeded {
		rows[i] = Row{ParticipantID: p.ID, Name: p.Name, seed: p.Seed, BestPlacement: 0}
		idx[p.ID] = i
	}

	placeSum := make([]int, len(seeded))
	for _, l := range lobbies {
		if !l.Complete {
			continue
		}
		size := len(l.Placements)
		for pi, id := range l.Placements {
			i, ok := idx[id]
			if !ok {
				continue
			}
			placement := pi + 1
			rows[i].Played++
			rows[i].Points += float64(FFAPoints(placement, size, opts))
			placeSum[i] += placement
			if placement == 1 {
				rows[i].Wins++
			}
			if placement <= 3 {
				rows[i].Podiums++
			}
			if rows[i].BestPlacement == 0 || placement < rows[i].BestPlacement {
				rows[i].BestPlacement = placement
			}
		}
	}
	for i := range rows {
		if rows[i].Played > 0 {
			rows[i].AvgPlacement = float64(placeSum[i]) / float64(rows[i].Played)
		}
	}

	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Points != b.Points {
			return a.Points > b.Points
		}
		if a.Wins != b.Wins {
			return a.Wins > b.Wins
		}
		if a.Podiums != b.Podiums {
			return a.Podiums > b.Podiums
		}
		if a.AvgPlacement != b.AvgPlacement {
			// unplayed entrants (0 average) sort below anyone with results
			if a.AvgPlacement == 0 || b.AvgPlacement == 0 {
				return b.AvgPlacement == 0
			}
			return a.AvgPlacement < b.AvgPlacement
		}
		if a.BestPlacement != b.BestPlacement {
			if a.BestPlacement == 0 || b.BestPlacement == 0 {
				return b.BestPlacement == 0
			}
			return a.BestPlacement < b.BestPlacement
		}
		return a.seed < b.seed
	})
	assignRanks(rows, func(a, b Row) bool {
		return a.Points == b.Points && a.Wins == b.Wins && a.Podiums == b.Podiums &&
			a.AvgPlacement == b.AvgPlacement && a.BestPlacement == b.BestPlacement
	})
	return rows
}
