package bracket

import (
	"fmt"
	"math"

	"github.com/bracketcast/bracketcast/internal/fault"
)

// RecommendedSwissRounds is ceil(log2 N), enough rounds to separate an
// undefeated winner.
func RecommendedSwissRounds(n int) int {
	if n < 2 {
		return 0
	}
	return int(math.Ceil(math.Log2(float64(n))))
}

// SwissRounds resolves the configured round count.
func SwissRounds(n int, opts Options) int {
	if opts.SwissRounds > 0 {
		return opts.SwissRounds
	}
	return RecommendedSwissRounds(n)
}

// generateSwissRound1 pairs the top half against the bottom half by seed:
// seed i meets seed i+N/2. An odd field gives the lowest seed the bye.
func generateSwissRound1(seeded []Participant, opts Options) (*Graph, error) {
	g := &Graph{Format: Swiss, Seeding: seeded}
	b := newBuilder(g)

	h := len(seeded) / 2
	for i := 0; i < h; i++ {
		b.add(&Match{
			Identifier: fmt.Sprintf("S1-%d", i+1),
			Round:      1,
			Position:   i + 1,
			P1:         Slot{ParticipantID: seeded[i].ID},
			P2:         Slot{ParticipantID: seeded[i+h].ID},
		})
	}
	if len(seeded)%2 == 1 {
		last := seeded[len(seeded)-1]
		b.add(&Match{
			Identifier: fmt.Sprintf("S1-%d", h+1),
			Round:      1,
			Position:   h + 1,
			P1:         Slot{ParticipantID: last.ID},
			Bye:        true,
			WinnerID:   last.ID,
		})
	}

	b.finish()
	return g, nil
}

// NextSwissRound pairs the given round from completed results: score
// groups high to low, proximity pairing within a group, spilling into the
// next group when everyone in reach has been played, forced rematch as the
// last resort. An odd field byes the lowest-standing player who has not
// had one yet. Returned matches are numbered from TempID 1; callers keyed
// to store ids remap them on insert.
func NextSwissRound(participants []Participant, outcomes []Outcome, round int, opts Options) ([]*Match, error) {
	if round < 2 {
		return nil, fault.New(fault.BadInput, "swiss round %d is generated by Generate", round)
	}
	seeded := normalizeSeeds(participants)
	scores, byesHad, played := swissHistory(outcomes)
	ranked := swissRank(seeded, scores, outcomes)

	var matches []*Match
	pos := 0

	pool := make([]int64, len(ranked))
	for i, p := range ranked {
		pool[i] = p.ID
	}

	if len(pool)%2 == 1 {
		byeIdx := len(pool) - 1
		for i := len(pool) - 1; i >= 0; i-- {
			if !byesHad[pool[i]] {
				byeIdx = i
				break
			}
		}
		byeID := pool[byeIdx]
		pool = append(pool[:byeIdx], pool[byeIdx+1:]...)
		pos++
		matches = append(matches, &Match{
			TempID:     pos,
			Identifier: fmt.Sprintf("S%d-B", round),
			Round:      round,
			Position:   len(pool)/2 + 1,
			P1:         Slot{ParticipantID: byeID},
			Bye:        true,
			WinnerID:   byeID,
		})
	}

	pairs := pairAvoidingRematches(pool, played)
	for i, p := range pairs {
		pos++
		matches = append(matches, &Match{
			TempID:     pos,
			Identifier: fmt.Sprintf("S%d-%d", round, i+1),
			Round:      round,
			Position:   i + 1,
			P1:         Slot{ParticipantID: p[0]},
			P2:         Slot{ParticipantID: p[1]},
			PlayOrder:  i + 1,
		})
	}
	return matches, nil
}

// swissHistory digests outcomes into score, bye and opponent tables.
// Wins and byes are worth one point.
func swissHistory(outcomes []Outcome) (scores map[int64]float64, byes map[int64]bool, played map[[2]int64]bool) {
	scores = make(map[int64]float64)
	byes = make(map[int64]bool)
	played = make(map[[2]int64]bool)
	for _, o := range outcomes {
		if o.P2 == 0 {
			byes[o.P1] = true
			scores[o.P1]++
			continue
		}
		played[pairKey(o.P1, o.P2)] = true
		if o.WinnerID != 0 {
			scores[o.WinnerID]++
		}
	}
	return scores, byes, played
}

func pairKey(a, b int64) [2]int64 {
	if a > b {
		a, b = b, a
	}
	return [2]int64{a, b}
}

// swissRank orders players by score, then Buchholz, then seed.
func swissRank(seeded []Participant, scores map[int64]float64, outcomes []Outcome) []Participant {
	buch := buchholz(scores, outcomes)
	ranked := make([]Participant, len(seeded))
	copy(ranked, seeded)
	for i := 1; i < len(ranked); i++ {
		j := i
		for j > 0 && swissBetter(ranked[j], ranked[j-1], scores, buch) {
			ranked[j], ranked[j-1] = ranked[j-1], ranked[j]
			j--
		}
	}
	return ranked
}

func swissBetter(a, b Participant, scores map[int64]float64, buch map[int64]float64) bool {
	if scores[a.ID] != scores[b.ID] {
		return scores[a.ID] > scores[b.ID]
	}
	if buch[a.ID] != buch[b.ID] {
		return buch[a.ID] > buch[b.ID]
	}
	return a.Seed < b.Seed
}

// buchholz sums each player's opponents' scores. Byes add no opponent.
func buchholz(scores map[int64]float64, outcomes []Outcome) map[int64]float64 {
	buch := make(map[int64]float64)
	for _, o := range outcomes {
		if o.P2 == 0 {
			continue
		}
		buch[o.P1] += scores[o.P2]
		buch[o.P2] += scores[o.P1]
	}
	return buch
}

// pairAvoidingRematches finds a perfect matching with no repeated pairing
// if one exists, preferring partners nearest in standing. When no rematch-
// free matching exists, adjacent players are paired regardless.
//
// The backtracking search is exponential in the worst case; fields are
// small enough in practice that this never matters.
func pairAvoidingRematches(pool []int64, played map[[2]int64]bool) [][2]int64 {
	if perfect := pairBacktrack(pool, played); perfect != nil {
		return perfect
	}
	var pairs [][2]int64
	for i := 0; i+1 < len(pool); i += 2 {
		pairs = append(pairs, [2]int64{pool[i], pool[i+1]})
	}
	return pairs
}

func pairBacktrack(pool []int64, played map[[2]int64]bool) [][2]int64 {
	if len(pool) == 0 {
		return [][2]int64{}
	}
	a := pool[0]
	for i := 1; i < len(pool); i++ {
		b := pool[i]
		if played[pairKey(a, b)] {
			continue
		}
		rest := make([]int64, 0, len(pool)-2)
		rest = append(rest, pool[1:i]...)
		rest = append(rest, pool[i+1:]...)
		if sub := pairBacktrack(rest, played); sub != nil {
			return append([][2]int64{{a, b}}, sub...)
		}
	}
	return nil
}
