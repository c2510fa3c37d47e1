package bracket

// MatchState is the engine's read-back view of a played (or pending) match.
// Ranks and visualization consume these instead of store rows so the
// package stays free of persistence types.
type MatchState struct {
	ID          int64  `json:"id"`
	Identifier  string `json:"identifier"`
	Round       int    `json:"round"`
	Position    int    `json:"position"`
	Stage       int    `json:"stage,omitempty"`
	Group       int    `json:"group,omitempty"`
	P1          int64  `json:"p1,omitempty"`
	P2          int64  `json:"p2,omitempty"`
	P1Score     int    `json:"p1Score,omitempty"`
	P2Score     int    `json:"p2Score,omitempty"`
	WinnerID    int64  `json:"winnerId,omitempty"`
	LoserID     int64  `json:"loserId,omitempty"`
	State       string `json:"state"` // pending, open, underway, complete
	Bye         bool   `json:"bye,omitempty"`
	GrandFinal  bool   `json:"grandFinal,omitempty"`
	Conditional bool   `json:"conditional,omitempty"`
}

func (m MatchState) complete() bool { return m.State == "complete" }

// EliminationRanks places every eliminated participant (and the champion)
// of a single- or double-elimination bracket. Participants still alive in
// an unfinished bracket are absent from the map.
//
// Single elimination: the champion ranks 1, the finalist 2, and a loss in
// round r of an R-round bracket ranks 2^(R-r)+1, so both semi-final losers
// share third unless a third-place match settles it. Double elimination:
// after champion and runner-up, tiers follow the losers-bracket round of
// each player's eliminating loss, latest round first.
func EliminationRanks(matches []MatchState) map[int64]int {
	ranks := make(map[int64]int)

	decisive := decisiveFinal(matches)
	if decisive == nil {
		return eliminationTiersOnly(matches, ranks)
	}
	ranks[decisive.WinnerID] = 1
	if decisive.LoserID != 0 {
		ranks[decisive.LoserID] = 2
	}

	if hasLosersBracket(matches) {
		rankLosersTiers(matches, ranks)
		return ranks
	}

	// third-place match overrides the shared-third default
	final := decisive
	thirdPlace := findByIdentifier(matches, "3P")
	if thirdPlace != nil && thirdPlace.complete() {
		ranks[thirdPlace.WinnerID] = 3
		if thirdPlace.LoserID != 0 {
			ranks[thirdPlace.LoserID] = 4
		}
	}

	for _, m := range matches {
		if !m.complete() || m.Bye || m.LoserID == 0 || m.GrandFinal || m.Identifier == "3P" {
			continue
		}
		if m.Round >= final.Round {
			continue
		}
		if _, done := ranks[m.LoserID]; done {
			continue
		}
		ranks[m.LoserID] = 1<<(final.Round-m.Round) + 1
	}
	return ranks
}

// decisiveFinal picks the completed match that crowned the champion: GF2
// when the reset fired, else GF, else the winners/single final.
func decisiveFinal(matches []MatchState) *MatchState {
	var best *MatchState
	for i := range matches {
		m := &matches[i]
		if !m.complete() || m.Bye || m.Round <= 0 || m.Identifier == "3P" {
			continue
		}
		if best == nil || m.Round > best.Round {
			best = m
		}
	}
	if best == nil {
		return nil
	}
	// an unfired conditional reset leaves GF decisive; a pending real GF
	// means nothing is decisive yet
	for i := range matches {
		m := &matches[i]
		if m.Round > best.Round && m.Round > 0 && !m.Bye && !m.Conditional && !m.complete() {
			return nil
		}
		if m.Conditional && (m.State == "open" || m.State == "underway") {
			return nil
		}
	}
	return best
}

func hasLosersBracket(matches []MatchState) bool {
	for _, m := range matches {
		if m.Round < 0 {
			return true
		}
	}
	return false
}

func findByIdentifier(matches []MatchState, id string) *MatchState {
	for i := range matches {
		if matches[i].Identifier == id {
			return &matches[i]
		}
	}
	return nil
}

// rankLosersTiers assigns 3rd place and below from the losers bracket:
// every participant's eliminating loss is their losers-round loss, and a
// later losers round outranks an earlier one.
func rankLosersTiers(matches []MatchState, ranks map[int64]int) {
	tiers := make(map[int][]int64) // losers round -> eliminated ids
	for _, m := range matches {
		if m.Round >= 0 || !m.complete() || m.Bye || m.LoserID == 0 {
			continue
		}
		if _, done := ranks[m.LoserID]; done {
			continue
		}
		tiers[m.Round] = append(tiers[m.Round], m.LoserID)
	}

	next := len(ranks) + 1
	// most negative round = latest = highest placement
	for round := minRound(tiers); round < 0; round++ {
		ids, ok := tiers[round]
		if !ok {
			continue
		}
		for _, id := range ids {
			ranks[id] = next
		}
		next += len(ids)
	}
}

func minRound(tiers map[int][]int64) int {
	min := 0
	for r := range tiers {
		if r < min {
			min = r
		}
	}
	return min
}

// eliminationTiersOnly ranks what it can in an unfinished bracket: only
// players already knocked out get a number.
func eliminationTiersOnly(matches []MatchState, ranks map[int64]int) map[int64]int {
	if hasLosersBracket(matches) {
		rankLosersTiers(matches, ranks)
		// shift everything down: champion and runner-up are undecided
		for id, r := range ranks {
			ranks[id] = r + 2
		}
		return ranks
	}
	maxRound := 0
	for _, m := range matches {
		if m.Round > maxRound {
			maxRound = m.Round
		}
	}
	for _, m := range matches {
		if !m.complete() || m.Bye || m.LoserID == 0 || m.Identifier == "3P" {
			continue
		}
		ranks[m.LoserID] = 1<<(maxRound-m.Round) + 1
	}
	return ranks
}
