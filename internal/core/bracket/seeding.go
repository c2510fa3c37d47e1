package bracket

import "math/rand"

// entryOrder returns the seeds in bracket-position order for a bracket of
// the given power-of-two size. order(2k) interleaves order(k) with its
// mirror 2k+1-order(k), so seed 1 meets seed 2 only in the final.
func entryOrder(size int, sequential bool) []int {
	if sequential {
		order := make([]int, size)
		for i := range order {
			order[i] = i + 1
		}
		return order
	}
	order := []int{1}
	for len(order) < size {
		k := len(order)
		next := make([]int, 0, 2*k)
		for _, s := range order {
			next = append(next, s, 2*k+1-s)
		}
		order = next
	}
	return order
}

// placeByes rearranges the entry list so the phantom entries (seeds above
// the real participant count) sit in the matches the strategy selects.
// Entries come in bracket order; pairs (2i, 2i+1) are round-1 matches.
func placeByes(entries []int, realCount int, strategy ByeStrategy, rng *rand.Rand) {
	size := len(entries)
	byes := size - realCount
	if byes == 0 {
		return
	}
	matchCount := size / 2

	phantomAt := func(m int) int {
		if entries[2*m] > realCount {
			return 2 * m
		}
		if entries[2*m+1] > realCount {
			return 2*m + 1
		}
		return -1
	}

	var targets []int
	switch strategy {
	case ByeSpread:
		for i := 0; i < byes; i++ {
			targets = append(targets, i*matchCount/byes)
		}
	case ByeBottomHalf:
		// bottom half first, overflow upward into the top half
		for i := 0; i < byes && i < matchCount/2; i++ {
			targets = append(targets, matchCount/2+i)
		}
		for i := 0; len(targets) < byes; i++ {
			targets = append(targets, i)
		}
	case ByeRandom:
		perm := make([]int, matchCount)
		for i := range perm {
			perm[i] = i
		}
		if rng == nil {
			rng = rand.New(rand.NewSource(rand.Int63()))
		}
		rng.Shuffle(len(perm), func(i, j int) { perm[i], perm[j] = perm[j], perm[i] })
		targets = perm[:byes]
	default: // traditional: interleave order already gives byes to the top seeds
		return
	}

	want := make(map[int]bool, len(targets))
	for _, t := range targets {
		want[t] = true
	}

	// donors: matches holding a phantom that should not keep it
	var donors []int
	for m := 0; m < matchCount; m++ {
		if phantomAt(m) >= 0 && !want[m] {
			donors = append(donors, m)
		}
	}

	for _, t := range targets {
		if phantomAt(t) >= 0 {
			continue
		}
		d := donors[0]
		donors = donors[1:]
		// the weaker entrant of the target match is displaced into the
		// donor's phantom slot; the stronger keeps the free pass
		weak := 2 * t
		if entries[2*t+1] > entries[2*t] {
			weak = 2*t + 1
		}
		ph := phantomAt(d)
		entries[weak], entries[ph] = entries[ph], entries[weak]
	}
}
