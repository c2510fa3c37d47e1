package bracket

import "fmt"

// generateSingle builds a single-elimination bracket: a power-of-two grid
// with byes, or a compact play-in variant when opts.PlayIns is set.
func generateSingle(seeded []Participant, opts Options) (*Graph, error) {
	n := len(seeded)
	size := nextPowerOfTwo(n)

	if opts.PlayIns && size != n {
		return generatePlayIns(seeded, opts)
	}

	g := &Graph{Format: SingleElim, Seeding: seeded, WinnersRounds: log2(size)}
	b := newBuilder(g)

	entries := entryOrder(size, opts.Sequential)
	placeByes(entries, n, opts.ByePlacement, opts.Rand)
	b.buildElimTree(entries, seeded, 1)

	if opts.ThirdPlaceMatch && size >= 4 {
		b.addThirdPlace()
	}

	b.finish()
	return g, nil
}

// generatePlayIns builds the compact variant: the bracket is the previous
// power of two and the overflow entrants fight round-0 play-ins for the
// lowest seeds' places. No byes exist in this mode.
func generatePlayIns(seeded []Participant, opts Options) (*Graph, error) {
	n := len(seeded)
	base := nextPowerOfTwo(n) / 2
	extra := n - base

	g := &Graph{Format: SingleElim, Seeding: seeded, WinnersRounds: log2(base)}
	b := newBuilder(g)

	// play-in j: seed base-extra+j vs seed base+extra+1-j; winner takes the
	// main-bracket seat of the higher seed
	seatSource := make(map[int]int, extra) // contested seed -> play-in temp id
	for j := 1; j <= extra; j++ {
		hi, lo := base-extra+j, base+extra+1-j
		m := b.add(&Match{
			Identifier: fmt.Sprintf("P-%d", j),
			Round:      0,
			Position:   j,
			P1:         Slot{ParticipantID: seeded[hi-1].ID},
			P2:         Slot{ParticipantID: seeded[lo-1].ID},
		})
		seatSource[hi] = m.TempID
	}

	entries := entryOrder(base, opts.Sequential)
	byRound := b.buildElimSkeleton(len(entries)/2, 1)
	for i, m := range byRound[0] {
		s1, s2 := entries[2*i], entries[2*i+1]
		m.P1 = seatSlot(s1, seeded, seatSource)
		m.P2 = seatSlot(s2, seeded, seatSource)
	}

	if opts.ThirdPlaceMatch && base >= 4 {
		b.addThirdPlace()
	}

	b.finish()
	return g, nil
}

func seatSlot(seed int, seeded []Participant, seatSource map[int]int) Slot {
	if src, ok := seatSource[seed]; ok {
		return Slot{Source: src}
	}
	return Slot{ParticipantID: seeded[seed-1].ID}
}

// builder accumulates matches, resolves byes and numbers the play order.
type builder struct {
	g    *Graph
	next int
}

func newBuilder(g *Graph) *builder { return &builder{g: g, next: 1} }

func (b *builder) add(m *Match) *Match {
	m.TempID = b.next
	b.next++
	b.g.Matches = append(b.g.Matches, m)
	return m
}

// buildElimSkeleton creates rounds of TBD matches halving from firstRound
// width down to the final, wiring prereq links. Returns matches per round.
func (b *builder) buildElimSkeleton(firstWidth, firstRound int) [][]*Match {
	var rounds [][]*Match
	width := firstWidth
	round := firstRound
	for width >= 1 {
		row := make([]*Match, width)
		for i := 0; i < width; i++ {
			m := &Match{Round: round, Position: i + 1}
			if len(rounds) > 0 {
				prev := rounds[len(rounds)-1]
				m.P1 = Slot{Source: prev[2*i].TempID}
				m.P2 = Slot{Source: prev[2*i+1].TempID}
			}
			row[i] = b.add(m)
		}
		rounds = append(rounds, row)
		if width == 1 {
			break
		}
		width /= 2
		round++
	}
	b.labelWinners(rounds)
	return rounds
}

// buildElimTree builds the full tree from a bracket-ordered entry list.
// Entries above len(seeded) are phantoms; their matches become byes.
func (b *builder) buildElimTree(entries []int, seeded []Participant, firstRound int) [][]*Match {
	rounds := b.buildElimSkeleton(len(entries)/2, firstRound)
	for i, m := range rounds[0] {
		m.P1 = entrySlot(entries[2*i], seeded)
		m.P2 = entrySlot(entries[2*i+1], seeded)
	}
	return rounds
}

func entrySlot(seed int, seeded []Participant) Slot {
	if seed > len(seeded) {
		return Slot{} // phantom
	}
	return Slot{ParticipantID: seeded[seed-1].ID}
}

func (b *builder) labelWinners(rounds [][]*Match) {
	for ri, row := range rounds {
		last := ri == len(rounds)-1
		for _, m := range row {
			switch {
			case last && b.g.Format == SingleElim:
				m.Identifier = "F"
			case last && b.g.Format == DoubleElim:
				m.Identifier = "WF"
			default:
				m.Identifier = fmt.Sprintf("W%d-%d", m.Round, m.Position)
			}
		}
	}
}

// addThirdPlace pairs the two semi-final losers. The semis are the two
// matches feeding the final.
func (b *builder) addThirdPlace() {
	final := b.finalMatch()
	b.add(&Match{
		Identifier: "3P",
		Round:      final.Round,
		Position:   final.Position + 1,
		P1:         Slot{Source: final.P1.Source, SourceLoser: true},
		P2:         Slot{Source: final.P2.Source, SourceLoser: true},
	})
}

func (b *builder) finalMatch() *Match {
	var f *Match
	for _, m := range b.g.Matches {
		if m.Round > 0 && !m.GrandFinal && (f == nil || m.Round > f.Round) {
			f = m
		}
	}
	return f
}

func (b *builder) byTemp(id int) *Match {
	for _, m := range b.g.Matches {
		if m.TempID == id {
			return m
		}
	}
	return nil
}

// finish resolves byes, prunes void matches and assigns play order.
//
// A round-1 match with a phantom side completes immediately as a bye. A
// match with both sides vacant is void and removed; matches left with one
// live side become structural byes that complete when that side fills.
func (b *builder) finish() {
	b.resolveByes()
	b.assignPlayOrder()
}

func (b *builder) resolveByes() {
	changed := true
	for changed {
		changed = false
		for _, m := range b.g.Matches {
			if m.Bye && m.WinnerID != 0 {
				continue
			}
			b.pullResolvedSlots(m)
			p1, p2 := m.P1, m.P2
			switch {
			case p1.vacant() && p2.vacant():
				b.removeVoid(m)
				changed = true
			case p2.vacant() && p1.ParticipantID != 0:
				m.Bye, m.WinnerID = true, p1.ParticipantID
				changed = true
			case p1.vacant() && p2.ParticipantID != 0:
				m.Bye, m.WinnerID = true, p2.ParticipantID
				changed = true
			case p1.vacant() != p2.vacant():
				// one live source still pending: structural bye
				if !m.Bye {
					m.Bye = true
					changed = true
				}
			}
		}
	}
}

// pullResolvedSlots replaces references to completed byes: a winner link
// takes the bye's participant, a loser link becomes vacant (byes have no
// loser). Links to removed matches also become vacant.
func (b *builder) pullResolvedSlots(m *Match) {
	for _, s := range []*Slot{&m.P1, &m.P2} {
		if s.Source == 0 {
			continue
		}
		src := b.byTemp(s.Source)
		switch {
		case src == nil:
			*s = Slot{}
		case src.Bye && src.WinnerID != 0:
			if s.SourceLoser {
				*s = Slot{}
			} else {
				*s = Slot{ParticipantID: src.WinnerID}
			}
		case src.Bye && src.WinnerID == 0 && src.P1.vacant() && src.P2.vacant():
			*s = Slot{}
		}
	}
}

func (b *builder) removeVoid(victim *Match) {
	keep := b.g.Matches[:0]
	for _, m := range b.g.Matches {
		if m != victim {
			keep = append(keep, m)
		}
	}
	b.g.Matches = keep
}

// assignPlayOrder numbers playable matches in (stage, round, position)
// order, losers rounds interleaved after their winners counterpart. Byes
// carry no play order.
func (b *builder) assignPlayOrder() {
	idx := make([]*Match, len(b.g.Matches))
	copy(idx, b.g.Matches)
	// insertion sort by (stage, ordKey, position)
	for i := 1; i < len(idx); i++ {
		j := i
		for j > 0 && playOrderLess(idx[j], idx[j-1]) {
			idx[j], idx[j-1] = idx[j-1], idx[j]
			j--
		}
	}
	order := 1
	for _, m := range idx {
		if m.Bye {
			continue
		}
		m.PlayOrder = order
		order++
	}
}

func playOrderLess(a, z *Match) bool {
	if a.Stage != z.Stage {
		return a.Stage < z.Stage
	}
	ka, kz := ordKey(a), ordKey(z)
	if ka != kz {
		return ka < kz
	}
	if a.Round != z.Round {
		// at the same depth the winners-side round precedes the losers round
		return a.Round > z.Round
	}
	return a.Position < z.Position
}

// ordKey folds signed rounds into one playable sequence. Minor losers
// round 2j-1 follows winners round j; dropdown round 2j follows winners
// round j+1, whose losers it receives. W1, L1, W2, L2, L3, W3, L4, GF.
func ordKey(m *Match) int {
	if m.Round >= 0 {
		return 3 * m.Round
	}
	lr := -m.Round
	if lr%2 == 1 {
		return 3*((lr+1)/2) + 1
	}
	return 3*(lr/2) + 4
}
