package bracket

import "fmt"

// generateDouble builds winners bracket, losers bracket and grand finals.
//
// The losers bracket alternates minor and dropdown rounds: round 1 pairs
// the winners-round-1 losers mirrored outer-inner, dropdown round 2j takes
// the survivors of round 2j-1 against the winners-round-(j+1) losers in
// reversed order, and minor round 2j-1 (j>1) pairs the prior dropdown
// round's winners. The last losers round is the losers final.
func generateDouble(seeded []Participant, opts Options) (*Graph, error) {
	n := len(seeded)
	size := nextPowerOfTwo(n)

	g := &Graph{Format: DoubleElim, Seeding: seeded, WinnersRounds: log2(size)}
	b := newBuilder(g)

	entries := entryOrder(size, opts.Sequential)
	placeByes(entries, n, opts.ByePlacement, opts.Rand)
	winners := b.buildElimTree(entries, seeded, 1)
	wr := len(winners)

	var lbFinal *Match
	if size == 2 {
		// the sole winners match doubles as the winners final; its loser
		// waits alone in the losers final
		lbFinal = b.add(&Match{
			Identifier: "LF",
			Round:      -1,
			Position:   1,
			P1:         Slot{Source: winners[0][0].TempID, SourceLoser: true},
		})
	} else {
		lbFinal = b.buildLosers(winners)
	}

	if opts.GrandFinalsMod == GrandFinalsSkip {
		b.finish()
		return g, nil
	}

	gf := b.add(&Match{
		Identifier: "GF",
		Round:      wr + 1,
		Position:   1,
		GrandFinal: true,
		P1:         Slot{Source: winners[wr-1][0].TempID},
		P2:         Slot{Source: lbFinal.TempID},
	})

	if opts.GrandFinalsMod == GrandFinalsReset {
		// bracket reset: only filled when the losers-bracket side wins GF
		b.add(&Match{
			Identifier:  "GF2",
			Round:       wr + 2,
			Position:    1,
			GrandFinal:  true,
			Conditional: true,
			P1:          Slot{Source: gf.TempID},
			P2:          Slot{Source: gf.TempID, SourceLoser: true},
		})
	}

	b.finish()
	return g, nil
}

func (b *builder) buildLosers(winners [][]*Match) *Match {
	size := len(winners[0]) * 2
	wr := len(winners)
	lastRound := 2 * (wr - 1)

	var prev []*Match
	for r := 1; r <= lastRound; r++ {
		j := (r + 1) / 2
		count := size / (1 << (j + 1))
		row := make([]*Match, count)
		for i := 1; i <= count; i++ {
			m := &Match{Round: -r, Position: i}
			switch {
			case r == 1:
				// outer-inner mirror of the winners round 1 losers
				w1 := winners[0]
				m.P1 = Slot{Source: w1[i-1].TempID, SourceLoser: true}
				m.P2 = Slot{Source: w1[len(w1)-i].TempID, SourceLoser: true}
			case r%2 == 0:
				// dropdown: winners-round j+1 losers, reversed to keep
				// rematches as far away as possible
				drop := winners[j]
				m.P1 = Slot{Source: drop[len(drop)-i].TempID, SourceLoser: true}
				m.P2 = Slot{Source: prev[i-1].TempID}
			default:
				m.P1 = Slot{Source: prev[2*i-2].TempID}
				m.P2 = Slot{Source: prev[2*i-1].TempID}
			}
			if r == lastRound {
				m.Identifier = "LF"
			} else {
				m.Identifier = fmt.Sprintf("L%d-%d", r, i)
			}
			row[i-1] = b.add(m)
		}
		prev = row
	}
	return prev[0]
}
