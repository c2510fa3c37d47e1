package bracket

import "fmt"

// generateRoundRobin schedules every pairing with the circle method. For
// odd fields a virtual participant joins and its pairings are suppressed,
// resting that participant for the round. Iterations above one replay the
// whole cycle with home/away swapped on the odd replays.
func generateRoundRobin(seeded []Participant, opts Options) (*Graph, error) {
	g := &Graph{Format: RoundRobin, Seeding: seeded}
	b := newBuilder(g)
	addRoundRobin(b, seeded, opts, 0)
	b.finish()
	return g, nil
}

func addRoundRobin(b *builder, seeded []Participant, opts Options, group int) {
	iterations := opts.Iterations
	if iterations < 1 {
		iterations = 1
	}

	cycle := circleRounds(seeded)
	round := 0
	for it := 0; it < iterations; it++ {
		for _, pairs := range cycle {
			round++
			pos := 0
			for _, p := range pairs {
				pos++
				home, away := p[0], p[1]
				if it%2 == 1 {
					home, away = away, home
				}
				id := fmt.Sprintf("R%d-%d", round, pos)
				stage := 0
				if group > 0 {
					id = fmt.Sprintf("G%dR%d-%d", group, round, pos)
					stage = 1
				}
				b.add(&Match{
					Identifier: id,
					Round:      round,
					Position:   pos,
					Stage:      stage,
					Group:      group,
					P1:         Slot{ParticipantID: home},
					P2:         Slot{ParticipantID: away},
				})
			}
		}
	}
}

// circleRounds returns one full round-robin cycle as participant-id pairs.
func circleRounds(seeded []Participant) [][][2]int64 {
	ids := make([]int64, 0, len(seeded)+1)
	for _, p := range seeded {
		ids = append(ids, p.ID)
	}
	if len(ids)%2 == 1 {
		ids = append(ids, 0) // virtual: its pairings are rests
	}
	m := len(ids)

	var rounds [][][2]int64
	for t := 0; t < m-1; t++ {
		arr := make([]int64, m)
		arr[0] = ids[0]
		for i := 1; i < m; i++ {
			arr[i] = ids[1+((i-1+t)%(m-1))]
		}
		var pairs [][2]int64
		for i := 0; i < m/2; i++ {
			a, z := arr[i], arr[m-1-i]
			if a == 0 || z == 0 {
				continue
			}
			pairs = append(pairs, [2]int64{a, z})
		}
		rounds = append(rounds, pairs)
	}
	return rounds
}
