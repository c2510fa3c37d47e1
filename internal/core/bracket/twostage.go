package bracket

import "github.com/bracketcast/bracketcast/internal/fault"

// generateGroups builds stage 1 of a two-stage tournament: snake-draft the
// field into groups, then round-robin each group. Stage 2 is generated
// later by KnockoutFromGroups once every group match is complete.
func generateGroups(seeded []Participant, opts Options) (*Graph, error) {
	groups := SnakeGroups(seeded, opts.GroupCount)
	if len(groups) < 2 {
		return nil, fault.New(fault.BadInput, "two-stage needs at least 2 groups, got %d", len(groups))
	}
	for gi, g := range groups {
		if len(g) < 2 {
			return nil, fault.New(fault.BadInput, "group %d has %d participants, need at least 2", gi+1, len(g))
		}
	}

	g := &Graph{Format: TwoStage, Seeding: seeded}
	b := newBuilder(g)
	for gi, members := range groups {
		addRoundRobin(b, members, opts, gi+1)
	}
	b.finish()
	return g, nil
}

// SnakeGroups deals seeds into groupCount groups serpentine-style: 1..G
// left to right, G+1..2G right to left, and so on. groupCount below 2
// defaults to 2.
func SnakeGroups(seeded []Participant, groupCount int) [][]Participant {
	if groupCount < 2 {
		groupCount = 2
	}
	groups := make([][]Participant, groupCount)
	for i, p := range seeded {
		lap := i / groupCount
		k := i % groupCount
		if lap%2 == 1 {
			k = groupCount - 1 - k
		}
		groups[k] = append(groups[k], p)
	}
	return groups
}

// KnockoutFromGroups builds stage 2 from finished group standings. The top
// advance-per-group rows of each table qualify, re-seeded so every group
// winner comes first (seeds 1..G), then every runner-up (G+1..2G), and so
// on down the placings. Knockout matches carry Stage 2 and fresh temp ids.
func KnockoutFromGroups(groupStandings [][]Row, opts Options) (*Graph, error) {
	advance := opts.GroupAdvance
	if advance < 1 {
		advance = 2
	}

	var qualified []Participant
	for place := 0; place < advance; place++ {
		for gi, table := range groupStandings {
			if place >= len(table) {
				return nil, fault.New(fault.BadInput, "group %d has only %d rows, need %d advancers", gi+1, len(table), advance)
			}
			r := table[place]
			qualified = append(qualified, Participant{
				ID:   r.ParticipantID,
				Name: r.Name,
				Seed: len(qualified) + 1,
			})
		}
	}
	if len(qualified) < 2 {
		return nil, fault.New(fault.BadInput, "only %d participants qualify for the knockout", len(qualified))
	}

	koFormat := opts.KnockoutFormat
	if koFormat == "" {
		koFormat = SingleElim
	}
	var (
		g   *Graph
		err error
	)
	switch koFormat {
	case SingleElim:
		g, err = generateSingle(qualified, opts)
	case DoubleElim:
		g, err = generateDouble(qualified, opts)
	default:
		return nil, fault.New(fault.BadInput, "knockout format must be an elimination format, got %q", koFormat)
	}
	if err != nil {
		return nil, err
	}

	g.Format = TwoStage
	for _, m := range g.Matches {
		m.Stage = 2
	}
	return g, nil
}
