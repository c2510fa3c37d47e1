package bracket

import (
	"fmt"
	"sort"
)

// View is the renderer-agnostic bracket diagram: sections of rounds of
// cells. Drawing is someone else's job; this only fixes the layout order
// and the labels.
type View struct {
	Format   Format    `json:"format"`
	Sections []Section `json:"sections"`
}

type Section struct {
	Label  string      `json:"label"` // "Winners", "Losers", "Finals", "Group A", ""
	Rounds []ViewRound `json:"rounds"`
}

type ViewRound struct {
	Round int        `json:"round"`
	Label string     `json:"label"`
	Cells []ViewCell `json:"cells"`
}

type ViewCell struct {
	MatchID    int64    `json:"matchId,omitempty"`
	Identifier string   `json:"identifier"`
	State      string   `json:"state"`
	Bye        bool     `json:"bye,omitempty"`
	P1         ViewSide `json:"p1"`
	P2         ViewSide `json:"p2"`
}

type ViewSide struct {
	ParticipantID int64  `json:"participantId,omitempty"`
	Name          string `json:"name,omitempty"` // empty = TBD
	Score         int    `json:"score"`
	Winner        bool   `json:"winner,omitempty"`
}

// Visualize lays out the current match state for external renderers.
// Elimination formats split into winners/losers/finals sections; group
// stages get one section per group; everything else is a flat round list.
func Visualize(format Format, matches []MatchState, participants []Participant) *View {
	names := make(map[int64]string, len(participants))
	for _, p := range participants {
		names[p.ID] = p.Name
	}

	v := &View{Format: format}
	switch format {
	case DoubleElim:
		v.Sections = append(v.Sections,
			buildSection("Winners", filterMatches(matches, func(m MatchState) bool { return m.Round >= 0 && !m.GrandFinal }), names, winnersRoundLabel),
			buildSection("Losers", filterMatches(matches, func(m MatchState) bool { return m.Round < 0 }), names, losersRoundLabel),
			buildSection("Finals", filterMatches(matches, func(m MatchState) bool { return m.GrandFinal }), names, func(int, int) string { return "Grand Finals" }),
		)
	case TwoStage:
		groups := map[int]bool{}
		for _, m := range matches {
			if m.Stage <= 1 && m.Group > 0 {
				groups[m.Group] = true
			}
		}
		for _, g := range sortedKeys(groups) {
			gg := g
			v.Sections = append(v.Sections, buildSection(
				fmt.Sprintf("Group %c", 'A'+gg-1),
				filterMatches(matches, func(m MatchState) bool { return m.Stage <= 1 && m.Group == gg }),
				names,
				func(r, _ int) string { return fmt.Sprintf("Round %d", r) },
			))
		}
		knockout := filterMatches(matches, func(m MatchState) bool { return m.Stage == 2 })
		if len(knockout) > 0 {
			v.Sections = append(v.Sections, buildSection("Knockout", knockout, names, winnersRoundLabel))
		}
	case SingleElim:
		v.Sections = append(v.Sections, buildSection("", matches, names, winnersRoundLabel))
	default:
		v.Sections = append(v.Sections, buildSection("", matches, names, func(r, _ int) string { return fmt.Sprintf("Round %d", r) }))
	}

	// drop empty sections so renderers never draw a hollow column
	kept := v.Sections[:0]
	for _, s := range v.Sections {
		if len(s.Rounds) > 0 {
			kept = append(kept, s)
		}
	}
	v.Sections = kept
	return v
}

func filterMatches(in []MatchState, keep func(MatchState) bool) []MatchState {
	var out []MatchState
	for _, m := range in {
		if keep(m) {
			out = append(out, m)
		}
	}
	return out
}

func buildSection(label string, matches []MatchState, names map[int64]string, roundLabel func(round, maxRound int) string) Section {
	byRound := make(map[int][]MatchState)
	maxRound := 0
	for _, m := range matches {
		byRound[m.Round] = append(byRound[m.Round], m)
		if abs(m.Round) > maxRound {
			maxRound = abs(m.Round)
		}
	}

	var rounds []int
	for r := range byRound {
		rounds = append(rounds, r)
	}
	sort.Slice(rounds, func(i, j int) bool { return abs(rounds[i]) < abs(rounds[j]) })

	s := Section{Label: label}
	for _, r := range rounds {
		row := byRound[r]
		sort.Slice(row, func(i, j int) bool { return row[i].Position < row[j].Position })
		vr := ViewRound{Round: r, Label: roundLabel(r, maxRound)}
		for _, m := range row {
			vr.Cells = append(vr.Cells, ViewCell{
				MatchID:    m.ID,
				Identifier: m.Identifier,
				State:      m.State,
				Bye:        m.Bye,
				P1:         side(m.P1, m.P1Score, m.WinnerID, names),
				P2:         side(m.P2, m.P2Score, m.WinnerID, names),
			})
		}
		s.Rounds = append(s.Rounds, vr)
	}
	return s
}

func side(id int64, score int, winnerID int64, names map[int64]string) ViewSide {
	return ViewSide{
		ParticipantID: id,
		Name:          names[id],
		Score:         score,
		Winner:        id != 0 && id == winnerID,
	}
}

func winnersRoundLabel(round, maxRound int) string {
	switch {
	case round == 0:
		return "Play-In"
	case round == maxRound:
		return "Final"
	case round == maxRound-1:
		return "Semifinals"
	case round == maxRound-2:
		return "Quarterfinals"
	default:
		return fmt.Sprintf("Round %d", round)
	}
}

func losersRoundLabel(round, maxRound int) string {
	lr := -round
	if lr == maxRound {
		return "Losers Final"
	}
	return fmt.Sprintf("Losers Round %d", lr)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func sortedKeys(set map[int]bool) []int {
	out := make([]int, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}
