// Package bracket generates and scores tournament structures. Everything
// here is pure: no clock, no storage, no I/O. Callers feed participants and
// reported outcomes in; match graphs, standings and ranks come out.
package bracket

import (
	"math/rand"

	"github.com/bracketcast/bracketcast/internal/fault"
)

type Format string

const (
	SingleElim  Format = "single_elimination"
	DoubleElim  Format = "double_elimination"
	RoundRobin  Format = "round_robin"
	Swiss       Format = "swiss"
	TwoStage    Format = "two_stage"
	FreeForAll  Format = "free_for_all"
	Leaderboard Format = "leaderboard"
)

func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case SingleElim, DoubleElim, RoundRobin, Swiss, TwoStage, FreeForAll, Leaderboard:
		return Format(s), nil
	}
	return "", fault.New(fault.BadInput, "unknown tournament format %q", s)
}

// minimum participant counts per format
func formatMinimum(f Format) int {
	switch f {
	case FreeForAll:
		return 3
	case Leaderboard:
		return 0
	default:
		return 2
	}
}

type ByeStrategy string

const (
	ByeTraditional ByeStrategy = "traditional"
	ByeSpread      ByeStrategy = "spread"
	ByeBottomHalf  ByeStrategy = "bottom_half"
	ByeRandom      ByeStrategy = "random"
)

type GrandFinals string

const (
	// GrandFinalsReset is the default: GF plus a conditional GF2 that is
	// played only when the losers-bracket player takes GF.
	GrandFinalsReset  GrandFinals = ""
	GrandFinalsSingle GrandFinals = "single"
	GrandFinalsSkip   GrandFinals = "skip"
)

type RankCriterion string

const (
	RankByMatchWins  RankCriterion = "match_wins"
	RankByGameWins   RankCriterion = "game_wins"
	RankByPoints     RankCriterion = "points_scored"
	RankByPointsDiff RankCriterion = "points_difference"
)

type PointsSystem string

const (
	PointsF1            PointsSystem = "f1"
	PointsLinear        PointsSystem = "linear"
	PointsWinnerTakeAll PointsSystem = "winner_take_all"
	PointsCustom        PointsSystem = "custom"
)

type ScoringMode string

const (
	ScorePoints ScoringMode = "points"
	ScoreELO    ScoringMode = "elo"
	ScoreWins   ScoringMode = "wins"
)

// Participant is the engine's view of an entrant. Seed 0 means unseeded;
// unseeded entrants fall in after the seeded ones in input order.
type Participant struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Seed int    `json:"seed,omitempty"`
}

// Options collects every format knob. Generators read only the fields that
// apply to their format.
type Options struct {
	// elimination
	Sequential      bool        `json:"sequential,omitempty"` // 1,2,...,size entry order instead of interleave
	ByePlacement    ByeStrategy `json:"byePlacement,omitempty"`
	ThirdPlaceMatch bool        `json:"thirdPlaceMatch,omitempty"`
	// PlayIns replaces byes with an explicit round-0 play-in stage.
	PlayIns            bool        `json:"playIns,omitempty"`
	GrandFinalsMod     GrandFinals `json:"grandFinalsModifier,omitempty"`
	AutoAssignStations bool        `json:"autoAssignStations,omitempty"`

	// round robin
	Iterations int           `json:"iterations,omitempty"` // 0 and 1 both mean one cycle
	RankedBy   RankCriterion `json:"rankedBy,omitempty"`

	// swiss
	SwissRounds int `json:"swissRounds,omitempty"` // 0 = ceil(log2 N)

	// two stage
	GroupCount      int    `json:"groupCount,omitempty"`
	GroupAdvance    int    `json:"groupAdvance,omitempty"` // advancers per group
	KnockoutFormat  Format `json:"knockoutFormat,omitempty"`
	// free for all
	LobbyMaxSize int          `json:"lobbyMaxSize,omitempty"`
	LobbyAdvance int          `json:"lobbyAdvance,omitempty"`
	Points       PointsSystem `json:"pointsSystem,omitempty"`
	PointsTable  []int        `json:"pointsTable,omitempty"` // custom, index = placement-1

	// leaderboard
	Scoring     ScoringMode `json:"scoring,omitempty"`
	DecayFactor float64     `json:"decayFactor,omitempty"` // per decay period, 0 = no decay
	DecayDays   int         `json:"decayDays,omitempty"`
	MinEvents   int         `json:"minEvents,omitempty"`

	// Rand drives the random bye strategy. Nil means non-deterministic.
	Rand *rand.Rand `json:"-"`
}

// Slot is one side of a match: either a known participant, a reference to
// an earlier match whose winner or loser lands here, or nothing (the far
// side of a structural bye).
type Slot struct {
	ParticipantID int64 `json:"participantId,omitempty"`
	// Source is the temp id of the feeding match; 0 = none.
	Source      int  `json:"source,omitempty"`
	SourceLoser bool `json:"sourceLoser,omitempty"`
}

func (s Slot) vacant() bool { return s.ParticipantID == 0 && s.Source == 0 }

// Match is a node of the generated graph. TempID is 1-based and unique
// within a Graph; the store rewrites temp ids to row ids on insert.
type Match struct {
	TempID     int    `json:"tempId"`
	Identifier string `json:"identifier"`
	// Round is signed: negative rounds form the losers bracket, round 0 is
	// the play-in stage, grand finals continue past the winners rounds.
	Round     int  `json:"round"`
	Position  int  `json:"position"` // 1-based within the round
	Stage     int  `json:"stage,omitempty"`
	Group     int  `json:"group,omitempty"`
	P1        Slot `json:"p1"`
	P2        Slot `json:"p2"`
	PlayOrder int  `json:"playOrder,omitempty"` // 0 on byes

	// Bye marks both generated byes (complete, WinnerID set) and structural
	// byes whose single live slot fills later.
	Bye        bool  `json:"bye,omitempty"`
	WinnerID   int64 `json:"winnerId,omitempty"`
	GrandFinal bool  `json:"grandFinal,omitempty"`
	// Conditional marks the bracket-reset match, played only when the
	// losers-bracket player wins the first grand final.
	Conditional bool `json:"conditional,omitempty"`
}

// Graph is the output of Generate: the full match DAG for a format, plus
// the seeding it was built from.
type Graph struct {
	Format  Format        `json:"format"`
	Seeding []Participant `json:"seeding"`
	Matches []*Match      `json:"matches"`
	// WinnersRounds is set for elimination formats.
	WinnersRounds int `json:"winnersRounds,omitempty"`
}

// Outcome is a reported result the pure functions consume. P2 == 0 marks a
// bye. Free-for-all placements travel on Lobby, not here.
type Outcome struct {
	Round      int
	Identifier string
	P1, P2     int64
	WinnerID   int64
	P1Score    int
	P2Score    int
	Forfeit    bool
}

// Generate builds the initial match graph for a format. Swiss produces only
// round 1 (see NextSwissRound); free-for-all produces round 1 lobbies (see
// FFA functions); leaderboard has no matches at all.
func Generate(format Format, participants []Participant, opts Options) (*Graph, error) {
	if n, min := len(participants), formatMinimum(format); n < min {
		return nil, fault.New(fault.BadInput, "%s needs at least %d participants, got %d", format, min, n)
	}
	seeded := normalizeSeeds(participants)

	switch format {
	case SingleElim:
		return generateSingle(seeded, opts)
	case DoubleElim:
		return generateDouble(seeded, opts)
	case RoundRobin:
		return generateRoundRobin(seeded, opts)
	case Swiss:
		return generateSwissRound1(seeded, opts)
	case TwoStage:
		return generateGroups(seeded, opts)
	case FreeForAll:
		return &Graph{Format: FreeForAll, Seeding: seeded}, nil
	case Leaderboard:
		return &Graph{Format: Leaderboard, Seeding: seeded}, nil
	default:
		return nil, fault.New(fault.BadInput, "unknown tournament format %q", format)
	}
}

// normalizeSeeds orders participants by seed (unseeded last, input order
// preserved) and rewrites Seed to the dense 1..N sequence the generators
// work with.
func normalizeSeeds(in []Participant) []Participant {
	out := make([]Participant, len(in))
	copy(out, in)
	// stable insertion sort on seed, unseeded (0) treated as +inf
	for i := 1; i < len(out); i++ {
		j := i
		for j > 0 && seedLess(out[j], out[j-1]) {
			out[j], out[j-1] = out[j-1], out[j]
			j--
		}
	}
	for i := range out {
		out[i].Seed = i + 1
	}
	return out
}

func seedLess(a, b Participant) bool {
	if a.Seed == 0 || b.Seed == 0 {
		return b.Seed == 0 && a.Seed != 0
	}
	return a.Seed < b.Seed
}

func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func log2(n int) int {
	r := 0
	for n > 1 {
		n >>= 1
		r++
	}
	return r
}
