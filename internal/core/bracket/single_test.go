package bracket

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Four players, traditional seeding: W1-1 pairs 1v4, W1-2 pairs 2v3, the
// final decides it, and both round-one losers share third.
func TestSingleElimFourPlayers(t *testing.T) {
	g, err := Generate(SingleElim, []Participant{
		{ID: 1, Name: "A", Seed: 1},
		{ID: 2, Name: "B", Seed: 2},
		{ID: 3, Name: "C", Seed: 3},
		{ID: 4, Name: "D", Seed: 4},
	}, Options{})
	require.NoError(t, err)
	require.Len(t, g.Matches, 3)

	sim := newSimulator(g)
	w11 := sim.open("W1-1")
	require.NotNil(t, w11)
	assert.Equal(t, int64(1), w11.P1ID) // A
	assert.Equal(t, int64(4), w11.P2ID) // D
	w12 := sim.open("W1-2")
	require.NotNil(t, w12)
	assert.Equal(t, int64(2), w12.P1ID) // B
	assert.Equal(t, int64(3), w12.P2ID) // C

	sim.report(t, "W1-1", 1) // A wins 2-0
	sim.report(t, "W1-2", 2) // B wins 2-1

	f := sim.open("F")
	require.NotNil(t, f)
	assert.Equal(t, int64(1), f.P1ID)
	assert.Equal(t, int64(2), f.P2ID)
	sim.report(t, "F", 1) // A wins 2-1

	ranks := EliminationRanks(sim.states())
	assert.Equal(t, map[int64]int{1: 1, 2: 2, 3: 3, 4: 3}, ranks)
}

func TestSingleElimTwoPlayers(t *testing.T) {
	g, err := Generate(SingleElim, entrants(2), Options{})
	require.NoError(t, err)
	require.Len(t, g.Matches, 1)
	assert.Equal(t, "F", g.Matches[0].Identifier)
	assert.False(t, g.Matches[0].Bye)
}

// Three players: one bye, and the bye winner waits in the final for the
// winner of the only playable round-one match.
func TestSingleElimThreePlayers(t *testing.T) {
	g, err := Generate(SingleElim, entrants(3), Options{})
	require.NoError(t, err)

	var byes, playable int
	for _, m := range g.Matches {
		if m.Bye {
			byes++
			assert.Equal(t, int64(1), m.WinnerID, "top seed gets the bye")
		} else {
			playable++
		}
	}
	assert.Equal(t, 1, byes)
	assert.Equal(t, 2, playable)

	sim := newSimulator(g)
	sim.report(t, "W1-2", 2)
	f := sim.open("F")
	require.NotNil(t, f)
	assert.ElementsMatch(t, []int64{1, 2}, []int64{f.P1ID, f.P2ID})
}

func TestSingleElimSequentialEntryOrder(t *testing.T) {
	g, err := Generate(SingleElim, entrants(4), Options{Sequential: true})
	require.NoError(t, err)

	sim := newSimulator(g)
	w11 := sim.open("W1-1")
	require.NotNil(t, w11)
	assert.Equal(t, int64(1), w11.P1ID)
	assert.Equal(t, int64(2), w11.P2ID)
}

func TestThirdPlaceMatch(t *testing.T) {
	g, err := Generate(SingleElim, entrants(8), Options{ThirdPlaceMatch: true})
	require.NoError(t, err)

	sim := newSimulator(g)
	sim.report(t, "W1-1", 1)
	sim.report(t, "W1-2", 4)
	sim.report(t, "W1-3", 2)
	sim.report(t, "W1-4", 3)
	sim.report(t, "W2-1", 1)
	sim.report(t, "W2-2", 3) // semifinal losers: 4 and 2

	tp := sim.open("3P")
	require.NotNil(t, tp, "third-place match should open after both semis")
	assert.ElementsMatch(t, []int64{4, 2}, []int64{tp.P1ID, tp.P2ID})

	sim.report(t, "3P", 2)
	sim.report(t, "F", 1)

	ranks := EliminationRanks(sim.states())
	assert.Equal(t, 1, ranks[1])
	assert.Equal(t, 2, ranks[3])
	assert.Equal(t, 3, ranks[2], "third-place winner takes third")
	assert.Equal(t, 4, ranks[4], "third-place loser takes fourth")
}

func TestByeSpreadStrategy(t *testing.T) {
	// 12 players in a 16 bracket = 4 byes; spread puts one bye in each
	// quarter of the first round instead of stacking them on the top seeds.
	g, err := Generate(SingleElim, entrants(12), Options{ByePlacement: ByeSpread})
	require.NoError(t, err)

	var byeMatchPositions []int
	for _, m := range g.Matches {
		if m.Bye && m.Round == 1 {
			byeMatchPositions = append(byeMatchPositions, m.Position-1)
		}
	}
	require.Len(t, byeMatchPositions, 4)
	quarters := make(map[int]int)
	for _, pos := range byeMatchPositions {
		quarters[pos/2]++
	}
	assert.Len(t, quarters, 4, "spread byes land in distinct quarters: %v", byeMatchPositions)
}

func TestByeBottomHalfStrategy(t *testing.T) {
	g, err := Generate(SingleElim, entrants(13), Options{ByePlacement: ByeBottomHalf})
	require.NoError(t, err)

	for _, m := range g.Matches {
		if m.Bye && m.Round == 1 {
			assert.GreaterOrEqual(t, m.Position, 5, "byes stay in the bottom half (positions 5-8)")
		}
	}
}

func TestByeRandomStrategyIsSeedable(t *testing.T) {
	byePositions := func(seed int64) []int {
		g, err := Generate(SingleElim, entrants(11), Options{
			ByePlacement: ByeRandom,
			Rand:         rand.New(rand.NewSource(seed)),
		})
		require.NoError(t, err)
		var out []int
		for _, m := range g.Matches {
			if m.Bye && m.Round == 1 {
				out = append(out, m.Position)
			}
		}
		return out
	}

	assert.Equal(t, byePositions(7), byePositions(7), "same seed, same layout")
}

// Compact mode: no byes at all; the overflow entrants fight round-0
// play-ins for the contested seats.
func TestPlayInsReplaceByes(t *testing.T) {
	g, err := Generate(SingleElim, entrants(11), Options{PlayIns: true})
	require.NoError(t, err)

	playIns := 0
	for _, m := range g.Matches {
		assert.False(t, m.Bye, "compact brackets have no byes")
		if m.Round == 0 {
			playIns++
			assert.Equal(t, fmt.Sprintf("P-%d", m.Position), m.Identifier)
			assert.NotZero(t, m.P1.ParticipantID)
			assert.NotZero(t, m.P2.ParticipantID)
		}
	}
	// base bracket 8, so 3 extras fight 3 play-ins
	assert.Equal(t, 3, playIns)

	sim := newSimulator(g)
	states := sim.playAll(t)
	ranks := EliminationRanks(states)
	assert.Equal(t, 1, ranks[1], "lowest id wins everything in the sim")
	for i := 2; i <= 11; i++ {
		assert.NotZero(t, ranks[int64(i)], "everyone is ranked at completion")
	}
}

func TestSingleElimCompletesForAwkwardSizes(t *testing.T) {
	for _, n := range []int{5, 6, 7, 9, 17, 24, 31} {
		g, err := Generate(SingleElim, entrants(n), Options{})
		require.NoError(t, err)
		sim := newSimulator(g)
		states := sim.playAll(t)
		ranks := EliminationRanks(states)
		assert.Equal(t, 1, ranks[1], "n=%d", n)
	}
}
