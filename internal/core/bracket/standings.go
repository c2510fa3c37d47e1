package bracket

import "sort"

// Row is one line of a standings table. Formats fill the fields that mean
// something for them; Rank uses competition ranking (ties share the rank).
type Row struct {
	ParticipantID int64   `json:"participantId"`
	Name          string  `json:"name"`
	Rank          int     `json:"rank"`
	Played        int     `json:"played"`
	Wins          int     `json:"wins"`
	Losses        int     `json:"losses"`
	Byes          int     `json:"byes,omitempty"`
	Points        float64 `json:"points"`
	GameWins      int     `json:"gameWins,omitempty"`
	GameLosses    int     `json:"gameLosses,omitempty"`
	PointsScored  int     `json:"pointsScored,omitempty"`
	PointsDiff    int     `json:"pointsDiff,omitempty"`
	Buchholz      float64 `json:"buchholz,omitempty"`

	// free-for-all
	Podiums       int     `json:"podiums,omitempty"`
	AvgPlacement  float64 `json:"avgPlacement,omitempty"`
	BestPlacement int     `json:"bestPlacement,omitempty"`

	// leaderboard
	Events   int     `json:"events,omitempty"`
	Rating   float64 `json:"rating,omitempty"`
	Eligible bool    `json:"eligible,omitempty"`

	seed int
}

// RoundRobinStandings ranks a round-robin (or group) table. The chain:
// configured criterion, head-to-head among the tied, point difference,
// Buchholz, total wins, seed.
func RoundRobinStandings(participants []Participant, outcomes []Outcome, opts Options) []Row {
	seeded := normalizeSeeds(participants)
	rows := digestOutcomes(seeded, outcomes)

	criterion := func(r Row) float64 {
		switch opts.RankedBy {
		case RankByGameWins:
			return float64(r.GameWins)
		case RankByPoints:
			return float64(r.PointsScored)
		case RankByPointsDiff:
			return float64(r.PointsDiff)
		default:
			return float64(r.Wins)
		}
	}
	for i := range rows {
		rows[i].Points = criterion(rows[i])
	}

	h2h := headToHeadWins(rows, outcomes)
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Points != b.Points {
			return a.Points > b.Points
		}
		if h2h[a.ParticipantID] != h2h[b.ParticipantID] {
			return h2h[a.ParticipantID] > h2h[b.ParticipantID]
		}
		if a.PointsDiff != b.PointsDiff {
			return a.PointsDiff > b.PointsDiff
		}
		if a.Buchholz != b.Buchholz {
			return a.Buchholz > b.Buchholz
		}
		if a.Wins != b.Wins {
			return a.Wins > b.Wins
		}
		return a.seed < b.seed
	})

	assignRanks(rows, func(a, b Row) bool {
		return a.Points == b.Points &&
			h2h[a.ParticipantID] == h2h[b.ParticipantID] &&
			a.PointsDiff == b.PointsDiff &&
			a.Buchholz == b.Buchholz &&
			a.Wins == b.Wins
	})
	return rows
}

// SwissStandings ranks by score (wins and byes), then Buchholz, then wins,
// then seed.
func SwissStandings(participants []Participant, outcomes []Outcome) []Row {
	seeded := normalizeSeeds(participants)
	rows := digestOutcomes(seeded, outcomes)
	for i := range rows {
		rows[i].Points = float64(rows[i].Wins + rows[i].Byes)
	}

	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Points != b.Points {
			return a.Points > b.Points
		}
		if a.Buchholz != b.Buchholz {
			return a.Buchholz > b.Buchholz
		}
		if a.Wins != b.Wins {
			return a.Wins > b.Wins
		}
		return a.seed < b.seed
	})
	assignRanks(rows, func(a, b Row) bool {
		return a.Points == b.Points && a.Buchholz == b.Buchholz && a.Wins == b.Wins
	})
	return rows
}

// digestOutcomes accumulates per-player tallies from completed matches.
func digestOutcomes(seeded []Participant, outcomes []Outcome) []Row {
	idx := make(map[int64]int, len(seeded))
	rows := make([]Row, len(seeded))
	for i, p := range seeded {
		rows[i] = Row{ParticipantID: p.ID, Name: p.Name, seed: p.Seed}
		idx[p.ID] = i
	}
	score := make(map[int64]float64)
	for _, o := range outcomes {
		if o.P2 == 0 {
			if i, ok := idx[o.P1]; ok {
				rows[i].Byes++
				score[o.P1]++
			}
			continue
		}
		i1, ok1 := idx[o.P1]
		i2, ok2 := idx[o.P2]
		if !ok1 || !ok2 {
			continue
		}
		rows[i1].Played++
		rows[i2].Played++
		rows[i1].GameWins += o.P1Score
		rows[i1].GameLosses += o.P2Score
		rows[i2].GameWins += o.P2Score
		rows[i2].GameLosses += o.P1Score
		rows[i1].PointsScored += o.P1Score
		rows[i2].PointsScored += o.P2Score
		rows[i1].PointsDiff += o.P1Score - o.P2Score
		rows[i2].PointsDiff += o.P2Score - o.P1Score
		if o.WinnerID == o.P1 {
			rows[i1].Wins++
			rows[i2].Losses++
			score[o.P1]++
		} else if o.WinnerID == o.P2 {
			rows[i2].Wins++
			rows[i1].Losses++
			score[o.P2]++
		}
	}
	for _, o := range outcomes {
		if o.P2 == 0 {
			continue
		}
		if i, ok := idx[o.P1]; ok {
			rows[i].Buchholz += score[o.P2]
		}
		if i, ok := idx[o.P2]; ok {
			rows[i].Buchholz += score[o.P1]
		}
	}
	return rows
}

// headToHeadWins counts wins inside each group of players tied on the
// primary criterion (Points must be filled before calling).
func headToHeadWins(rows []Row, outcomes []Outcome) map[int64]int {
	group := make(map[int64]float64, len(rows))
	for _, r := range rows {
		group[r.ParticipantID] = r.Points
	}
	h2h := make(map[int64]int, len(rows))
	for _, o := range outcomes {
		if o.P2 == 0 || o.WinnerID == 0 {
			continue
		}
		ga, oka := group[o.P1]
		gb, okb := group[o.P2]
		if oka && okb && ga == gb {
			h2h[o.WinnerID]++
		}
	}
	return h2h
}

func assignRanks(rows []Row, tied func(a, b Row) bool) {
	for i := range rows {
		if i > 0 && tied(rows[i], rows[i-1]) {
			rows[i].Rank = rows[i-1].Rank
			continue
		}
		rows[i].Rank = i + 1
	}
}
