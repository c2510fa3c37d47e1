package matchstore

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/bracketcast/bracketcast/internal/core/bracket"
	"github.com/bracketcast/bracketcast/internal/fault"
)

const matchCols = `id, tournament_id, identifier, round, position, stage, grp,
	p1_id, p2_id, p1_prereq_id, p2_prereq_id, p1_prereq_loser, p2_prereq_loser,
	play_order, p1_score, p2_score, scores_csv, winner_id, loser_id, state,
	is_bye, is_forfeit, grand_final, conditional, station_id, underway_at, completed_at`

// BulkCreateMatches inserts a generated graph (or an incremental round) in
// one transaction. Pass one inserts every row carrying the generator's temp
// prerequisite ids; pass two rewrites those to real row ids. Returns the
// temp id to row id mapping.
func (s *Store) BulkCreateMatches(tournamentID int64, ms []*bracket.Match) (map[int]int64, error) {
	idmap := make(map[int]int64, len(ms))
	err := s.withTx(func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM tournaments WHERE id = ?`, tournamentID).Scan(&n); err != nil {
			return fmt.Errorf("check tournament: %w", err)
		}
		if n == 0 {
			return fault.New(fault.NotFound, "tournament %d not found", tournamentID)
		}

		for _, bm := range ms {
			state := MatchPending
			completed := ""
			if bm.Bye && bm.WinnerID != 0 {
				state = MatchComplete
				completed = timeText(now())
			} else if !bm.Bye && bm.P1.ParticipantID != 0 && bm.P2.ParticipantID != 0 {
				state = MatchOpen
			}
			res, err := tx.Exec(
				`INSERT INTO matches (tournament_id, identifier, round, position, stage, grp,
				   p1_id, p2_id, p1_prereq_id, p2_prereq_id, p1_prereq_loser, p2_prereq_loser,
				   play_order, winner_id, state, is_bye, grand_final, conditional, completed_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				tournamentID, bm.Identifier, bm.Round, bm.Position, bm.Stage, bm.Group,
				bm.P1.ParticipantID, bm.P2.ParticipantID, bm.P1.Source, bm.P2.Source,
				bm.P1.SourceLoser, bm.P2.SourceLoser,
				bm.PlayOrder, bm.WinnerID, state, bm.Bye, bm.GrandFinal, bm.Conditional, completed,
			)
			if err != nil {
				return fmt.Errorf("insert match %s: %w", bm.Identifier, err)
			}
			rowID, err := res.LastInsertId()
			if err != nil {
				return err
			}
			idmap[bm.TempID] = rowID
		}

		for _, bm := range ms {
			if bm.P1.Source == 0 && bm.P2.Source == 0 {
				continue
			}
			p1, p2 := int64(0), int64(0)
			if bm.P1.Source != 0 {
				if p1 = idmap[bm.P1.Source]; p1 == 0 {
					return fault.New(fault.BadInput, "match %s references unknown match %d", bm.Identifier, bm.P1.Source)
				}
			}
			if bm.P2.Source != 0 {
				if p2 = idmap[bm.P2.Source]; p2 == 0 {
					return fault.New(fault.BadInput, "match %s references unknown match %d", bm.Identifier, bm.P2.Source)
				}
			}
			if _, err := tx.Exec(
				`UPDATE matches SET p1_prereq_id = ?, p2_prereq_id = ? WHERE id = ?`,
				p1, p2, idmap[bm.TempID]); err != nil {
				return fmt.Errorf("patch prereqs for %s: %w", bm.Identifier, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return idmap, nil
}

func (s *Store) Match(id int64) (*Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRow(`SELECT `+matchCols+` FROM matches WHERE id = ?`, id)
	m, err := scanMatch(row)
	if err != nil && fault.KindOf(err) == fault.NotFound {
		return nil, fault.New(fault.NotFound, "match %d not found", id)
	}
	return m, err
}

// Matches lists a tournament's matches in insertion (generation) order,
// narrowed by the filter's non-zero fields.
func (s *Store) Matches(tournamentID int64, f MatchFilter) ([]*Match, error) {
	cond := []string{`tournament_id = ?`}
	args := []any{tournamentID}
	if f.State != "" {
		cond = append(cond, `state = ?`)
		args = append(args, f.State)
	}
	if f.Round != nil {
		cond = append(cond, `round = ?`)
		args = append(args, *f.Round)
	}
	if f.LosersSide {
		cond = append(cond, `round < 0`)
	}
	if f.StationID != 0 {
		cond = append(cond, `station_id = ?`)
		args = append(args, f.StationID)
	}
	if f.Stage != 0 {
		cond = append(cond, `stage = ?`)
		args = append(args, f.Stage)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(
		`SELECT `+matchCols+` FROM matches WHERE `+strings.Join(cond, ` AND `)+` ORDER BY id`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("list matches: %w", err)
	}
	defer rows.Close()

	var out []*Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// BracketStates projects the match table into the engine's scoring view.
func (s *Store) BracketStates(tournamentID int64) ([]bracket.MatchState, error) {
	ms, err := s.Matches(tournamentID, MatchFilter{})
	if err != nil {
		return nil, err
	}
	out := make([]bracket.MatchState, len(ms))
	for i, m := range ms {
		out[i] = m.BracketState()
	}
	return out, nil
}

// Outcomes projects completed matches into the generator's outcome type,
// byes included (P2 = 0).
func (s *Store) Outcomes(tournamentID int64) ([]bracket.Outcome, error) {
	ms, err := s.Matches(tournamentID, MatchFilter{State: MatchComplete})
	if err != nil {
		return nil, err
	}
	out := make([]bracket.Outcome, len(ms))
	for i, m := range ms {
		out[i] = m.Outcome()
	}
	return out, nil
}

// SetPlayer fills or clears one slot by hand. The match opens when both
// slots are seated and regresses to pending (dropping any station) when one
// is cleared.
func (s *Store) SetPlayer(matchID int64, slot int, participantID int64) (*Match, error) {
	if slot != 1 && slot != 2 {
		return nil, fault.New(fault.BadInput, "slot must be 1 or 2, got %d", slot)
	}
	var out *Match
	err := s.withTx(func(tx *sql.Tx) error {
		m, err := matchForUpdate(tx, matchID)
		if err != nil {
			return err
		}
		if m.State == MatchComplete {
			return fault.New(fault.RefusedPrecondition, "match %d is complete", matchID)
		}
		if m.Bye {
			return fault.New(fault.RefusedPrecondition, "match %d is a bye", matchID)
		}
		if participantID != 0 {
			var n int
			err := tx.QueryRow(
				`SELECT COUNT(*) FROM participants WHERE id = ? AND tournament_id = ?`,
				participantID, m.TournamentID).Scan(&n)
			if err != nil {
				return fmt.Errorf("check participant: %w", err)
			}
			if n == 0 {
				return fault.New(fault.BadInput, "participant %d is not in tournament %d", participantID, m.TournamentID)
			}
		}

		if slot == 1 {
			m.P1ID = participantID
		} else {
			m.P2ID = participantID
		}
		switch {
		case m.P1ID != 0 && m.P2ID != 0 && m.State == MatchPending:
			m.State = MatchOpen
		case (m.P1ID == 0 || m.P2ID == 0) && m.State != MatchPending:
			m.State = MatchPending
			if m.StationID != 0 {
				if err := unlinkStation(tx, m.ID, m.StationID); err != nil {
					return err
				}
				m.StationID = 0
			}
		}
		if _, err := tx.Exec(
			`UPDATE matches SET p1_id = ?, p2_id = ?, state = ? WHERE id = ?`,
			m.P1ID, m.P2ID, m.State, m.ID); err != nil {
			return fmt.Errorf("set player: %w", err)
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetUnderway marks an open match as being played.
func (s *Store) SetUnderway(matchID int64) (*Match, error) {
	var out *Match
	err := s.withTx(func(tx *sql.Tx) error {
		m, err := matchForUpdate(tx, matchID)
		if err != nil {
			return err
		}
		if m.State != MatchOpen {
			return fault.New(fault.RefusedPrecondition, "match %d is %s, not open", matchID, m.State)
		}
		m.State = MatchUnderway
		m.UnderwayAt = now()
		if _, err := tx.Exec(
			`UPDATE matches SET state = ?, underway_at = ? WHERE id = ?`,
			m.State, timeText(m.UnderwayAt), m.ID); err != nil {
			return fmt.Errorf("set underway: %w", err)
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ClearUnderway returns an underway match to open.
func (s *Store) ClearUnderway(matchID int64) (*Match, error) {
	var out *Match
	err := s.withTx(func(tx *sql.Tx) error {
		m, err := matchForUpdate(tx, matchID)
		if err != nil {
			return err
		}
		if m.State != MatchUnderway {
			return fault.New(fault.RefusedPrecondition, "match %d is %s, not underway", matchID, m.State)
		}
		m.State = MatchOpen
		m.UnderwayAt = time.Time{}
		if _, err := tx.Exec(
			`UPDATE matches SET state = ?, underway_at = '' WHERE id = ?`, m.State, m.ID); err != nil {
			return fmt.Errorf("clear underway: %w", err)
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetWinner completes a match and runs every downstream consequence in the
// same transaction: slot advancement, bye cascades, the conditional reset
// final, station release, optional auto-assignment, completion detection.
func (s *Store) SetWinner(matchID, winnerID int64, p1Score, p2Score int, scoresCSV string) (*AdvanceResult, error) {
	var out *AdvanceResult
	err := s.withTx(func(tx *sql.Tx) error {
		m, err := matchForUpdate(tx, matchID)
		if err != nil {
			return err
		}
		out, err = completeTx(tx, m, winnerID, p1Score, p2Score, scoresCSV, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Forfeit completes a match against the named participant: zero scores,
// forfeit flag, the opponent advances as usual.
func (s *Store) Forfeit(matchID, forfeiterID int64) (*AdvanceResult, error) {
	var out *AdvanceResult
	err := s.withTx(func(tx *sql.Tx) error {
		m, err := matchForUpdate(tx, matchID)
		if err != nil {
			return err
		}
		var winner int64
		switch forfeiterID {
		case m.P1ID:
			winner = m.P2ID
		case m.P2ID:
			winner = m.P1ID
		default:
			return fault.New(fault.BadInput, "participant %d is not in match %d", forfeiterID, matchID)
		}
		out, err = completeTx(tx, m, winner, 0, 0, "", true)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func completeTx(tx *sql.Tx, m *Match, winnerID int64, p1Score, p2Score int, scoresCSV string, forfeit bool) (*AdvanceResult, error) {
	if m.Bye {
		return nil, fault.New(fault.RefusedPrecondition, "match %d is a bye", m.ID)
	}
	if m.State != MatchOpen && m.State != MatchUnderway {
		return nil, fault.New(fault.RefusedPrecondition, "match %d is %s, not playable", m.ID, m.State)
	}
	if winnerID == 0 || (winnerID != m.P1ID && winnerID != m.P2ID) {
		return nil, fault.New(fault.BadInput, "winner %d is not in match %s", winnerID, m.Identifier)
	}
	loserID := m.P1ID
	if winnerID == m.P1ID {
		loserID = m.P2ID
	}

	if _, err := tx.Exec(
		`UPDATE matches SET winner_id = ?, loser_id = ?, p1_score = ?, p2_score = ?,
		   scores_csv = ?, is_forfeit = ?, state = ?, completed_at = ?
		 WHERE id = ?`,
		winnerID, loserID, p1Score, p2Score, scoresCSV, forfeit, MatchComplete,
		timeText(now()), m.ID); err != nil {
		return nil, fmt.Errorf("complete match %d: %w", m.ID, err)
	}

	res := &AdvanceResult{}
	if m.StationID != 0 {
		if err := unlinkStation(tx, m.ID, m.StationID); err != nil {
			return nil, err
		}
		res.FreedStation = m.StationID
	}

	opened, err := advanceTx(tx, m, winnerID, loserID)
	if err != nil {
		return nil, err
	}
	res.Opened = opened

	t, err := tournamentForUpdate(tx, m.TournamentID)
	if err != nil {
		return nil, err
	}
	if t.Options.AutoAssignStations {
		if res.AutoAssigned, err = autoAssignTx(tx, m.TournamentID); err != nil {
			return nil, err
		}
	}
	if res.AllComplete, err = allCompleteTx(tx, m.TournamentID); err != nil {
		return nil, err
	}
	if res.Match, err = matchForUpdate(tx, m.ID); err != nil {
		return nil, err
	}
	return res, nil
}

// advanceTx pushes a completed match's winner and loser into the slots that
// reference it. Structural byes complete on arrival and cascade; dependents
// whose slots are both seated open up. A conditional reset final fills only
// when the completed match's first seat (the unbeaten side of a grand
// final) took the loss.
func advanceTx(tx *sql.Tx, src *Match, winnerID, loserID int64) ([]*Match, error) {
	deps, err := dependentsTx(tx, src.TournamentID, src.ID)
	if err != nil {
		return nil, err
	}
	var opened []*Match
	for _, dep := range deps {
		// earlier cascades in this loop may have touched this row
		d, err := matchForUpdate(tx, dep.ID)
		if err != nil {
			return nil, err
		}
		if d.Conditional && loserID != src.P1ID {
			continue
		}
		changed := false
		if d.P1PrereqID == src.ID {
			v := winnerID
			if d.P1PrereqLoser {
				v = loserID
			}
			if v != 0 {
				d.P1ID = v
				changed = true
			}
		}
		if d.P2PrereqID == src.ID {
			v := winnerID
			if d.P2PrereqLoser {
				v = loserID
			}
			if v != 0 {
				d.P2ID = v
				changed = true
			}
		}
		if !changed {
			continue
		}

		if d.Bye {
			w := d.P1ID
			if w == 0 {
				w = d.P2ID
			}
			if _, err := tx.Exec(
				`UPDATE matches SET p1_id = ?, p2_id = ?, winner_id = ?, state = ?, completed_at = ? WHERE id = ?`,
				d.P1ID, d.P2ID, w, MatchComplete, timeText(now()), d.ID); err != nil {
				return nil, fmt.Errorf("complete bye %d: %w", d.ID, err)
			}
			d.WinnerID = w
			d.State = MatchComplete
			sub, err := advanceTx(tx, d, w, 0)
			if err != nil {
				return nil, err
			}
			opened = append(opened, sub...)
			continue
		}

		newState := d.State
		if d.P1ID != 0 && d.P2ID != 0 && d.State == MatchPending {
			newState = MatchOpen
		}
		if _, err := tx.Exec(
			`UPDATE matches SET p1_id = ?, p2_id = ?, state = ? WHERE id = ?`,
			d.P1ID, d.P2ID, newState, d.ID); err != nil {
			return nil, fmt.Errorf("advance into match %d: %w", d.ID, err)
		}
		if newState == MatchOpen && d.State == MatchPending {
			d.State = MatchOpen
			opened = append(opened, d)
		}
	}
	return opened, nil
}

// Reopen undoes a completed result. Refused when any non-bye dependent has
// entered play; auto-completed byes downstream are unwound mechanically.
// Advanced participants are pulled back out of dependent slots, their
// stations freed, and a completed tournament reverts to underway.
func (s *Store) Reopen(matchID int64) (*Match, error) {
	var out *Match
	err := s.withTx(func(tx *sql.Tx) error {
		m, err := matchForUpdate(tx, matchID)
		if err != nil {
			return err
		}
		if m.Bye {
			return fault.New(fault.RefusedPrecondition, "match %d is a bye", matchID)
		}
		if m.State != MatchComplete {
			return fault.New(fault.RefusedPrecondition, "match %d is %s, not complete", matchID, m.State)
		}
		if err := unwindDependents(tx, m); err != nil {
			return err
		}
		if _, err := tx.Exec(
			`UPDATE matches SET winner_id = 0, loser_id = 0, p1_score = 0, p2_score = 0,
			   scores_csv = '', is_forfeit = 0, completed_at = '', state = ?
			 WHERE id = ?`, MatchOpen, m.ID); err != nil {
			return fmt.Errorf("reopen match %d: %w", m.ID, err)
		}

		t, err := tournamentForUpdate(tx, m.TournamentID)
		if err != nil {
			return err
		}
		if t.State == TournamentComplete || t.State == TournamentAwaitingReview {
			if _, err := tx.Exec(
				`UPDATE tournaments SET state = ?, completed_at = '' WHERE id = ?`,
				TournamentUnderway, t.ID); err != nil {
				return fmt.Errorf("revert tournament %d: %w", t.ID, err)
			}
		}
		out, err = matchForUpdate(tx, m.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func unwindDependents(tx *sql.Tx, src *Match) error {
	deps, err := dependentsTx(tx, src.TournamentID, src.ID)
	if err != nil {
		return err
	}
	for _, dep := range deps {
		// earlier unwinds in this loop may have touched this row
		d, err := matchForUpdate(tx, dep.ID)
		if err != nil {
			return err
		}
		clearP1 := d.P1PrereqID == src.ID && d.P1ID != 0
		clearP2 := d.P2PrereqID == src.ID && d.P2ID != 0
		if !clearP1 && !clearP2 {
			continue
		}

		if d.Bye {
			if d.State == MatchComplete {
				if err := unwindDependents(tx, d); err != nil {
					return err
				}
			}
			if clearP1 {
				d.P1ID = 0
			}
			if clearP2 {
				d.P2ID = 0
			}
			if _, err := tx.Exec(
				`UPDATE matches SET p1_id = ?, p2_id = ?, winner_id = 0, completed_at = '', state = ? WHERE id = ?`,
				d.P1ID, d.P2ID, MatchPending, d.ID); err != nil {
				return fmt.Errorf("unwind bye %d: %w", d.ID, err)
			}
			continue
		}

		if d.State == MatchComplete || d.State == MatchUnderway {
			return fault.New(fault.RefusedPrecondition,
				"match %s has already entered play", d.Identifier)
		}
		if d.StationID != 0 {
			if err := unlinkStation(tx, d.ID, d.StationID); err != nil {
				return err
			}
		}
		if clearP1 {
			d.P1ID = 0
		}
		if clearP2 {
			d.P2ID = 0
		}
		if _, err := tx.Exec(
			`UPDATE matches SET p1_id = ?, p2_id = ?, state = ? WHERE id = ?`,
			d.P1ID, d.P2ID, MatchPending, d.ID); err != nil {
			return fmt.Errorf("unwind match %d: %w", d.ID, err)
		}
	}
	return nil
}

// TournamentDone reports completion: either the stored state says so, or
// every non-bye match is complete with an unfired conditional reset not
// counting. Round-by-round formats only ever satisfy the stored state arm.
func (s *Store) TournamentDone(tournamentID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var state string
	err := s.db.QueryRow(`SELECT state FROM tournaments WHERE id = ?`, tournamentID).Scan(&state)
	if err == sql.ErrNoRows {
		return false, fault.New(fault.NotFound, "tournament %d not found", tournamentID)
	}
	if err != nil {
		return false, fmt.Errorf("load tournament state: %w", err)
	}
	if state == TournamentComplete {
		return true, nil
	}
	if state == TournamentPending {
		return false, nil
	}
	var open int
	err = s.db.QueryRow(
		`SELECT COUNT(*) FROM matches
		 WHERE tournament_id = ? AND is_bye = 0 AND state != ?
		   AND NOT (conditional = 1 AND state = ?)`,
		tournamentID, MatchComplete, MatchPending).Scan(&open)
	if err != nil {
		return false, fmt.Errorf("count open matches: %w", err)
	}
	var total int
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM matches WHERE tournament_id = ?`, tournamentID).Scan(&total); err != nil {
		return false, fmt.Errorf("count matches: %w", err)
	}
	return total > 0 && open == 0, nil
}

func allCompleteTx(tx *sql.Tx, tournamentID int64) (bool, error) {
	var open int
	err := tx.QueryRow(
		`SELECT COUNT(*) FROM matches
		 WHERE tournament_id = ? AND is_bye = 0 AND state != ?
		   AND NOT (conditional = 1 AND state = ?)`,
		tournamentID, MatchComplete, MatchPending).Scan(&open)
	if err != nil {
		return false, fmt.Errorf("count open matches: %w", err)
	}
	return open == 0, nil
}

func dependentsTx(tx *sql.Tx, tournamentID, srcID int64) ([]*Match, error) {
	rows, err := tx.Query(
		`SELECT `+matchCols+` FROM matches
		 WHERE tournament_id = ? AND (p1_prereq_id = ? OR p2_prereq_id = ?) ORDER BY id`,
		tournamentID, srcID, srcID)
	if err != nil {
		return nil, fmt.Errorf("load dependents of %d: %w", srcID, err)
	}
	defer rows.Close()

	var out []*Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func matchForUpdate(tx *sql.Tx, id int64) (*Match, error) {
	row := tx.QueryRow(`SELECT `+matchCols+` FROM matches WHERE id = ?`, id)
	m, err := scanMatch(row)
	if err != nil && fault.KindOf(err) == fault.NotFound {
		return nil, fault.New(fault.NotFound, "match %d not found", id)
	}
	return m, err
}

func scanMatch(r rowScanner) (*Match, error) {
	var m Match
	var underway, completed string
	err := r.Scan(&m.ID, &m.TournamentID, &m.Identifier, &m.Round, &m.Position, &m.Stage, &m.Group,
		&m.P1ID, &m.P2ID, &m.P1PrereqID, &m.P2PrereqID, &m.P1PrereqLoser, &m.P2PrereqLoser,
		&m.PlayOrder, &m.P1Score, &m.P2Score, &m.ScoresCSV, &m.WinnerID, &m.LoserID, &m.State,
		&m.Bye, &m.Forfeit, &m.GrandFinal, &m.Conditional, &m.StationID, &underway, &completed)
	if err == sql.ErrNoRows {
		return nil, fault.New(fault.NotFound, "match not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan match: %w", err)
	}
	m.UnderwayAt = parseTime(underway)
	m.CompletedAt = parseTime(completed)
	return &m, nil
}
