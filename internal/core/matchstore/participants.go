package matchstore

import (
	"database/sql"
	"fmt"

	"github.com/bracketcast/bracketcast/internal/core/bracket"
	"github.com/bracketcast/bracketcast/internal/fault"
)

// AddParticipant registers a player. Seed 0 appends after the current
// highest seed.
func (s *Store) AddParticipant(tournamentID int64, name string, seed int) (*Participant, error) {
	if name == "" {
		return nil, fault.New(fault.BadInput, "participant needs a name")
	}
	p := &Participant{TournamentID: tournamentID, Name: name, Seed: seed}
	err := s.withTx(func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM tournaments WHERE id = ?`, tournamentID).Scan(&n); err != nil {
			return fmt.Errorf("check tournament: %w", err)
		}
		if n == 0 {
			return fault.New(fault.NotFound, "tournament %d not found", tournamentID)
		}
		if p.Seed == 0 {
			var max int
			if err := tx.QueryRow(
				`SELECT COALESCE(MAX(seed), 0) FROM participants WHERE tournament_id = ?`,
				tournamentID).Scan(&max); err != nil {
				return fmt.Errorf("next seed: %w", err)
			}
			p.Seed = max + 1
		}
		res, err := tx.Exec(
			`INSERT INTO participants (tournament_id, name, seed) VALUES (?, ?, ?)`,
			p.TournamentID, p.Name, p.Seed,
		)
		if err != nil {
			return fmt.Errorf("insert participant: %w", err)
		}
		p.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Store) Participant(id int64) (*Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRow(
		`SELECT id, tournament_id, name, seed FROM participants WHERE id = ?`, id)
	p, err := scanParticipant(row)
	if err != nil && fault.KindOf(err) == fault.NotFound {
		return nil, fault.New(fault.NotFound, "participant %d not found", id)
	}
	return p, err
}

func (s *Store) Participants(tournamentID int64) ([]*Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(
		`SELECT id, tournament_id, name, seed FROM participants
		 WHERE tournament_id = ? ORDER BY seed`, tournamentID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var out []*Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateParticipant renames and/or reseeds. Empty name and zero seed keep
// the current values.
func (s *Store) UpdateParticipant(id int64, name string, seed int) (*Participant, error) {
	var out *Participant
	err := s.withTx(func(tx *sql.Tx) error {
		row := tx.QueryRow(`SELECT id, tournament_id, name, seed FROM participants WHERE id = ?`, id)
		p, err := scanParticipant(row)
		if err != nil {
			return err
		}
		if name != "" {
			p.Name = name
		}
		if seed != 0 {
			p.Seed = seed
		}
		if _, err := tx.Exec(
			`UPDATE participants SET name = ?, seed = ? WHERE id = ?`, p.Name, p.Seed, id); err != nil {
			return fmt.Errorf("update participant %d: %w", id, err)
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteParticipant removes a registration. Refused once the participant
// appears in any match that has left the pending state; reopen or reset
// the bracket first.
func (s *Store) DeleteParticipant(id int64) error {
	return s.withTx(func(tx *sql.Tx) error {
		var tournamentID int64
		err := tx.QueryRow(`SELECT tournament_id FROM participants WHERE id = ?`, id).Scan(&tournamentID)
		if err == sql.ErrNoRows {
			return fault.New(fault.NotFound, "participant %d not found", id)
		}
		if err != nil {
			return fmt.Errorf("load participant: %w", err)
		}
		var played int
		err = tx.QueryRow(
			`SELECT COUNT(*) FROM matches
			 WHERE tournament_id = ? AND (p1_id = ? OR p2_id = ?) AND state != ?`,
			tournamentID, id, id, MatchPending).Scan(&played)
		if err != nil {
			return fmt.Errorf("check matches: %w", err)
		}
		if played > 0 {
			return fault.New(fault.RefusedPrecondition,
				"participant %d has entered play in %d match(es)", id, played)
		}
		_, err = tx.Exec(`DELETE FROM participants WHERE id = ?`, id)
		return err
	})
}

func scanParticipant(r rowScanner) (*Participant, error) {
	var p Participant
	err := r.Scan(&p.ID, &p.TournamentID, &p.Name, &p.Seed)
	if err == sql.ErrNoRows {
		return nil, fault.New(fault.NotFound, "participant not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan participant: %w", err)
	}
	return &p, nil
}

// Entrants converts the roster to the generator's participant type, in
// seed order.
func (s *Store) Entrants(tournamentID int64) ([]bracket.Participant, error) {
	ps, err := s.Participants(tournamentID)
	if err != nil {
		return nil, err
	}
	out := make([]bracket.Participant, len(ps))
	for i, p := range ps {
		out[i] = bracket.Participant{ID: p.ID, Name: p.Name, Seed: p.Seed}
	}
	return out, nil
}
