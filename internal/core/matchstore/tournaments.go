package matchstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bracketcast/bracketcast/internal/core/bracket"
	"github.com/bracketcast/bracketcast/internal/fault"
)

func (s *Store) CreateTournament(tenantID int64, name, slug string, format bracket.Format, opts bracket.Options) (*Tournament, error) {
	if name == "" || slug == "" {
		return nil, fault.New(fault.BadInput, "tournament needs a name and a slug")
	}
	optJSON, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("encode options: %w", err)
	}
	t := &Tournament{
		TenantID:  tenantID,
		Name:      name,
		Slug:      slug,
		Format:    format,
		State:     TournamentPending,
		Options:   opts,
		CreatedAt: now(),
	}
	err = s.withTx(func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM tenants WHERE id = ?`, tenantID).Scan(&n); err != nil {
			return fmt.Errorf("check tenant: %w", err)
		}
		if n == 0 {
			return fault.New(fault.NotFound, "tenant %d not found", tenantID)
		}
		res, err := tx.Exec(
			`INSERT INTO tournaments (tenant_id, name, slug, format, state, options, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			t.TenantID, t.Name, t.Slug, string(t.Format), t.State, string(optJSON), timeText(t.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert tournament: %w", err)
		}
		t.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

const tournamentCols = `id, tenant_id, name, slug, format, state, options, scheduled_at, created_at, started_at, completed_at`

func (s *Store) Tournament(id int64) (*Tournament, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRow(`SELECT `+tournamentCols+` FROM tournaments WHERE id = ?`, id)
	return scanTournament(row)
}

func (s *Store) TournamentBySlug(tenantID int64, slug string) (*Tournament, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRow(
		`SELECT `+tournamentCols+` FROM tournaments WHERE tenant_id = ? AND slug = ?`, tenantID, slug)
	return scanTournament(row)
}

func (s *Store) Tournaments(tenantID int64) ([]*Tournament, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(
		`SELECT `+tournamentCols+` FROM tournaments WHERE tenant_id = ? ORDER BY id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list tournaments: %w", err)
	}
	defer rows.Close()

	var out []*Tournament
	for rows.Next() {
		t, err := scanTournament(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// StartTournament moves a pending tournament underway and points its
// tenant's displays at it.
func (s *Store) StartTournament(id int64) (*Tournament, error) {
	var out *Tournament
	err := s.withTx(func(tx *sql.Tx) error {
		t, err := tournamentForUpdate(tx, id)
		if err != nil {
			return err
		}
		if t.State != TournamentPending {
			return fault.New(fault.RefusedPrecondition, "tournament %d is %s, not pending", id, t.State)
		}
		t.State = TournamentUnderway
		t.StartedAt = now()
		if _, err := tx.Exec(
			`UPDATE tournaments SET state = ?, started_at = ? WHERE id = ?`,
			t.State, timeText(t.StartedAt), id); err != nil {
			return fmt.Errorf("start tournament %d: %w", id, err)
		}
		if _, err := tx.Exec(
			`UPDATE tenants SET active_tournament_id = ? WHERE id = ?`, id, t.TenantID); err != nil {
			return fmt.Errorf("activate tournament %d: %w", id, err)
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) SetTournamentState(id int64, state string) error {
	switch state {
	case TournamentPending, TournamentUnderway, TournamentAwaitingReview, TournamentComplete:
	default:
		return fault.New(fault.BadInput, "unknown tournament state %q", state)
	}
	return s.withTx(func(tx *sql.Tx) error {
		return mustUpdate(tx, "tournament", id,
			`UPDATE tournaments SET state = ? WHERE id = ?`, state, id)
	})
}

// FinishTournament marks an underway or reviewed tournament complete.
func (s *Store) FinishTournament(id int64) (*Tournament, error) {
	var out *Tournament
	err := s.withTx(func(tx *sql.Tx) error {
		t, err := tournamentForUpdate(tx, id)
		if err != nil {
			return err
		}
		if t.State != TournamentUnderway && t.State != TournamentAwaitingReview {
			return fault.New(fault.RefusedPrecondition, "tournament %d is %s, cannot complete", id, t.State)
		}
		t.State = TournamentComplete
		t.CompletedAt = now()
		if _, err := tx.Exec(
			`UPDATE tournaments SET state = ?, completed_at = ? WHERE id = ?`,
			t.State, timeText(t.CompletedAt), id); err != nil {
			return fmt.Errorf("complete tournament %d: %w", id, err)
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ScheduleTournament(id int64, at time.Time) error {
	return s.withTx(func(tx *sql.Tx) error {
		return mustUpdate(tx, "tournament", id,
			`UPDATE tournaments SET scheduled_at = ? WHERE id = ?`, timeText(at.UTC()), id)
	})
}

// AnyUnderway reports whether any tenant has a tournament in play. The
// rate governor projects its mode from this.
func (s *Store) AnyUnderway() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM tournaments WHERE state = ?`, TournamentUnderway).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count underway tournaments: %w", err)
	}
	return n > 0, nil
}

// NextScheduled returns the earliest scheduled start at or after the given
// time among pending tournaments. Times are compared in Go because the
// column stores RFC 3339 text with variable precision.
func (s *Store) NextScheduled(after time.Time) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(
		`SELECT scheduled_at FROM tournaments WHERE state = ? AND scheduled_at != ''`,
		TournamentPending)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("scheduled tournaments: %w", err)
	}
	defer rows.Close()

	var best time.Time
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return time.Time{}, false, fmt.Errorf("scan scheduled_at: %w", err)
		}
		at := parseTime(raw)
		if at.IsZero() || at.Before(after) {
			continue
		}
		if best.IsZero() || at.Before(best) {
			best = at
		}
	}
	return best, !best.IsZero(), rows.Err()
}

// ResetTournament wipes the bracket: matches gone, stations freed, state
// back to pending. Participants stay registered.
func (s *Store) ResetTournament(id int64) error {
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tournamentForUpdate(tx, id); err != nil {
			return err
		}
		if _, err := tx.Exec(
			`UPDATE stations SET current_match_id = 0
			 WHERE current_match_id IN (SELECT id FROM matches WHERE tournament_id = ?)`, id); err != nil {
			return fmt.Errorf("free stations: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM matches WHERE tournament_id = ?`, id); err != nil {
			return fmt.Errorf("delete matches: %w", err)
		}
		if _, err := tx.Exec(
			`UPDATE tournaments SET state = ?, started_at = '', completed_at = '', format_state = '{}'
			 WHERE id = ?`, TournamentPending, id); err != nil {
			return fmt.Errorf("reset tournament %d: %w", id, err)
		}
		return nil
	})
}

// FormatState loads the incremental-format blob: swiss round count, FFA
// lobbies, leaderboard events.
func (s *Store) FormatState(id int64) (*FormatState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var raw string
	err := s.db.QueryRow(`SELECT format_state FROM tournaments WHERE id = ?`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, fault.New(fault.NotFound, "tournament %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load format state: %w", err)
	}
	fs := &FormatState{}
	if raw != "" && raw != "{}" {
		if err := json.Unmarshal([]byte(raw), fs); err != nil {
			return nil, fmt.Errorf("decode format state: %w", err)
		}
	}
	return fs, nil
}

func (s *Store) SetFormatState(id int64, fs *FormatState) error {
	raw, err := json.Marshal(fs)
	if err != nil {
		return fmt.Errorf("encode format state: %w", err)
	}
	return s.withTx(func(tx *sql.Tx) error {
		return mustUpdate(tx, "tournament", id,
			`UPDATE tournaments SET format_state = ? WHERE id = ?`, string(raw), id)
	})
}

func tournamentForUpdate(tx *sql.Tx, id int64) (*Tournament, error) {
	row := tx.QueryRow(`SELECT `+tournamentCols+` FROM tournaments WHERE id = ?`, id)
	t, err := scanTournament(row)
	if err != nil {
		if fault.KindOf(err) == fault.NotFound {
			return nil, fault.New(fault.NotFound, "tournament %d not found", id)
		}
		return nil, err
	}
	return t, nil
}

func scanTournament(r rowScanner) (*Tournament, error) {
	var t Tournament
	var format, opts, scheduled, created, started, completed string
	err := r.Scan(&t.ID, &t.TenantID, &t.Name, &t.Slug, &format, &t.State,
		&opts, &scheduled, &created, &started, &completed)
	if err == sql.ErrNoRows {
		return nil, fault.New(fault.NotFound, "tournament not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan tournament: %w", err)
	}
	t.Format = bracket.Format(format)
	if opts != "" {
		if err := json.Unmarshal([]byte(opts), &t.Options); err != nil {
			return nil, fmt.Errorf("decode options: %w", err)
		}
	}
	t.ScheduledAt = parseTime(scheduled)
	t.CreatedAt = parseTime(created)
	t.StartedAt = parseTime(started)
	t.CompletedAt = parseTime(completed)
	return &t, nil
}
