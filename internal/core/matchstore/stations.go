package matchstore

import (
	"database/sql"
	"fmt"

	"github.com/bracketcast/bracketcast/internal/fault"
)

func (s *Store) CreateStation(tenantID int64, label string) (*Station, error) {
	if label == "" {
		return nil, fault.New(fault.BadInput, "station needs a label")
	}
	st := &Station{TenantID: tenantID, Label: label, Active: true}
	err := s.withTx(func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM tenants WHERE id = ?`, tenantID).Scan(&n); err != nil {
			return fmt.Errorf("check tenant: %w", err)
		}
		if n == 0 {
			return fault.New(fault.NotFound, "tenant %d not found", tenantID)
		}
		res, err := tx.Exec(
			`INSERT INTO stations (tenant_id, label, active) VALUES (?, ?, 1)`, tenantID, label)
		if err != nil {
			return fmt.Errorf("insert station: %w", err)
		}
		st.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Store) Station(id int64) (*Station, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRow(
		`SELECT id, tenant_id, label, active, current_match_id FROM stations WHERE id = ?`, id)
	st, err := scanStation(row)
	if err != nil && fault.KindOf(err) == fault.NotFound {
		return nil, fault.New(fault.NotFound, "station %d not found", id)
	}
	return st, err
}

func (s *Store) Stations(tenantID int64) ([]*Station, error) {
	return s.stationsWhere(`tenant_id = ?`, tenantID)
}

// AvailableStations lists the tenant's active, unoccupied stations.
func (s *Store) AvailableStations(tenantID int64) ([]*Station, error) {
	return s.stationsWhere(`tenant_id = ? AND active = 1 AND current_match_id = 0`, tenantID)
}

func (s *Store) stationsWhere(cond string, args ...any) ([]*Station, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(
		`SELECT id, tenant_id, label, active, current_match_id FROM stations
		 WHERE `+cond+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list stations: %w", err)
	}
	defer rows.Close()

	var out []*Station
	for rows.Next() {
		st, err := scanStation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) SetStationActive(id int64, active bool) error {
	return s.withTx(func(tx *sql.Tx) error {
		return mustUpdate(tx, "station", id,
			`UPDATE stations SET active = ? WHERE id = ?`, active, id)
	})
}

func (s *Store) DeleteStation(id int64) error {
	return s.withTx(func(tx *sql.Tx) error {
		var current int64
		err := tx.QueryRow(`SELECT current_match_id FROM stations WHERE id = ?`, id).Scan(&current)
		if err == sql.ErrNoRows {
			return fault.New(fault.NotFound, "station %d not found", id)
		}
		if err != nil {
			return fmt.Errorf("load station: %w", err)
		}
		if current != 0 {
			return fault.New(fault.RefusedPrecondition, "station %d is hosting match %d", id, current)
		}
		_, err = tx.Exec(`DELETE FROM stations WHERE id = ?`, id)
		return err
	})
}

// AssignStation seats a playable match at a free station. Both sides of
// the link are written in one transaction so they can never disagree.
func (s *Store) AssignStation(matchID, stationID int64) error {
	return s.withTx(func(tx *sql.Tx) error {
		m, err := matchForUpdate(tx, matchID)
		if err != nil {
			return err
		}
		if !m.Playable() {
			return fault.New(fault.RefusedPrecondition, "match %d is %s, not playable", matchID, m.State)
		}
		if m.StationID != 0 {
			return fault.New(fault.RefusedPrecondition, "match %d already at station %d", matchID, m.StationID)
		}
		st, err := stationForUpdate(tx, stationID)
		if err != nil {
			return err
		}
		if !st.Active {
			return fault.New(fault.RefusedPrecondition, "station %d is inactive", stationID)
		}
		if st.CurrentMatchID != 0 {
			return fault.New(fault.RefusedPrecondition, "station %d is hosting match %d", stationID, st.CurrentMatchID)
		}
		return linkStation(tx, matchID, stationID)
	})
}

// ReleaseStation frees whatever station the match holds. Calling it on an
// unassigned match is a no-op.
func (s *Store) ReleaseStation(matchID int64) error {
	return s.withTx(func(tx *sql.Tx) error {
		m, err := matchForUpdate(tx, matchID)
		if err != nil {
			return err
		}
		if m.StationID == 0 {
			return nil
		}
		return unlinkStation(tx, matchID, m.StationID)
	})
}

// AutoAssignStations greedily seats open unassigned matches, lowest
// suggested play order first, at the tenant's free stations. Returns how
// many assignments were made.
func (s *Store) AutoAssignStations(tournamentID int64) (int, error) {
	var n int
	err := s.withTx(func(tx *sql.Tx) error {
		var err error
		n, err = autoAssignTx(tx, tournamentID)
		return err
	})
	return n, err
}

func autoAssignTx(tx *sql.Tx, tournamentID int64) (int, error) {
	var tenantID int64
	err := tx.QueryRow(`SELECT tenant_id FROM tournaments WHERE id = ?`, tournamentID).Scan(&tenantID)
	if err == sql.ErrNoRows {
		return 0, fault.New(fault.NotFound, "tournament %d not found", tournamentID)
	}
	if err != nil {
		return 0, fmt.Errorf("load tournament tenant: %w", err)
	}

	free, err := freeStationIDs(tx, tenantID)
	if err != nil || len(free) == 0 {
		return 0, err
	}
	waiting, err := waitingMatchIDs(tx, tournamentID)
	if err != nil || len(waiting) == 0 {
		return 0, err
	}

	n := 0
	for i := 0; i < len(free) && i < len(waiting); i++ {
		if err := linkStation(tx, waiting[i], free[i]); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func freeStationIDs(tx *sql.Tx, tenantID int64) ([]int64, error) {
	rows, err := tx.Query(
		`SELECT id FROM stations
		 WHERE tenant_id = ? AND active = 1 AND current_match_id = 0 ORDER BY id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("free stations: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

func waitingMatchIDs(tx *sql.Tx, tournamentID int64) ([]int64, error) {
	rows, err := tx.Query(
		`SELECT id FROM matches
		 WHERE tournament_id = ? AND state = ? AND station_id = 0 AND is_bye = 0
		 ORDER BY play_order, round, id`, tournamentID, MatchOpen)
	if err != nil {
		return nil, fmt.Errorf("waiting matches: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

func scanIDs(rows *sql.Rows) ([]int64, error) {
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func linkStation(tx *sql.Tx, matchID, stationID int64) error {
	if _, err := tx.Exec(`UPDATE matches SET station_id = ? WHERE id = ?`, stationID, matchID); err != nil {
		return fmt.Errorf("link match %d: %w", matchID, err)
	}
	if _, err := tx.Exec(`UPDATE stations SET current_match_id = ? WHERE id = ?`, matchID, stationID); err != nil {
		return fmt.Errorf("link station %d: %w", stationID, err)
	}
	return nil
}

func unlinkStation(tx *sql.Tx, matchID, stationID int64) error {
	if _, err := tx.Exec(`UPDATE matches SET station_id = 0 WHERE id = ?`, matchID); err != nil {
		return fmt.Errorf("unlink match %d: %w", matchID, err)
	}
	if _, err := tx.Exec(`UPDATE stations SET current_match_id = 0 WHERE id = ?`, stationID); err != nil {
		return fmt.Errorf("unlink station %d: %w", stationID, err)
	}
	return nil
}

func stationForUpdate(tx *sql.Tx, id int64) (*Station, error) {
	row := tx.QueryRow(
		`SELECT id, tenant_id, label, active, current_match_id FROM stations WHERE id = ?`, id)
	st, err := scanStation(row)
	if err != nil && fault.KindOf(err) == fault.NotFound {
		return nil, fault.New(fault.NotFound, "station %d not found", id)
	}
	return st, err
}

func scanStation(r rowScanner) (*Station, error) {
	var st Station
	err := r.Scan(&st.ID, &st.TenantID, &st.Label, &st.Active, &st.CurrentMatchID)
	if err == sql.ErrNoRows {
		return nil, fault.New(fault.NotFound, "station not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan station: %w", err)
	}
	return &st, nil
}
