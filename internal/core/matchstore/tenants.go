package matchstore

import (
	"database/sql"
	"fmt"

	"github.com/bracketcast/bracketcast/internal/fault"
)

func (s *Store) CreateTenant(name, slug string) (*Tenant, error) {
	if name == "" || slug == "" {
		return nil, fault.New(fault.BadInput, "tenant needs a name and a slug")
	}
	t := &Tenant{Name: name, Slug: slug, AutoDQAction: DQActionNotify, CreatedAt: now()}
	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`INSERT INTO tenants (name, slug, auto_dq_action, created_at) VALUES (?, ?, ?, ?)`,
			t.Name, t.Slug, t.AutoDQAction, timeText(t.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert tenant: %w", err)
		}
		t.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Store) Tenant(id int64) (*Tenant, error) {
	return s.tenantWhere(`id = ?`, id)
}

func (s *Store) TenantBySlug(slug string) (*Tenant, error) {
	return s.tenantWhere(`slug = ?`, slug)
}

func (s *Store) tenantWhere(cond string, arg any) (*Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRow(
		`SELECT id, name, slug, auto_dq_action, active_tournament_id, created_at
		 FROM tenants WHERE `+cond, arg)
	return scanTenant(row)
}

func (s *Store) Tenants() ([]*Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(
		`SELECT id, name, slug, auto_dq_action, active_tournament_id, created_at
		 FROM tenants ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var out []*Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TenantsWithActiveTournament lists tenants whose active tournament is
// underway or awaiting review; the poller's scan set.
func (s *Store) TenantsWithActiveTournament() ([]*Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(
		`SELECT t.id, t.name, t.slug, t.auto_dq_action, t.active_tournament_id, t.created_at
		 FROM tenants t
		 JOIN tournaments tr ON tr.id = t.active_tournament_id
		 WHERE tr.state IN (?, ?)
		 ORDER BY t.id`,
		TournamentUnderway, TournamentAwaitingReview)
	if err != nil {
		return nil, fmt.Errorf("scan active tenants: %w", err)
	}
	defer rows.Close()

	var out []*Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) SetAutoDQAction(tenantID int64, action string) error {
	if action != DQActionNotify && action != DQActionAuto {
		return fault.New(fault.BadInput, "unknown dq action %q", action)
	}
	return s.withTx(func(tx *sql.Tx) error {
		return mustUpdate(tx, "tenant", tenantID,
			`UPDATE tenants SET auto_dq_action = ? WHERE id = ?`, action, tenantID)
	})
}

// SetActiveTournament points the tenant's displays at a tournament; zero
// clears it.
func (s *Store) SetActiveTournament(tenantID, tournamentID int64) error {
	return s.withTx(func(tx *sql.Tx) error {
		if tournamentID != 0 {
			var owner int64
			err := tx.QueryRow(`SELECT tenant_id FROM tournaments WHERE id = ?`, tournamentID).Scan(&owner)
			if err == sql.ErrNoRows {
				return fault.New(fault.NotFound, "tournament %d not found", tournamentID)
			}
			if err != nil {
				return fmt.Errorf("load tournament owner: %w", err)
			}
			if owner != tenantID {
				return fault.New(fault.BadInput, "tournament %d belongs to tenant %d", tournamentID, owner)
			}
		}
		return mustUpdate(tx, "tenant", tenantID,
			`UPDATE tenants SET active_tournament_id = ? WHERE id = ?`, tournamentID, tenantID)
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenant(r rowScanner) (*Tenant, error) {
	var t Tenant
	var created string
	err := r.Scan(&t.ID, &t.Name, &t.Slug, &t.AutoDQAction, &t.ActiveTournamentID, &created)
	if err == sql.ErrNoRows {
		return nil, fault.New(fault.NotFound, "tenant not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan tenant: %w", err)
	}
	t.CreatedAt = parseTime(created)
	return &t, nil
}

// mustUpdate runs an update that must touch exactly the named row.
func mustUpdate(tx *sql.Tx, entity string, id int64, query string, args ...any) error {
	res, err := tx.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("update %s %d: %w", entity, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s %d: %w", entity, id, err)
	}
	if n == 0 {
		return fault.New(fault.NotFound, "%s %d not found", entity, id)
	}
	return nil
}
