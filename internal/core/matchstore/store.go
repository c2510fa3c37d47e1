// Package matchstore is the transactional system of record: tenants,
// tournaments, participants, stations and the live match graph, in SQLite.
// One write connection, WAL journal, every mutation a single transaction.
package matchstore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bracketcast/bracketcast/internal/fault"
	"github.com/bracketcast/bracketcast/internal/telemetry"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite handle. The mutex serializes writers across tenant
// lanes; SQLite itself only ever sees one connection.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init match store schema: %w", err)
	}

	// additive migrations for databases created before these columns existed
	for _, stmt := range []string{
		`ALTER TABLE tenants ADD COLUMN auto_dq_action TEXT NOT NULL DEFAULT 'notify'`,
		`ALTER TABLE tenants ADD COLUMN active_tournament_id INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE tournaments ADD COLUMN format_state TEXT NOT NULL DEFAULT '{}'`,
		`ALTER TABLE tournaments ADD COLUMN scheduled_at TEXT`,
		`ALTER TABLE matches ADD COLUMN scores_csv TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE matches ADD COLUMN station_id INTEGER NOT NULL DEFAULT 0`,
	} {
		db.Exec(stmt)
	}

	var tenants, matches int64
	db.QueryRow(`SELECT COUNT(*) FROM tenants`).Scan(&tenants)
	db.QueryRow(`SELECT COUNT(*) FROM matches`).Scan(&matches)
	telemetry.Plainf("match store: opened %s  tenants=%d  matches=%d", path, tenants, matches)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS tenants (
	id                   INTEGER PRIMARY KEY AUTOINCREMENT,
	name                 TEXT    NOT NULL,
	slug                 TEXT    NOT NULL UNIQUE,
	auto_dq_action       TEXT    NOT NULL DEFAULT 'notify',
	active_tournament_id INTEGER NOT NULL DEFAULT 0,
	created_at           TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS tournaments (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id     INTEGER NOT NULL,
	name          TEXT    NOT NULL,
	slug          TEXT    NOT NULL,
	format        TEXT    NOT NULL,
	state         TEXT    NOT NULL DEFAULT 'pending',
	options       TEXT    NOT NULL DEFAULT '{}',
	format_state  TEXT    NOT NULL DEFAULT '{}',
	scheduled_at  TEXT    NOT NULL DEFAULT '',
	created_at    TEXT    NOT NULL,
	started_at    TEXT    NOT NULL DEFAULT '',
	completed_at  TEXT    NOT NULL DEFAULT '',
	UNIQUE(tenant_id, slug)
);

CREATE TABLE IF NOT EXISTS participants (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	tournament_id INTEGER NOT NULL,
	name          TEXT    NOT NULL,
	seed          INTEGER NOT NULL,
	UNIQUE(tournament_id, seed)
);

CREATE TABLE IF NOT EXISTS stations (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id        INTEGER NOT NULL,
	label            TEXT    NOT NULL,
	active           INTEGER NOT NULL DEFAULT 1,
	current_match_id INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS matches (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	tournament_id   INTEGER NOT NULL,
	identifier      TEXT    NOT NULL,
	round           INTEGER NOT NULL,
	position        INTEGER NOT NULL,
	stage           INTEGER NOT NULL DEFAULT 0,
	grp             INTEGER NOT NULL DEFAULT 0,
	p1_id           INTEGER NOT NULL DEFAULT 0,
	p2_id           INTEGER NOT NULL DEFAULT 0,
	p1_prereq_id    INTEGER NOT NULL DEFAULT 0,
	p2_prereq_id    INTEGER NOT NULL DEFAULT 0,
	p1_prereq_loser INTEGER NOT NULL DEFAULT 0,
	p2_prereq_loser INTEGER NOT NULL DEFAULT 0,
	play_order      INTEGER NOT NULL DEFAULT 0,
	p1_score        INTEGER NOT NULL DEFAULT 0,
	p2_score        INTEGER NOT NULL DEFAULT 0,
	scores_csv      TEXT    NOT NULL DEFAULT '',
	winner_id       INTEGER NOT NULL DEFAULT 0,
	loser_id        INTEGER NOT NULL DEFAULT 0,
	state           TEXT    NOT NULL DEFAULT 'pending',
	is_bye          INTEGER NOT NULL DEFAULT 0,
	is_forfeit      INTEGER NOT NULL DEFAULT 0,
	grand_final     INTEGER NOT NULL DEFAULT 0,
	conditional     INTEGER NOT NULL DEFAULT 0,
	station_id      INTEGER NOT NULL DEFAULT 0,
	underway_at     TEXT    NOT NULL DEFAULT '',
	completed_at    TEXT    NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_tournaments_tenant ON tournaments(tenant_id);
CREATE INDEX IF NOT EXISTS idx_participants_tournament ON participants(tournament_id);
CREATE INDEX IF NOT EXISTS idx_stations_tenant ON stations(tenant_id);
CREATE INDEX IF NOT EXISTS idx_matches_tournament ON matches(tournament_id);
CREATE INDEX IF NOT EXISTS idx_matches_prereqs ON matches(p1_prereq_id, p2_prereq_id);
`

// withTx runs fn inside a transaction under the store mutex. SQLITE_BUSY
// and SQLITE_LOCKED surface as Conflict so the coordinator can retry.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return classify(fmt.Errorf("begin txn: %w", err))
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return classify(err)
	}
	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("commit txn: %w", err))
	}
	return nil
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if isBusy(err) {
		return fault.Wrap(fault.Conflict, err, "store busy")
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fault.Wrap(fault.Conflict, err, "duplicate row")
	}
	return err
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// timestamps are stored as RFC3339Nano UTC text, empty string meaning unset
func timeText(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func now() time.Time { return time.Now().UTC() }
