package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	sqlitePragmas = "_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
)

type Config struct {
	Driver string
	DSN    string
	Clock  func() time.Time
	Logger zerolog.Logger
}

// SQLStore persists trials, patients with their saved trial links, and radar
// alerts. Every method commits in a single statement or transaction.
type SQLStore struct {
	db     *sqlx.DB
	driver string
	now    func() time.Time
	log    zerolog.Logger
}

const schemaTemplate = `
CREATE TABLE IF NOT EXISTS trials (
	nct_id               TEXT PRIMARY KEY,
	title                TEXT NOT NULL,
	phase                TEXT NOT NULL DEFAULT 'N/A',
	status               TEXT NOT NULL DEFAULT '',
	conditions           TEXT NOT NULL DEFAULT '[]',
	interventions        TEXT NOT NULL DEFAULT '[]',
	eligibility_criteria TEXT NOT NULL DEFAULT '',
	parsed_criteria      TEXT,
	min_age              INTEGER,
	max_age              INTEGER,
	sex                  TEXT NOT NULL DEFAULT 'ALL',
	sponsor              TEXT NOT NULL DEFAULT 'Unknown',
	locations            TEXT NOT NULL DEFAULT '[]',
	last_updated         TEXT NOT NULL DEFAULT '',
	updated_at           TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS trials_status_idx ON trials (status);

CREATE TABLE IF NOT EXISTS patients (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	condition  TEXT NOT NULL DEFAULT '',
	profile    TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS patient_trials (
	patient_id TEXT NOT NULL REFERENCES patients (id) ON DELETE CASCADE,
	nct_id     TEXT NOT NULL REFERENCES trials (nct_id),
	slot       INTEGER NOT NULL,
	title      TEXT NOT NULL DEFAULT '',
	phase      TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL DEFAULT '',
	match_data TEXT NOT NULL DEFAULT '{}',
	saved_at   TEXT NOT NULL,
	PRIMARY KEY (patient_id, nct_id)
);

CREATE TABLE IF NOT EXISTS alerts (
	id          %s,
	drug        TEXT NOT NULL,
	category    TEXT NOT NULL,
	severity    TEXT NOT NULL,
	title       TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	source      TEXT NOT NULL DEFAULT 'Unknown',
	source_url  TEXT NOT NULL DEFAULT '',
	sources     TEXT NOT NULL DEFAULT '[]',
	alert_date  TEXT NOT NULL,
	is_new      INTEGER NOT NULL DEFAULT 1,
	created_at  TEXT NOT NULL,
	UNIQUE (drug, title)
);
`

func schemaFor(driver string) string {
	id := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if driver == DriverPostgres {
		id = "BIGSERIAL PRIMARY KEY"
	}
	return fmt.Sprintf(schemaTemplate, id)
}

// Open connects to the configured database and creates the schema. SQLite
// (the default) is opened with WAL, a busy timeout and a single connection.
func Open(ctx context.Context, cfg Config) (*SQLStore, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = DriverSQLite
	}

	var (
		db  *sqlx.DB
		err error
	)
	switch driver {
	case DriverSQLite:
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "trialsense.db"
		}
		if !strings.Contains(dsn, "_pragma") {
			sep := "?"
			if strings.Contains(dsn, "?") {
				sep = "&"
			}
			dsn += sep + sqlitePragmas
		}
		db, err = sqlx.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		db.SetMaxOpenConns(1)
	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres dsn is required")
		}
		db, err = sqlx.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	if _, err := db.ExecContext(ctx, schemaFor(driver)); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &SQLStore{db: db, driver: driver, now: now, log: cfg.Logger}, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Driver() string { return s.driver }

func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// --- encoding helpers ---

func timeToString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func marshalJSON(v any, empty string) string {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return empty
	}
	return string(b)
}

func nullableInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func rowsAffected(res sql.Result) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}
