// ABOUTME: SQLite implementation of the Store interface
// ABOUTME: Opens the database with either modernc.org/sqlite or mattn/go-sqlite3 and manages the schema

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Supported database/sql driver names.
const (
	DriverModernc = "sqlite"  // pure Go, default
	DriverCGO     = "sqlite3" // mattn/go-sqlite3, needs cgo
)

// timeFormat is fixed-width so TEXT columns compare in time order.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path using the pure Go driver.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return Open(DriverModernc, path)
}

// Open creates a SQLite store at path with the named driver.
// The schema is created if it doesn't exist and parent directories are created if needed.
func Open(driver, path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	switch driver {
	case "":
		driver = DriverModernc
	case DriverModernc, DriverCGO:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// one connection serializes writers and keeps :memory: databases coherent
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", p, err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "driver", driver)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS stack_maid (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			msid       INTEGER NOT NULL,
			context_id TEXT NOT NULL,
			seq        INTEGER NOT NULL,
			delegate   TEXT NOT NULL,
			context    BLOB,
			created_at TEXT NOT NULL,

			UNIQUE (msid, context_id, seq)
		);

		CREATE INDEX IF NOT EXISTS idx_stack_maid_msid ON stack_maid(msid, context_id, seq DESC);
		CREATE INDEX IF NOT EXISTS idx_stack_maid_created ON stack_maid(created_at);

		CREATE TABLE IF NOT EXISTS stack_maid_quarantine (
			id             INTEGER PRIMARY KEY,
			msid           INTEGER NOT NULL,
			context_id     TEXT NOT NULL,
			seq            INTEGER NOT NULL,
			delegate       TEXT NOT NULL,
			context        BLOB,
			created_at     TEXT NOT NULL,
			reason         TEXT NOT NULL,
			quarantined_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_quarantine_ts ON stack_maid_quarantine(quarantined_at DESC);

		CREATE TABLE IF NOT EXISTS cluster_locks (
			name        TEXT PRIMARY KEY,
			owner       TEXT NOT NULL,
			acquired_at TEXT NOT NULL,
			expires_at  TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS hosts (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			hypervisor TEXT NOT NULL DEFAULT '',
			status     TEXT NOT NULL,
			msid       INTEGER NOT NULL DEFAULT 0,
			details    TEXT,
			last_seen  TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,

			CHECK (status IN ('connecting', 'up', 'alert', 'disconnected', 'maintenance'))
		);

		CREATE INDEX IF NOT EXISTS idx_hosts_status ON hosts(status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies column additions to databases created by older builds.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "hosts",
			column: "hypervisor",
			apply:  `ALTER TABLE hosts ADD COLUMN hypervisor TEXT NOT NULL DEFAULT ''`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// DB exposes the underlying database handle for health checks.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
