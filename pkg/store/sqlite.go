package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// SQLiteStore is the pm.db-backed Store. SQLite is single-writer; the
// store serializes writes through one connection and relies on WAL for
// concurrent readers.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (creating if necessary) the database file at path with
// mode 0600, applies pending migrations, and returns the store.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}

	// Create the file before sqlite does so the 0600 mode is guaranteed
	// from the first byte.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create database file: %w", err)
	}
	_ = f.Close()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			slog.Warn("Failed to apply sqlite pragma", "pragma", pragma, "error", err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrate applies embedded migrations. Up-to-date is not an error.
func (s *SQLiteStore) migrate() error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("init migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("init migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// DB exposes the raw handle for tests.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Close releases the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Store interface wiring.

func (s *SQLiteStore) Projects() Projects         { return &sqlProjects{db: s.db} }
func (s *SQLiteStore) Issues() Issues             { return &sqlIssues{db: s.db} }
func (s *SQLiteStore) Comments() Comments         { return &sqlComments{db: s.db} }
func (s *SQLiteStore) Labels() Labels             { return &sqlLabels{db: s.db} }
func (s *SQLiteStore) Documents() Documents       { return &sqlDocuments{db: s.db} }
func (s *SQLiteStore) Agents() Agents             { return &sqlAgents{db: s.db} }
func (s *SQLiteStore) Alerts() Alerts             { return &sqlAlerts{db: s.db} }
func (s *SQLiteStore) Patterns() Patterns         { return &sqlPatterns{db: s.db} }
func (s *SQLiteStore) Salience() Salience         { return &sqlSalience{db: s.db} }
func (s *SQLiteStore) KillSwitches() KillSwitches { return &sqlKillSwitches{db: s.db} }
func (s *SQLiteStore) Attributions() Attributions { return &sqlAttributions{db: s.db} }

// timeFormat is how timestamps are stored. RFC3339Nano keeps ordering
// lexicographic, which the windowed queries rely on.
const timeFormat = time.RFC3339Nano

func formatTime(t time.Time) string { return t.UTC().Format(timeFormat) }

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}
