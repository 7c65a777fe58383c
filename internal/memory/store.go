// Package memory is the SQLite persistence layer: channel accounts,
// conversation threads and turns, the raw channel message log, auto-reply
// rules, per-account stats and long-term memories.
package memory

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Store implements the domain persistence interfaces on SQLite.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// Open creates the database file if needed and applies migrations.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := RunMigrations(db.DB, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// DB exposes the handle for packages sharing the database (knowledge).
func (s *Store) DB() *sqlx.DB { return s.db }

func (s *Store) Close() error {
	return s.db.Close()
}

func now() time.Time { return time.Now().UTC() }
