// Package store owns the SQLite connection and schema for codegate-broker:
// the accounts and requests tables, plus the tenant tables. It does not
// know about the Account or Request domain types — those live in
// internal/account and internal/usage, built on top of the *sql.DB this
// package hands out.
package store

import (
	"database/sql"
	"embed"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store wraps the shared SQLite database. Reads use the long-lived,
// read-only connection; writes open a short-lived read-write connection
// (WAL readers don't block a writer).
type Store struct {
	path string

	mu       sync.Mutex
	readConn *sql.DB
}

// Open runs pending migrations and opens the read connection.
func Open(dbPath string) (*Store, error) {
	if err := migrateUp(dbPath); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	readConn, err := sql.Open("sqlite3", dsn(dbPath, true))
	if err != nil {
		return nil, fmt.Errorf("open read connection: %w", err)
	}
	readConn.SetMaxOpenConns(4)

	return &Store{path: dbPath, readConn: readConn}, nil
}

func dsn(path string, readOnly bool) string {
	q := "?_journal_mode=WAL&_foreign_keys=on"
	if readOnly {
		q += "&mode=ro"
	}
	return path + q
}

// DB returns the read connection for queries.
func (s *Store) DB() *sql.DB {
	return s.readConn
}

// Close closes the read connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readConn == nil {
		return nil
	}
	err := s.readConn.Close()
	s.readConn = nil
	return err
}

// WithWrite opens a short-lived write connection, runs fn, and closes it.
// Every mutation goes through here so a single statement is the unit of
// atomicity; no multi-row transactions are required in the core.
func (s *Store) WithWrite(fn func(*sql.DB) error) error {
	wConn, err := sql.Open("sqlite3", dsn(s.path, false))
	if err != nil {
		return fmt.Errorf("open write connection: %w", err)
	}
	defer wConn.Close()
	return fn(wConn)
}

func migrateUp(dbPath string) error {
	absPath, err := filepath.Abs(dbPath)
	if err != nil {
		return err
	}

	srcDriver, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}

	conn, err := sql.Open("sqlite3", dsn(absPath, false))
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer conn.Close()

	dbDriver, err := sqlite3.WithInstance(conn, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("sqlite3 migrate driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", srcDriver, "sqlite3", dbDriver)
	if err != nil {
		return fmt.Errorf("construct migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}
