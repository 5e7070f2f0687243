package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mtzanidakis/phalanx/internal/config"
	_ "modernc.org/sqlite"
)

// querier is the subset of *sql.DB and *sql.Tx the query methods need.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries holds every statement that may run either directly or inside a
// transaction.
type queries struct {
	q querier
}

type Store struct {
	queries
	db *sql.DB
}

// Tx is a store transaction. It exposes the same query methods as Store.
type Tx struct {
	queries
	tx *sql.Tx
}

func New(cfg config.StoreConfig) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	// Pragmas live in the DSN so every pooled connection gets them.
	// Transactions are immediate: they take the write lock on BEGIN.
	dsn := cfg.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{queries: queries{q: db}, db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// WithTx runs fn inside a transaction. The transaction is rolled back when fn
// returns an error and committed otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	tx := &Tx{queries: queries{q: sqlTx}, tx: sqlTx}

	if err := fn(tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS groups (
			id           TEXT PRIMARY KEY,
			name         TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'pending',
			config       TEXT NOT NULL DEFAULT '{}',
			next_scan_at DATETIME,
			created_at   DATETIME NOT NULL,
			updated_at   DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id                TEXT PRIMARY KEY,
			group_id          TEXT NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
			name              TEXT NOT NULL,
			is_root           BOOLEAN NOT NULL DEFAULT FALSE,
			status            TEXT NOT NULL DEFAULT 'pending',
			assigned_agent_id TEXT,
			directive         TEXT NOT NULL DEFAULT '',
			result            TEXT,
			created_at        DATETIME NOT NULL,
			started_at        DATETIME,
			completed_at      DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_group ON tasks(group_id, status)`,
		`CREATE TABLE IF NOT EXISTS attempts (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			group_id   TEXT NOT NULL,
			tool       TEXT NOT NULL,
			target     TEXT NOT NULL,
			status     TEXT NOT NULL,
			reason     TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_key ON attempts(group_id, tool, target, id)`,
		`CREATE TABLE IF NOT EXISTS discoveries (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			group_id   TEXT NOT NULL,
			agent_id   TEXT NOT NULL,
			kind       TEXT NOT NULL,
			title      TEXT NOT NULL,
			detail     TEXT,
			severity   TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_discoveries_group ON discoveries(group_id, id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	return nil
}
