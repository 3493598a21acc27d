package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	awerrors "github.com/Aman-CERP/annexwatch/internal/errors"
)

// schemaVersion is stored in PRAGMA user_version. A database with a
// different version is rebuilt; its contents are derived.
const schemaVersion = 2

const schema = `
CREATE TABLE IF NOT EXISTS trees (
	id             TEXT PRIMARY KEY,
	root_path      TEXT NOT NULL UNIQUE,
	added_at       INTEGER NOT NULL,
	last_modified  INTEGER NOT NULL DEFAULT 0,
	-- NULL until the first full scan completes. An empty string is a side
	-- that had no commit yet.
	content_commit TEXT,
	meta_commit    TEXT
);

CREATE TABLE IF NOT EXISTS path_status (
	tree_id       TEXT NOT NULL,
	path          TEXT NOT NULL,
	parent_path   TEXT,
	is_directory  INTEGER NOT NULL,
	is_tracked    INTEGER NOT NULL DEFAULT 0,
	presence      TEXT NOT NULL DEFAULT '',
	sufficiency   TEXT NOT NULL DEFAULT '',
	replica_count INTEGER,
	content_key   TEXT NOT NULL DEFAULT '',
	needs_update  INTEGER NOT NULL DEFAULT 1,
	last_modified INTEGER NOT NULL,
	PRIMARY KEY (tree_id, path)
);

CREATE INDEX IF NOT EXISTS idx_path_status_parent ON path_status(tree_id, parent_path);
CREATE INDEX IF NOT EXISTS idx_path_status_key ON path_status(tree_id, content_key) WHERE content_key != '';
CREATE INDEX IF NOT EXISTS idx_path_status_dirty ON path_status(tree_id, is_directory, needs_update);
CREATE INDEX IF NOT EXISTS idx_path_status_modified ON path_status(tree_id, last_modified);
`

// SQLiteStore implements Store on a single SQLite connection.
type SQLiteStore struct {
	db   *sql.DB
	path string

	mu     sync.RWMutex
	hook   WriteHook
	closed bool
	now    func() int64
}

// Verify interface implementation at compile time
var _ Store = (*SQLiteStore)(nil)

// validateIntegrity checks an existing database before it is opened for writing.
func validateIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("cannot open for validation: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database corrupted: %s", result)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("cannot read schema version: %w", err)
	}
	if version != 0 && version != schemaVersion {
		return fmt.Errorf("schema version %d, want %d", version, schemaVersion)
	}
	return nil
}

// NewSQLiteStore opens (or creates) the status store at path.
// An empty path creates an in-memory store for tests.
// A corrupted database is removed and recreated.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := ":memory:"
	if path != "" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, awerrors.New(awerrors.ErrCodeStoreOpen, fmt.Sprintf("failed to create directory %s", dir), err)
		}

		if validErr := validateIntegrity(path); validErr != nil {
			slog.Warn("status_store_invalid",
				slog.String("path", path),
				slog.String("error", validErr.Error()))

			if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
				return nil, awerrors.New(awerrors.ErrCodeStoreOpen,
					fmt.Sprintf("status store invalid at %s and cannot remove", path), removeErr)
			}
			_ = os.Remove(path + "-wal")
			_ = os.Remove(path + "-shm")

			slog.Info("status_store_cleared",
				slog.String("path", path),
				slog.String("reason", "trees will be rescanned"))
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, awerrors.New(awerrors.ErrCodeStoreOpen, "failed to open database", err)
	}

	// Single writer; also keeps an in-memory database on one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// modernc.org/sqlite ignores most DSN parameters, so pragmas are set here.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -16384",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, awerrors.New(awerrors.ErrCodeStoreOpen, "failed to set pragma", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, awerrors.New(awerrors.ErrCodeStoreOpen, "failed to create schema", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		_ = db.Close()
		return nil, awerrors.New(awerrors.ErrCodeStoreOpen, "failed to set schema version", err)
	}

	return &SQLiteStore{db: db, path: path, now: monotonicNanos()}, nil
}

// SetWriteHook registers h to be called after every changing commit.
func (s *SQLiteStore) SetWriteHook(h WriteHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = h
}

// Close checkpoints the WAL and closes the database. It is idempotent.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// write runs fn in a transaction. On commit the tree watermark is bumped in
// the same transaction when fn reports changed paths, and the hook fires afterwards.
// Every failure is a persistence error.
func (s *SQLiteStore) write(ctx context.Context, treeID, op string, fn func(tx *sql.Tx, now int64) ([]string, error)) ([]string, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, awerrors.PersistenceError(op+": store is closed", nil)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, awerrors.PersistenceError(op+": begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now()
	changed, err := fn(tx, now)
	if err != nil {
		return nil, awerrors.PersistenceError(op, err)
	}
	if len(changed) > 0 && treeID != "" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE trees SET last_modified = ? WHERE id = ?`, now, treeID); err != nil {
			return nil, awerrors.PersistenceError(op+": bump watermark", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, awerrors.PersistenceError(op+": commit", err)
	}

	if len(changed) > 0 && treeID != "" {
		s.mu.RLock()
		hook := s.hook
		s.mu.RUnlock()
		if hook != nil {
			hook(treeID, changed)
		}
	}
	return changed, nil
}

// readErr wraps a query failure.
func readErr(op string, err error) error {
	return awerrors.New(awerrors.ErrCodeStoreRead, op, err)
}

// monotonicNanos returns a clock that never repeats or goes backwards, so
// every changing write strictly advances last_modified.
func monotonicNanos() func() int64 {
	var (
		mu   sync.Mutex
		last int64
	)
	return func() int64 {
		mu.Lock()
		defer mu.Unlock()
		n := nowNanos()
		if n <= last {
			n = last + 1
		}
		last = n
		return n
	}
}
