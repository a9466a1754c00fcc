// Package state persists small pieces of process state — conversation
// handles, thread bindings — in a local SQLite database so they
// survive restarts. Consumers receive a KV of plain functions, which
// keeps them trivially fakeable in tests and makes persistence
// strictly optional.
package state

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// KV is the persistence capability handed to components that want
// their state to survive restarts. Any field may be nil; callers must
// treat a nil func as "no persistence".
type KV struct {
	Get    func(key string) (string, error)
	Set    func(key, value string) error
	Delete func(key string) error
}

// Store is a SQLite-backed key-value table.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the state database at path, creating parent
// directories as needed.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping state db: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init state schema: %w", err)
	}

	s := &Store{db: db, path: path}
	slog.Debug("state store opened", "path", path)
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the value for key, or "" when absent.
func (s *Store) Get(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("state get %q: %w", key, err)
	}
	return value, nil
}

// Set stores a value under key, replacing any previous value.
func (s *Store) Set(key, value string) error {
	now := time.Now().UTC().Format("2006-01-02 15:04:05")
	_, err := s.db.Exec(
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now,
	)
	if err != nil {
		return fmt.Errorf("state set %q: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(key string) error {
	if _, err := s.db.Exec("DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("state delete %q: %w", key, err)
	}
	return nil
}

// KV returns the func-pair view of the store.
func (s *Store) KV() KV {
	return KV{Get: s.Get, Set: s.Set, Delete: s.Delete}
}
