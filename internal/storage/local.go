package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DefaultLocalCeiling is the byte ceiling of the local store. It models the
// few-MB budget of a simple synchronous key-value backend.
const DefaultLocalCeiling = 5 * 1024 * 1024

// LocalStore is the always-available backend: one SQLite table of
// key/value pairs with a hard size ceiling enforced on every Set.
type LocalStore struct {
	db       *sql.DB
	maxBytes int64
}

// OpenLocal opens (or creates) the local store under dir. maxBytes of zero
// applies DefaultLocalCeiling.
func OpenLocal(dir string, maxBytes int64) (*LocalStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("local store requires a data directory")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dir, "sessions.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS sessionKV (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create sessionKV table: %w", err)
	}

	if maxBytes <= 0 {
		maxBytes = DefaultLocalCeiling
	}
	return &LocalStore{db: db, maxBytes: maxBytes}, nil
}

// Get returns the value for key, or ErrNotFound.
func (s *LocalStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, "SELECT value FROM sessionKV WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	return value, nil
}

// Set stores value under key. The write is rejected with *WriteError when it
// would push the store past its byte ceiling.
func (s *LocalStore) Set(ctx context.Context, key string, value []byte) error {
	used, err := s.Size(ctx)
	if err != nil {
		return fmt.Errorf("failed to measure store size: %w", err)
	}

	// Replacing an existing value frees its old bytes first.
	var oldLen int64
	if err := s.db.QueryRowContext(ctx,
		"SELECT length(value) + length(key) FROM sessionKV WHERE key = ?", key).Scan(&oldLen); err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("query failed: %w", err)
	}

	required := int64(len(key) + len(value))
	if used-oldLen+required > s.maxBytes {
		return &WriteError{Key: key, Err: fmt.Errorf("store ceiling of %d bytes exceeded", s.maxBytes)}
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO sessionKV (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value)
	if err != nil {
		return &WriteError{Key: key, Err: err}
	}
	return nil
}

// Remove deletes key. Absent keys are ignored.
func (s *LocalStore) Remove(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sessionKV WHERE key = ?", key); err != nil {
		return fmt.Errorf("delete failed: %w", err)
	}
	return nil
}

// Keys lists every stored key.
func (s *LocalStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key FROM sessionKV ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return keys, nil
}

// Clear removes all keys.
func (s *LocalStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sessionKV"); err != nil {
		return fmt.Errorf("clear failed: %w", err)
	}
	return nil
}

// Size returns the total stored bytes (keys + values).
func (s *LocalStore) Size(ctx context.Context) (int64, error) {
	var size sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT SUM(length(key) + length(value)) FROM sessionKV").Scan(&size)
	if err != nil {
		return 0, fmt.Errorf("query failed: %w", err)
	}
	if !size.Valid {
		return 0, nil
	}
	return size.Int64, nil
}

// MaxBytes returns the configured store ceiling.
func (s *LocalStore) MaxBytes() int64 {
	return s.maxBytes
}

// Close closes the underlying database.
func (s *LocalStore) Close() error {
	return s.db.Close()
}
