// Package storage provides the key-value adapters the persistence layer
// writes through. Two interchangeable backends exist: a SQLite-backed local
// store with a hard byte ceiling, and a Badger-backed indexed store for
// bulkier histories. The backend is picked once via configuration; callers
// never branch on which one they got.
package storage

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when the key has no value.
var ErrNotFound = errors.New("key not found")

// WriteError reports a backend write rejection, e.g. the store's byte
// ceiling being hit. Callers may retry once after freeing space.
type WriteError struct {
	Key string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("storage write rejected [%s]: %v", e.Key, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// Adapter is the uniform contract over both backends.
type Adapter interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key. Returns *WriteError on backend rejection.
	Set(ctx context.Context, key string, value []byte) error
	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error
	// Keys lists every stored key.
	Keys(ctx context.Context) ([]string, error)
	// Clear removes all keys.
	Clear(ctx context.Context) error
	// Size returns the total stored bytes (keys + values).
	Size(ctx context.Context) (int64, error)
	// Close releases the backend.
	Close() error
}

// Backend identifiers accepted by Open.
const (
	TypeLocal   = "local"
	TypeIndexed = "indexed"
)

// Config selects and parameterizes a backend.
type Config struct {
	// Type is "local" or "indexed".
	Type string
	// Path is the data directory (local uses a db file inside it).
	Path string
	// MaxBytes caps the local store. Zero means the default ceiling.
	MaxBytes int64
	// InMemory runs the indexed store without disk persistence (tests).
	InMemory bool
}

// Open creates the adapter named by cfg.Type.
func Open(cfg Config) (Adapter, error) {
	switch cfg.Type {
	case TypeLocal, "":
		store, err := OpenLocal(cfg.Path, cfg.MaxBytes)
		if err != nil {
			return nil, err
		}
		return store, nil
	case TypeIndexed:
		store, err := OpenIndexed(cfg.Path, cfg.InMemory)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s (supported: local, indexed)", cfg.Type)
	}
}
