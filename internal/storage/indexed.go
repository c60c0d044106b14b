package storage

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
)

// IndexedStore is the larger-capacity transactional backend, backed by
// Badger. It holds bulkier session histories than the local store can.
type IndexedStore struct {
	db *badger.DB
}

// OpenIndexed opens (or creates) a Badger store under dir. With inMemory
// set, nothing touches disk; used by tests.
func OpenIndexed(dir string, inMemory bool) (*IndexedStore, error) {
	var opts badger.Options
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if dir == "" {
			return nil, fmt.Errorf("indexed store requires a data directory")
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		opts = badger.DefaultOptions(dir).WithSyncWrites(true)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store: %w", err)
	}
	return &IndexedStore{db: db}, nil
}

// Get returns the value for key, or ErrNotFound.
func (s *IndexedStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read transaction failed: %w", err)
	}
	return value, nil
}

// Set stores value under key inside one transaction.
func (s *IndexedStore) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return &WriteError{Key: key, Err: err}
	}
	return nil
}

// Remove deletes key. Absent keys are ignored.
func (s *IndexedStore) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("delete failed: %w", err)
	}
	return nil
}

// Keys lists every stored key.
func (s *IndexedStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iteration failed: %w", err)
	}
	return keys, nil
}

// Clear removes all keys.
func (s *IndexedStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.db.DropAll(); err != nil {
		return fmt.Errorf("clear failed: %w", err)
	}
	return nil
}

// Size returns the total stored bytes (keys + values). Badger reports LSM
// and value-log sizes separately; per-entry lengths are summed instead so
// both backends report comparable numbers.
func (s *IndexedStore) Size(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var size int64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			size += int64(len(item.Key())) + item.ValueSize()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("iteration failed: %w", err)
	}
	return size, nil
}

// Close closes the underlying store.
func (s *IndexedStore) Close() error {
	return s.db.Close()
}
