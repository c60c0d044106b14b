package storage

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/evolab/evosim-session/testutil"
)

func newLocalStore(t *testing.T, maxBytes int64) *LocalStore {
	t.Helper()
	store, err := OpenLocal(testutil.CreateTempDir(t), maxBytes)
	if err != nil {
		t.Fatalf("OpenLocal() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestLocalStore_GetSet(t *testing.T) {
	store := newLocalStore(t, 0)
	ctx := context.Background()

	if err := store.Set(ctx, "session_a", []byte("payload")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	value, err := store.Get(ctx, "session_a")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !bytes.Equal(value, []byte("payload")) {
		t.Errorf("Get() = %q, want %q", value, "payload")
	}
}

func TestLocalStore_GetMissing(t *testing.T) {
	store := newLocalStore(t, 0)

	_, err := store.Get(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestLocalStore_Overwrite(t *testing.T) {
	store := newLocalStore(t, 0)
	ctx := context.Background()

	if err := store.Set(ctx, "k", []byte("first")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := store.Set(ctx, "k", []byte("second")); err != nil {
		t.Fatalf("Set() overwrite error = %v", err)
	}

	value, err := store.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(value) != "second" {
		t.Errorf("Get() = %q, want %q", value, "second")
	}
}

func TestLocalStore_Ceiling(t *testing.T) {
	store := newLocalStore(t, 64)
	ctx := context.Background()

	if err := store.Set(ctx, "small", []byte("ok")); err != nil {
		t.Fatalf("Set() under ceiling error = %v", err)
	}

	err := store.Set(ctx, "big", make([]byte, 128))
	if err == nil {
		t.Fatal("Set() past ceiling succeeded, want *WriteError")
	}
	var writeErr *WriteError
	if !errors.As(err, &writeErr) {
		t.Errorf("Set() error = %T, want *WriteError", err)
	}

	// The rejected write must not have landed.
	if _, err := store.Get(ctx, "big"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after rejected write error = %v, want ErrNotFound", err)
	}
}

func TestLocalStore_CeilingCountsReplacedValue(t *testing.T) {
	store := newLocalStore(t, 64)
	ctx := context.Background()

	if err := store.Set(ctx, "k", make([]byte, 50)); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	// Replacing the value frees its old bytes first, so this fits.
	if err := store.Set(ctx, "k", make([]byte, 60)); err != nil {
		t.Errorf("Set() replacement error = %v, want success", err)
	}
}

func TestLocalStore_RemoveIdempotent(t *testing.T) {
	store := newLocalStore(t, 0)
	ctx := context.Background()

	if err := store.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := store.Remove(ctx, "k"); err != nil {
		t.Errorf("Remove() error = %v", err)
	}
	if err := store.Remove(ctx, "k"); err != nil {
		t.Errorf("Remove() of absent key error = %v, want nil", err)
	}
	if _, err := store.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after Remove() error = %v, want ErrNotFound", err)
	}
}

func TestLocalStore_KeysAndClear(t *testing.T) {
	store := newLocalStore(t, 0)
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		if err := store.Set(ctx, key, []byte("v")); err != nil {
			t.Fatalf("Set(%q) error = %v", key, err)
		}
	}

	keys, err := store.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	if len(keys) != 3 {
		t.Errorf("Keys() returned %d keys, want 3", len(keys))
	}

	if err := store.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	keys, err = store.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys() after Clear() error = %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("Keys() after Clear() returned %d keys, want 0", len(keys))
	}
}

func TestLocalStore_Size(t *testing.T) {
	store := newLocalStore(t, 0)
	ctx := context.Background()

	size, err := store.Size(ctx)
	if err != nil {
		t.Fatalf("Size() error = %v", err)
	}
	if size != 0 {
		t.Errorf("Size() of empty store = %d, want 0", size)
	}

	if err := store.Set(ctx, "ab", []byte("1234")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	size, err = store.Size(ctx)
	if err != nil {
		t.Fatalf("Size() error = %v", err)
	}
	if size != 6 {
		t.Errorf("Size() = %d, want 6", size)
	}
}
