// Package testdb opens isolated in-memory stores for tests.
package testdb

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/kuitang/readaloud/internal/db"
)

// Key is the fixed SQLCipher key used by test databases.
var Key = []byte("readaloud-test-key-32-bytes-long")

var counter atomic.Uint64

// Open returns a fresh encrypted in-memory store. The caller closes it.
func Open() (*db.Store, error) {
	name := fmt.Sprintf("readaloud-test-%d", counter.Add(1))
	store, err := db.OpenInMemory(name, Key)
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory store: %w", err)
	}
	if err := applyFastSQLitePragmas(store); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to apply fast SQLite pragmas: %w", err)
	}
	return store, nil
}

// New opens a fresh store and closes it when tb finishes.
func New(tb testing.TB) *db.Store {
	tb.Helper()
	store, err := Open()
	if err != nil {
		tb.Fatalf("testdb: %v", err)
	}
	tb.Cleanup(func() { store.Close() })
	return store
}

func applyFastSQLitePragmas(store *db.Store) error {
	pragmas := []string{
		"PRAGMA journal_mode=MEMORY",
		"PRAGMA synchronous=OFF",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA secure_delete=OFF",
	}
	for _, pragma := range pragmas {
		if _, err := store.DB().Exec(pragma); err != nil {
			return err
		}
	}
	return nil
}
