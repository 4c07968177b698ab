package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ykawase/ttrack/internal/db"
)

// NewStore opens a migrated throwaway database under t.TempDir.
func NewStore(t *testing.T) *db.Store {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ttrack.db")
	store, err := db.Open(ctx, path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		store.Close() //nolint:errcheck
	})
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store
}
