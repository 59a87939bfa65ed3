// ABOUTME: Test helper that creates a migrated SQLite database file under t.TempDir().
// ABOUTME: Several stores opened on the same path behave like separate worker processes.
package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/Ansteorra/KMP-sub014/internal/config"
	"github.com/Ansteorra/KMP-sub014/internal/database"
	"github.com/Ansteorra/KMP-sub014/internal/store/sqlite"
)

// NewSQLitePath creates and migrates a database file and returns its path.
func NewSQLitePath(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	if _, err := database.Migrate(config.DriverSQLite, path); err != nil {
		t.Fatalf("migrate sqlite: %v", err)
	}
	return path
}

// NewSQLiteStore returns a Store on a fresh migrated database file.
func NewSQLiteStore(t *testing.T) *sqlite.Store {
	t.Helper()
	return OpenSQLiteStore(t, NewSQLitePath(t))
}

// OpenSQLiteStore opens another Store on an existing database file. The store
// is closed via t.Cleanup.
func OpenSQLiteStore(t *testing.T, path string) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Logf("close sqlite: %v", err)
		}
	})
	return s
}
