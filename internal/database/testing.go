package database

import (
	"context"
	"testing"

	"github.com/flowdash-app/flowdash-backend/internal/config"
)

// OpenTestDB returns a migrated in-memory SQLite store closed at test cleanup
func OpenTestDB(t testing.TB) *DB {
	t.Helper()
	db, err := Open(context.Background(), config.DatabaseConfig{Type: string(TypeSQLite), SQLitePath: ":memory:"}, Options{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}
