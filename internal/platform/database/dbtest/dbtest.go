// Package dbtest opens migrated in-memory SQLite databases for tests.
package dbtest

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"fieldsync/internal/platform/database"
)

func New(t testing.TB) *database.DB {
	t.Helper()

	raw, err := sql.Open(database.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("Failed to open db: %v", err)
	}
	// Every connection to :memory: is a separate database.
	raw.SetMaxOpenConns(1)

	db := database.Wrap(raw, database.DriverSQLite)
	if _, err := database.Migrate(context.Background(), db); err != nil {
		raw.Close()
		t.Fatalf("Failed to migrate: %v", err)
	}

	t.Cleanup(func() { raw.Close() })
	return db
}
