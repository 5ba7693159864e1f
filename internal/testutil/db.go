package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"

	"github.com/xxxsen/earnrag/internal/config"
	"github.com/xxxsen/earnrag/internal/db"
)

// OpenTestDB opens a migrated sqlite database in a temp dir.
func OpenTestDB(t *testing.T) (*sqlx.DB, func()) {
	t.Helper()
	conn, err := db.Open(config.DatabaseConfig{
		Driver: config.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "earnrag_test.db"),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.ApplyMigrations(conn); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	return conn, func() {
		_ = conn.Close()
	}
}

func OpenPostgresTestDB(t *testing.T) (*sqlx.DB, func()) {
	t.Helper()
	host := os.Getenv("TEST_DB_HOST")
	if host == "" {
		t.Skip("TEST_DB_HOST not set, skipping postgres test")
	}
	conn, err := db.Open(config.DatabaseConfig{
		Driver:   config.DriverPostgres,
		Host:     host,
		Port:     5432,
		User:     "earnrag",
		Password: "earnrag_pass",
		DBName:   "earnrag_test",
		SSLMode:  "disable",
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.ApplyMigrations(conn); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	for _, table := range []string{"chunk_registry", "transcripts", "embedding_cache", "meta"} {
		if _, err := conn.Exec("DELETE FROM " + table); err != nil {
			t.Fatalf("truncate %s: %v", table, err)
		}
	}
	return conn, func() {
		_ = conn.Close()
	}
}
