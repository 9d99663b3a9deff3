package testutil

import (
	"StableLedger/internal/persistence"
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

// TestPostgresDSN returns the Postgres DSN for integration tests, or ""
// when STABLE_TEST_POSTGRES_DSN is unset.
func TestPostgresDSN() string {
	return os.Getenv("STABLE_TEST_POSTGRES_DSN")
}

// SetupTestDB connects to the test database, applies migrations and
// empties the event log. Skips the test when no database is configured.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dsn := TestPostgresDSN()
	if dsn == "" {
		t.Skip("STABLE_TEST_POSTGRES_DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		t.Skipf("test postgres not available: %v", err)
	}

	migrator := persistence.NewMigrator(db, os.DirFS(MigrationsDir(t)), zerolog.Nop())
	if _, err := migrator.Up(ctx); err != nil {
		db.Close()
		t.Fatalf("migrate test db: %v", err)
	}

	truncate := func() {
		tables := []string{
			"event_log.liquidations",
			"event_log.transfers",
			"event_log.journal",
			"event_log.snapshots",
			"event_log.events",
		}
		for _, table := range tables {
			db.Exec(fmt.Sprintf("TRUNCATE %s CASCADE", table))
		}
	}
	truncate()

	t.Cleanup(func() {
		truncate()
		db.Close()
	})
	return db
}

// MigrationsDir locates migrations/ by walking up from the test's working
// directory to the module root.
func MigrationsDir(t *testing.T) string {
	t.Helper()

	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return filepath.Join(dir, "migrations")
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatalf("module root not found")
		}
		dir = parent
	}
}
