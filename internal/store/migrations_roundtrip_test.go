package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"
)

// testDB opens the database named by SAFETYVOICE_TEST_DATABASE_URL with a
// freshly migrated public schema, or skips the test.
func testDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("SAFETYVOICE_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("SAFETYVOICE_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if err := ApplyMigrations(ctx, db, migrationsDir); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return db
}

func TestMigrationsRoundTripPostgres(t *testing.T) {
	db := testDB(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	// A second pass must be a no-op.
	if err := ApplyMigrations(ctx, db, migrationsDir); err != nil {
		t.Fatalf("reapply migrations: %v", err)
	}

	if err := applyDownMigrations(ctx, db); err != nil {
		t.Fatalf("apply down migrations: %v", err)
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM schema_migrations`); err != nil {
		t.Fatalf("clear schema_migrations: %v", err)
	}
	if err := ApplyMigrations(ctx, db, migrationsDir); err != nil {
		t.Fatalf("apply up migrations after down: %v", err)
	}

	for _, table := range []string{"submissions", "submission_events", "moderators", "refresh_sessions", "revoked_access_tokens"} {
		var exists bool
		if err := db.QueryRowContext(ctx, `SELECT to_regclass($1) IS NOT NULL`, "public."+table).Scan(&exists); err != nil {
			t.Fatalf("check table %s: %v", table, err)
		}
		if !exists {
			t.Fatalf("expected table %s after round trip", table)
		}
	}
}

func applyDownMigrations(ctx context.Context, db *sql.DB) error {
	downs, err := filepath.Glob(filepath.Join(migrationsDir, "*.down.sql"))
	if err != nil {
		return err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(downs)))
	for _, path := range downs {
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if text := strings.TrimSpace(string(raw)); text != "" {
			if _, err := db.ExecContext(ctx, text); err != nil {
				return err
			}
		}
	}
	return nil
}
