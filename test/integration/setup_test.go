package integration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/riskwatch/internal/platform/db"
)

// databaseURL points at a disposable Postgres; tests skip without it.
var databaseURL string

func TestMain(m *testing.M) {
	databaseURL = os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL not set, skipping integration tests")
	}
	os.Exit(m.Run())
}

// findMigrationsDir locates the migrations directory relative to this test file.
func findMigrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// newSchemaPool creates a fresh schema, migrates it and returns a pool bound
// to it. The schema is dropped when the test ends.
func newSchemaPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if databaseURL == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	schema := "it_" + strings.ReplaceAll(uuid.NewString()[:8], "-", "")

	pool, err := db.NewPool(ctx, databaseURL, schema, 4, 1)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		_, err := pool.Exec(context.Background(), "DROP SCHEMA IF EXISTS "+pgx.Identifier{schema}.Sanitize()+" CASCADE")
		if err != nil {
			t.Logf("warning: failed to drop schema %s: %v", schema, err)
		}
		pool.Close()
	})

	n, err := db.NewMigrator(pool, findMigrationsDir()).Up(ctx, schema)
	if err != nil {
		t.Fatalf("migrate %s: %v", schema, err)
	}
	if n == 0 {
		t.Fatalf("expected migrations to be applied to %s", schema)
	}
	return pool
}
