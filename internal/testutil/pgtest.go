// Package testutil provides shared test infrastructure for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// gooseMu serializes migrations; goose keeps its dialect in package state.
var gooseMu sync.Mutex

// PGTest opens a test database connection, applies the goose migrations from
// the migrations/ directory, and returns the *sql.DB plus a cleanup function.
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
//
// POSTGRES_URL selects an existing database. Otherwise, when
// PGTEST_CONTAINER=1, a throwaway postgres container is started. With
// neither set the test is skipped. Cleanup truncates all application tables.
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	ctx := context.Background()

	dbURL := os.Getenv("POSTGRES_URL")
	stopContainer := func() {}
	if dbURL == "" {
		if os.Getenv("PGTEST_CONTAINER") != "1" {
			t.Skip("POSTGRES_URL not set, skipping integration test")
		}
		dbURL, stopContainer = startContainer(ctx, t)
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		stopContainer()
		t.Fatalf("pgtest: open database: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		stopContainer()
		t.Fatalf("pgtest: connect to database: %v", err)
	}

	if err := migrate(ctx, db, findMigrationsDir(t)); err != nil {
		_ = db.Close()
		stopContainer()
		t.Fatalf("pgtest: run migrations: %v", err)
	}

	cleanup := func() {
		truncateAll(ctx, db)
		_ = db.Close()
		stopContainer()
	}
	return db, cleanup
}

func startContainer(ctx context.Context, t *testing.T) (string, func()) {
	t.Helper()

	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("swapsale_test"),
		postgres.WithUsername("swapsale"),
		postgres.WithPassword("swapsale"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("pgtest: start postgres container: %v", err)
	}
	stop := func() {
		if err := testcontainers.TerminateContainer(ctr); err != nil {
			t.Logf("pgtest: terminate container: %v", err)
		}
	}

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	dsn, err := ctr.ConnectionString(connCtx, "sslmode=disable")
	if err != nil {
		stop()
		t.Fatalf("pgtest: container connection string: %v", err)
	}
	return dsn, stop
}

func migrate(ctx context.Context, db *sql.DB, dir string) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, dir)
}

// findMigrationsDir walks up from the test working directory to find
// the project-level migrations/ directory.
func findMigrationsDir(t *testing.T) string {
	t.Helper()

	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("pgtest: getwd: %v", err)
	}

	for {
		candidate := filepath.Join(dir, "migrations")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatalf("pgtest: could not find migrations/ directory walking up from cwd")
		}
		dir = parent
	}
}

// truncateAll empties every application table, keeping goose's version table.
func truncateAll(ctx context.Context, db *sql.DB) {
	rows, err := db.QueryContext(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public'
		  AND tablename <> 'goose_db_version'`)
	if err != nil {
		return
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err == nil {
			tables = append(tables, name)
		}
	}

	if len(tables) > 0 {
		// Table names come from pg_tables, not user input.
		stmt := "TRUNCATE " + strings.Join(tables, ", ") + " CASCADE" // #nosec G202
		_, _ = db.ExecContext(ctx, stmt)
	}
}
