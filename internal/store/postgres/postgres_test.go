package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bmad-assist/loopd/internal/store"
)

func TestPostgresStore_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	postgresContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container (docker unavailable?): %v", err)
	}
	defer func() {
		if err := postgresContainer.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate PostgreSQL container: %v", err)
		}
	}()

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	db, err := New(connStr)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			t.Errorf("Failed to close store: %v", err)
		}
	}()

	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("Failed to ensure schema: %v", err)
	}

	started := time.Now().UTC().Truncate(time.Second)
	rec := store.RunRecord{
		ProjectID: "proj-int",
		Path:      "/work/proj-int",
		PID:       4321,
		StartedAt: started,
	}
	rec.Uniq = rec.Key()
	if err := db.RecordStart(ctx, rec); err != nil {
		t.Fatalf("Failed to record start: %v", err)
	}
	// idempotent on the unique run key
	if err := db.RecordStart(ctx, rec); err != nil {
		t.Fatalf("Failed to re-record start: %v", err)
	}

	if err := db.RecordStop(ctx, rec.Uniq, started.Add(time.Minute), 0, false); err != nil {
		t.Fatalf("Failed to record stop: %v", err)
	}

	runs, err := db.RunsFor(ctx, "proj-int", 10)
	if err != nil {
		t.Fatalf("Failed to list runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("Expected 1 run, got %d", len(runs))
	}
	got := runs[0]
	if got.PID != 4321 || !got.StoppedAt.Valid || !got.ExitCode.Valid || got.ExitCode.Int64 != 0 || got.Crashed {
		t.Fatalf("Unexpected run record: %+v", got)
	}

	n, err := db.PurgeOlderThan(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Failed to purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("Expected to purge 1 run, purged %d", n)
	}
}
