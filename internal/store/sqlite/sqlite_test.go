package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bmad-assist/loopd/internal/store"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.EnsureSchema(context.Background()))
	return db
}

func TestNewEmptyPath(t *testing.T) {
	_, err := New("  ")
	require.Error(t, err)
}

func TestRecordStartStopRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	started := time.Now().UTC().Truncate(time.Second)
	rec := store.RunRecord{
		ProjectID: "proj-1",
		Path:      "/work/proj-1",
		PID:       1234,
		StartedAt: started,
	}
	rec.Uniq = rec.Key()
	require.NoError(t, db.RecordStart(ctx, rec))

	runs, err := db.RunsFor(ctx, "proj-1", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "proj-1", runs[0].ProjectID)
	assert.Equal(t, 1234, runs[0].PID)
	assert.False(t, runs[0].StoppedAt.Valid)
	assert.False(t, runs[0].ExitCode.Valid)

	stopped := started.Add(time.Minute)
	require.NoError(t, db.RecordStop(ctx, rec.Uniq, stopped, 1, true))

	runs, err = db.RunsFor(ctx, "proj-1", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].StoppedAt.Valid)
	assert.True(t, runs[0].ExitCode.Valid)
	assert.EqualValues(t, 1, runs[0].ExitCode.Int64)
	assert.True(t, runs[0].Crashed)
}

func TestRecordStartIdempotentByUniq(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	rec := store.RunRecord{ProjectID: "p", Path: "/p", PID: 1, StartedAt: time.Now().UTC()}
	rec.Uniq = rec.Key()
	require.NoError(t, db.RecordStart(ctx, rec))
	require.NoError(t, db.RecordStart(ctx, rec))

	runs, err := db.RunsFor(ctx, "p", 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestRunsForOrderAndLimit(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		rec := store.RunRecord{
			ProjectID: "p",
			Path:      "/p",
			PID:       100 + i,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}
		rec.Uniq = rec.Key()
		require.NoError(t, db.RecordStart(ctx, rec))
	}

	runs, err := db.RunsFor(ctx, "p", 3)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	// newest first
	assert.Equal(t, 104, runs[0].PID)
	assert.Equal(t, 102, runs[2].PID)

	runs, err = db.RunsFor(ctx, "other", 3)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestPurgeOlderThanKeepsOpenRuns(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)
	finished := store.RunRecord{ProjectID: "p", Path: "/p", PID: 1, StartedAt: old}
	finished.Uniq = finished.Key()
	require.NoError(t, db.RecordStart(ctx, finished))
	require.NoError(t, db.RecordStop(ctx, finished.Uniq, old.Add(time.Minute), 0, false))

	open := store.RunRecord{ProjectID: "p", Path: "/p", PID: 2, StartedAt: old.Add(time.Second)}
	open.Uniq = open.Key()
	require.NoError(t, db.RecordStart(ctx, open))

	n, err := db.PurgeOlderThan(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	runs, err := db.RunsFor(ctx, "p", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 2, runs[0].PID)
}
