package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RunRecord is one supervised subprocess run, from spawn to exit.
// Uniq identifies a run across restarts of the control plane.
type RunRecord struct {
	ProjectID string
	Path      string
	PID       int
	StartedAt time.Time
	StoppedAt sql.NullTime
	ExitCode  sql.NullInt64
	Crashed   bool
	Uniq      string
}

// Key derives the unique run key when Uniq is unset.
func (r RunRecord) Key() string {
	if r.Uniq != "" {
		return r.Uniq
	}
	return UniqueKey(r.PID, r.StartedAt)
}

// UniqueKey builds a stable identity for one run from its PID and start time.
func UniqueKey(pid int, startedAt time.Time) string {
	return fmt.Sprintf("%d-%d", pid, startedAt.UTC().UnixNano())
}

// Store persists run history for supervised loops. Implementations must be
// safe for concurrent use.
type Store interface {
	EnsureSchema(ctx context.Context) error
	RecordStart(ctx context.Context, rec RunRecord) error
	RecordStop(ctx context.Context, uniq string, stoppedAt time.Time, exitCode int, crashed bool) error
	RunsFor(ctx context.Context, projectID string, limit int) ([]RunRecord, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}
