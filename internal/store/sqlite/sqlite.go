package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bmad-assist/loopd/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// Path is a filesystem path to the database file; ":memory:" works for tests.

type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS loop_runs(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id TEXT NOT NULL,
			path TEXT NOT NULL,
			pid INTEGER NOT NULL,
			started_at TIMESTAMP NOT NULL,
			stopped_at TIMESTAMP NULL,
			exit_code INTEGER NULL,
			crashed BOOLEAN NOT NULL DEFAULT 0,
			uniq TEXT NOT NULL UNIQUE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_loop_runs_project ON loop_runs(project_id);`,
		`CREATE INDEX IF NOT EXISTS idx_loop_runs_started ON loop_runs(started_at);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) RecordStart(ctx context.Context, rec store.RunRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO loop_runs(project_id, path, pid, started_at, stopped_at, exit_code, crashed, uniq)
		VALUES(?, ?, ?, ?, NULL, NULL, 0, ?)
		ON CONFLICT(uniq) DO UPDATE SET
			project_id=excluded.project_id,
			path=excluded.path,
			pid=excluded.pid,
			started_at=excluded.started_at,
			stopped_at=NULL,
			exit_code=NULL,
			crashed=0;`,
		rec.ProjectID, rec.Path, rec.PID, rec.StartedAt.UTC(), rec.Key())
	return err
}

func (s *DB) RecordStop(ctx context.Context, uniq string, stoppedAt time.Time, exitCode int, crashed bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE loop_runs
		SET stopped_at=?, exit_code=?, crashed=?
		WHERE uniq=?;`,
		stoppedAt.UTC(), exitCode, crashed, uniq)
	return err
}

func (s *DB) RunsFor(ctx context.Context, projectID string, limit int) ([]store.RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, path, pid, started_at, stopped_at, exit_code, crashed, uniq
		FROM loop_runs
		WHERE project_id=?
		ORDER BY started_at DESC
		LIMIT ?;`, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []store.RunRecord
	for rows.Next() {
		var rec store.RunRecord
		if err := rows.Scan(&rec.ProjectID, &rec.Path, &rec.PID, &rec.StartedAt,
			&rec.StoppedAt, &rec.ExitCode, &rec.Crashed, &rec.Uniq); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *DB) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM loop_runs WHERE started_at < ? AND stopped_at IS NOT NULL;`,
		cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
