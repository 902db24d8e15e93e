package postgres

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/bmad-assist/loopd/internal/store"
)

// DB implements store.Store for PostgreSQL via the pgx stdlib driver.

type DB struct {
	db *sql.DB
}

// New opens a PostgreSQL connection from a DSN.
func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS loop_runs(
			id BIGSERIAL PRIMARY KEY,
			project_id TEXT NOT NULL,
			path TEXT NOT NULL,
			pid INTEGER NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			stopped_at TIMESTAMPTZ NULL,
			exit_code INTEGER NULL,
			crashed BOOLEAN NOT NULL DEFAULT FALSE,
			uniq TEXT NOT NULL UNIQUE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_loop_runs_project ON loop_runs(project_id);`,
		`CREATE INDEX IF NOT EXISTS idx_loop_runs_started ON loop_runs(started_at);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) RecordStart(ctx context.Context, rec store.RunRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO loop_runs(project_id, path, pid, started_at, stopped_at, exit_code, crashed, uniq)
		VALUES($1, $2, $3, $4, NULL, NULL, FALSE, $5)
		ON CONFLICT(uniq) DO UPDATE SET
			project_id=EXCLUDED.project_id,
			path=EXCLUDED.path,
			pid=EXCLUDED.pid,
			started_at=EXCLUDED.started_at,
			stopped_at=NULL,
			exit_code=NULL,
			crashed=FALSE;`,
		rec.ProjectID, rec.Path, rec.PID, rec.StartedAt.UTC(), rec.Key())
	return err
}

func (p *DB) RecordStop(ctx context.Context, uniq string, stoppedAt time.Time, exitCode int, crashed bool) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE loop_runs
		SET stopped_at=$1, exit_code=$2, crashed=$3
		WHERE uniq=$4;`,
		stoppedAt.UTC(), exitCode, crashed, uniq)
	return err
}

func (p *DB) RunsFor(ctx context.Context, projectID string, limit int) ([]store.RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT project_id, path, pid, started_at, stopped_at, exit_code, crashed, uniq
		FROM loop_runs
		WHERE project_id=$1
		ORDER BY started_at DESC
		LIMIT $2;`, projectID, limit)
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

func (p *DB) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM loop_runs WHERE started_at < $1 AND stopped_at IS NOT NULL;`,
		cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
