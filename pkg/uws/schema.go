package uws

import (
	"context"
	"database/sql"
	"fmt"
)

const SchemaVersion = 1

// Migrate creates (or upgrades) the job schema in-place.
//
// The schema holds one row per job plus a secondary table of named result
// artifacts. Lock bookkeeping lives in the jobs row itself (lock_token,
// lock_expires) so the exclusive claim is visible to every process sharing
// the database file.
func Migrate(ctx context.Context, db *sql.DB) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if db == nil {
		return fmt.Errorf("db is nil")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS jobs (
			job_id TEXT PRIMARY KEY,
			service TEXT NOT NULL,
			phase TEXT NOT NULL,
			owner TEXT,
			run_id TEXT,
			quote TEXT,
			execution_duration INTEGER NOT NULL DEFAULT 0,
			destruction_time TEXT NOT NULL,
			start_time TEXT,
			end_time TEXT,
			pid INTEGER NOT NULL DEFAULT 0,
			parameters TEXT NOT NULL DEFAULT '{}',
			error TEXT,
			created TEXT NOT NULL,
			-- Exclusive claim: token of the current holder plus a lease
			-- expiry in unix milliseconds. Expired claims are reclaimable,
			-- so a crashed holder cannot wedge the job forever.
			lock_token TEXT,
			lock_expires INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_phase ON jobs(phase);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_service ON jobs(service);`,

		`CREATE TABLE IF NOT EXISTS results (
			job_id TEXT NOT NULL,
			name TEXT NOT NULL,
			mime_type TEXT NOT NULL,
			created TEXT NOT NULL,
			PRIMARY KEY(job_id, name),
			FOREIGN KEY(job_id) REFERENCES jobs(job_id)
		);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	if current != SchemaVersion {
		if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version=? WHERE id=1`, SchemaVersion); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}
