// Package sqlite implements store.Store on SQLite.
//
// Conditional updates run as single UPDATE statements guarded by the expected
// status or version, and partial unique indexes make a second pending or
// accepted attempt per job impossible even if a caller skips the checks.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/kilianp07/jobdispatch/core/model"
	"github.com/kilianp07/jobdispatch/core/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    version INTEGER NOT NULL,
    doc TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_status ON jobs (status);

CREATE TABLE IF NOT EXISTS attempts (
    id TEXT PRIMARY KEY,
    job_id TEXT NOT NULL,
    ord INTEGER NOT NULL,
    status TEXT NOT NULL,
    timeout_at INTEGER NOT NULL,
    responded_at INTEGER,
    doc TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS attempts_job_order ON attempts (job_id, ord);
CREATE UNIQUE INDEX IF NOT EXISTS attempts_one_pending ON attempts (job_id) WHERE status = 'pending';
CREATE UNIQUE INDEX IF NOT EXISTS attempts_one_accepted ON attempts (job_id) WHERE status = 'accepted';

CREATE TABLE IF NOT EXISTS exclusions (
    job_id TEXT NOT NULL,
    agent_id TEXT NOT NULL,
    reason TEXT NOT NULL,
    detail TEXT,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (job_id, agent_id)
);

CREATE TABLE IF NOT EXISTS agents (
    id TEXT PRIMARY KEY,
    doc TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS queues (
    job_id TEXT NOT NULL,
    run INTEGER NOT NULL,
    weights_version INTEGER NOT NULL,
    doc TEXT NOT NULL,
    PRIMARY KEY (job_id, run)
);

CREATE TABLE IF NOT EXISTS dispatch_weights (
    version INTEGER PRIMARY KEY,
    doc TEXT NOT NULL
);`

// Store persists dispatch state in a SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and ensures the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one connection serialises transactions; SQLite has a single writer anyway
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{`PRAGMA busy_timeout = 5000`, `PRAGMA journal_mode = WAL`, schema} {
		if _, err := db.Exec(stmt); err != nil {
			if cerr := db.Close(); cerr != nil {
				return nil, fmt.Errorf("close db: %v (schema err: %w)", cerr, err)
			}
			return nil, err
		}
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func isUnique(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) CreateJob(ctx context.Context, job model.Job) error {
	job.Version = 1
	doc, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO jobs (id, status, version, doc) VALUES (?, ?, ?, ?)`,
		job.ID, string(job.Status), job.Version, string(doc))
	if isUnique(err) {
		return fmt.Errorf("job %s: %w", job.ID, store.ErrConflict)
	}
	return err
}

func (s *Store) GetJob(ctx context.Context, id string) (model.Job, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM jobs WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return model.Job{}, err
	}
	var j model.Job
	if err := json.Unmarshal([]byte(doc), &j); err != nil {
		return model.Job{}, fmt.Errorf("decode job %s: %w", id, err)
	}
	return j, nil
}

func (s *Store) UpdateJob(ctx context.Context, job model.Job) (model.Job, error) {
	expected := job.Version
	job.Version++
	doc, err := json.Marshal(job)
	if err != nil {
		return model.Job{}, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, version = ?, doc = ? WHERE id = ? AND version = ?`,
		string(job.Status), job.Version, string(doc), job.ID, expected)
	if err != nil {
		return model.Job{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.Job{}, err
	}
	if n == 0 {
		if _, gerr := s.GetJob(ctx, job.ID); gerr != nil {
			return model.Job{}, gerr
		}
		return model.Job{}, fmt.Errorf("job %s at version %d: %w", job.ID, expected, store.ErrConflict)
	}
	return job, nil
}

func (s *Store) ListJobs(ctx context.Context, status model.JobStatus) ([]model.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM jobs WHERE ? = '' OR status = ? ORDER BY id`,
		string(status), string(status))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []model.Job
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var j model.Job
		if err := json.Unmarshal([]byte(doc), &j); err != nil {
			return nil, fmt.Errorf("decode job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

var (
	_ store.Store       = (*Store)(nil)
	_ store.AgentWriter = (*Store)(nil)
)
