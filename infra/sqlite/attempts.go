package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kilianp07/jobdispatch/core/model"
	"github.com/kilianp07/jobdispatch/core/store"
)

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// scanAttempt reads (doc, status, responded_at). The columns are
// authoritative for the fields conditional updates change.
func scanAttempt(sc scanner) (model.Attempt, error) {
	var (
		doc       string
		status    string
		responded sql.NullInt64
	)
	if err := sc.Scan(&doc, &status, &responded); err != nil {
		return model.Attempt{}, err
	}
	var a model.Attempt
	if err := json.Unmarshal([]byte(doc), &a); err != nil {
		return model.Attempt{}, fmt.Errorf("decode attempt: %w", err)
	}
	a.Status = model.AttemptStatus(status)
	a.RespondedAt = nil
	if responded.Valid {
		t := time.Unix(0, responded.Int64).UTC()
		a.RespondedAt = &t
	}
	return a, nil
}

func (s *Store) CreateAttempt(ctx context.Context, a model.Attempt) error {
	a.Status = model.AttemptPending
	a.RespondedAt = nil
	doc, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var pending int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM attempts WHERE job_id = ? AND status = 'pending'`, a.JobID).Scan(&pending); err != nil {
			return err
		}
		if pending > 0 {
			return fmt.Errorf("job %s: %w", a.JobID, store.ErrPendingExists)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO attempts (id, job_id, ord, status, timeout_at, doc) VALUES (?, ?, ?, ?, ?, ?)`,
			a.ID, a.JobID, a.Order, string(a.Status), a.TimeoutAt.UnixNano(), string(doc))
		if isUnique(err) {
			return fmt.Errorf("attempt %s order %d: %w", a.ID, a.Order, store.ErrConflict)
		}
		return err
	})
}

func (s *Store) TransitionAttempt(ctx context.Context, id string, from, to model.AttemptStatus, at time.Time) (model.Attempt, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE attempts SET status = ?, responded_at = COALESCE(responded_at, ?) WHERE id = ? AND status = ?`,
		string(to), at.UnixNano(), id, string(from))
	if isUnique(err) {
		cur, _ := s.GetAttempt(ctx, id)
		return cur, fmt.Errorf("job %s already accepted: %w", cur.JobID, store.ErrConflict)
	}
	if err != nil {
		return model.Attempt{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.Attempt{}, err
	}
	cur, err := s.GetAttempt(ctx, id)
	if err != nil {
		return model.Attempt{}, err
	}
	if n == 0 {
		return cur, fmt.Errorf("attempt %s is %s: %w", id, cur.Status, store.ErrNotPending)
	}
	return cur, nil
}

func (s *Store) GetAttempt(ctx context.Context, id string) (model.Attempt, error) {
	a, err := scanAttempt(s.db.QueryRowContext(ctx,
		`SELECT doc, status, responded_at FROM attempts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Attempt{}, fmt.Errorf("attempt %s: %w", id, store.ErrNotFound)
	}
	return a, err
}

func (s *Store) PendingAttempt(ctx context.Context, jobID string) (model.Attempt, error) {
	a, err := scanAttempt(s.db.QueryRowContext(ctx,
		`SELECT doc, status, responded_at FROM attempts WHERE job_id = ? AND status = 'pending'`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Attempt{}, fmt.Errorf("pending attempt for job %s: %w", jobID, store.ErrNotFound)
	}
	return a, err
}

func (s *Store) ListAttempts(ctx context.Context, jobID string) ([]model.Attempt, error) {
	return s.queryAttempts(ctx,
		`SELECT doc, status, responded_at FROM attempts WHERE job_id = ? ORDER BY ord`, jobID)
}

func (s *Store) ListPendingAttempts(ctx context.Context) ([]model.Attempt, error) {
	return s.queryAttempts(ctx,
		`SELECT doc, status, responded_at FROM attempts WHERE status = 'pending' ORDER BY timeout_at`)
}

func (s *Store) queryAttempts(ctx context.Context, query string, args ...any) ([]model.Attempt, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []model.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
