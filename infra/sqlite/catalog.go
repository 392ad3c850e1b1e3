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

func (s *Store) AddExclusion(ctx context.Context, e model.Exclusion) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO exclusions (job_id, agent_id, reason, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.JobID, e.AgentID, string(e.Reason), e.Detail, e.CreatedAt.UnixNano())
	return err
}

func (s *Store) ListExclusions(ctx context.Context, jobID string) ([]model.Exclusion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_id, reason, detail, created_at FROM exclusions WHERE job_id = ? ORDER BY rowid`, jobID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []model.Exclusion
	for rows.Next() {
		var (
			e      = model.Exclusion{JobID: jobID}
			reason string
			detail sql.NullString
			ts     int64
		)
		if err := rows.Scan(&e.AgentID, &reason, &detail, &ts); err != nil {
			return nil, err
		}
		e.Reason = model.ExclusionReason(reason)
		e.Detail = detail.String
		e.CreatedAt = time.Unix(0, ts).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpsertAgent stores an agent snapshot on behalf of the profile subsystem.
func (s *Store) UpsertAgent(ctx context.Context, a model.Agent) error {
	doc, err := json.Marshal(a)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents (id, doc) VALUES (?, ?) ON CONFLICT (id) DO UPDATE SET doc = excluded.doc`,
		a.ID, string(doc))
	return err
}

func (s *Store) ListAgents(ctx context.Context, skill string) ([]model.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM agents
        WHERE ? = '' OR EXISTS (SELECT 1 FROM json_each(agents.doc, '$.skills') WHERE value = ?)
        ORDER BY id`, skill, skill)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []model.Agent
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var a model.Agent
		if err := json.Unmarshal([]byte(doc), &a); err != nil {
			return nil, fmt.Errorf("decode agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) GetAgent(ctx context.Context, id string) (model.Agent, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM agents WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Agent{}, fmt.Errorf("agent %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return model.Agent{}, err
	}
	var a model.Agent
	if err := json.Unmarshal([]byte(doc), &a); err != nil {
		return model.Agent{}, fmt.Errorf("decode agent %s: %w", id, err)
	}
	return a, nil
}

// SaveQueue stores the queue of a new run. Runs must strictly increase.
func (s *Store) SaveQueue(ctx context.Context, q model.Queue) error {
	doc, err := json.Marshal(q)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var latest sql.NullInt64
		if err := tx.QueryRowContext(ctx, `SELECT MAX(run) FROM queues WHERE job_id = ?`, q.JobID).Scan(&latest); err != nil {
			return err
		}
		if latest.Valid && latest.Int64 >= int64(q.Run) {
			return fmt.Errorf("queue %s run %d: %w", q.JobID, q.Run, store.ErrConflict)
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO queues (job_id, run, weights_version, doc) VALUES (?, ?, ?, ?)`,
			q.JobID, q.Run, q.WeightsVersion, string(doc))
		if isUnique(err) {
			return fmt.Errorf("queue %s run %d: %w", q.JobID, q.Run, store.ErrConflict)
		}
		return err
	})
}

func (s *Store) GetQueue(ctx context.Context, jobID string) (model.Queue, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM queues WHERE job_id = ? ORDER BY run DESC LIMIT 1`, jobID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Queue{}, fmt.Errorf("queue %s: %w", jobID, store.ErrNotFound)
	}
	if err != nil {
		return model.Queue{}, err
	}
	var q model.Queue
	if err := json.Unmarshal([]byte(doc), &q); err != nil {
		return model.Queue{}, fmt.Errorf("decode queue %s: %w", jobID, err)
	}
	return q, nil
}

func (s *Store) ActiveWeights(ctx context.Context) (model.DispatchConfig, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM dispatch_weights ORDER BY version DESC LIMIT 1`).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DispatchConfig{}, fmt.Errorf("dispatch weights: %w", store.ErrNotFound)
	}
	if err != nil {
		return model.DispatchConfig{}, err
	}
	var cfg model.DispatchConfig
	if err := json.Unmarshal([]byte(doc), &cfg); err != nil {
		return model.DispatchConfig{}, fmt.Errorf("decode weights: %w", err)
	}
	return cfg, nil
}

func (s *Store) PutWeights(ctx context.Context, w model.Weights, updatedBy string, at time.Time) (model.DispatchConfig, error) {
	var cfg model.DispatchConfig
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var latest int
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM dispatch_weights`).Scan(&latest); err != nil {
			return err
		}
		cfg = model.DispatchConfig{Version: latest + 1, Weights: w, UpdatedBy: updatedBy, UpdatedAt: at}
		doc, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO dispatch_weights (version, doc) VALUES (?, ?)`, cfg.Version, string(doc))
		return err
	})
	if err != nil {
		return model.DispatchConfig{}, err
	}
	return cfg, nil
}

func (s *Store) WeightsHistory(ctx context.Context) ([]model.DispatchConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM dispatch_weights ORDER BY version`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []model.DispatchConfig
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var cfg model.DispatchConfig
		if err := json.Unmarshal([]byte(doc), &cfg); err != nil {
			return nil, fmt.Errorf("decode weights: %w", err)
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}
