package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kilianp07/jobdispatch/core/model"
)

// MemoryStore is a mutex guarded in-process Store. It is used by tests and by
// single node deployments that do not need durability.
type MemoryStore struct {
	mu         sync.Mutex
	jobs       map[string]model.Job
	attempts   map[string]model.Attempt
	byJob      map[string][]string
	exclusions map[string][]model.Exclusion
	agents     map[string]model.Agent
	queues     map[string]model.Queue
	weights    []model.DispatchConfig
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:       make(map[string]model.Job),
		attempts:   make(map[string]model.Attempt),
		byJob:      make(map[string][]string),
		exclusions: make(map[string][]model.Exclusion),
		agents:     make(map[string]model.Agent),
		queues:     make(map[string]model.Queue),
	}
}

func (m *MemoryStore) CreateJob(_ context.Context, job model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("job %s: %w", job.ID, ErrConflict)
	}
	job.Version = 1
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, id string) (model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return model.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return j.Clone(), nil
}

func (m *MemoryStore) UpdateJob(_ context.Context, job model.Job) (model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.jobs[job.ID]
	if !ok {
		return model.Job{}, fmt.Errorf("job %s: %w", job.ID, ErrNotFound)
	}
	if cur.Version != job.Version {
		return model.Job{}, fmt.Errorf("job %s at version %d: %w", job.ID, job.Version, ErrConflict)
	}
	job.Version++
	m.jobs[job.ID] = job.Clone()
	return job.Clone(), nil
}

func (m *MemoryStore) ListJobs(_ context.Context, status model.JobStatus) ([]model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if status != "" && j.Status != status {
			continue
		}
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (m *MemoryStore) CreateAttempt(_ context.Context, a model.Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.attempts[a.ID]; ok {
		return fmt.Errorf("attempt %s: %w", a.ID, ErrConflict)
	}
	for _, id := range m.byJob[a.JobID] {
		prev := m.attempts[id]
		if prev.Status == model.AttemptPending {
			return fmt.Errorf("job %s: %w", a.JobID, ErrPendingExists)
		}
		if prev.Order == a.Order {
			return fmt.Errorf("job %s order %d: %w", a.JobID, a.Order, ErrConflict)
		}
	}
	a.Status = model.AttemptPending
	m.attempts[a.ID] = a
	m.byJob[a.JobID] = append(m.byJob[a.JobID], a.ID)
	return nil
}

func (m *MemoryStore) TransitionAttempt(_ context.Context, id string, from, to model.AttemptStatus, at time.Time) (model.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[id]
	if !ok {
		return model.Attempt{}, fmt.Errorf("attempt %s: %w", id, ErrNotFound)
	}
	if a.Status != from {
		return a, fmt.Errorf("attempt %s is %s: %w", id, a.Status, ErrNotPending)
	}
	if to == model.AttemptAccepted {
		for _, other := range m.byJob[a.JobID] {
			if other != id && m.attempts[other].Status == model.AttemptAccepted {
				return a, fmt.Errorf("job %s already accepted: %w", a.JobID, ErrConflict)
			}
		}
	}
	a.Status = to
	if a.RespondedAt == nil {
		t := at
		a.RespondedAt = &t
	}
	m.attempts[id] = a
	return a, nil
}

func (m *MemoryStore) GetAttempt(_ context.Context, id string) (model.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[id]
	if !ok {
		return model.Attempt{}, fmt.Errorf("attempt %s: %w", id, ErrNotFound)
	}
	return a, nil
}

func (m *MemoryStore) PendingAttempt(_ context.Context, jobID string) (model.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.byJob[jobID] {
		if a := m.attempts[id]; a.Status == model.AttemptPending {
			return a, nil
		}
	}
	return model.Attempt{}, fmt.Errorf("pending attempt for job %s: %w", jobID, ErrNotFound)
}

func (m *MemoryStore) ListAttempts(_ context.Context, jobID string) ([]model.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Attempt, 0, len(m.byJob[jobID]))
	for _, id := range m.byJob[jobID] {
		out = append(out, m.attempts[id])
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Order < out[k].Order })
	return out, nil
}

func (m *MemoryStore) ListPendingAttempts(_ context.Context) ([]model.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Attempt
	for _, a := range m.attempts {
		if a.Status == model.AttemptPending {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].TimeoutAt.Before(out[k].TimeoutAt) })
	return out, nil
}

func (m *MemoryStore) AddExclusion(_ context.Context, e model.Exclusion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, prev := range m.exclusions[e.JobID] {
		if prev.AgentID == e.AgentID {
			return nil
		}
	}
	m.exclusions[e.JobID] = append(m.exclusions[e.JobID], e)
	return nil
}

func (m *MemoryStore) ListExclusions(_ context.Context, jobID string) ([]model.Exclusion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Exclusion(nil), m.exclusions[jobID]...), nil
}

// UpsertAgent stores an agent snapshot. The engine never calls it; it stands
// in for the profile subsystem.
func (m *MemoryStore) UpsertAgent(_ context.Context, a model.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.Skills = append([]string(nil), a.Skills...)
	m.agents[a.ID] = a
	return nil
}

func (m *MemoryStore) ListAgents(_ context.Context, skill string) ([]model.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		if skill != "" && !a.HasSkill(skill) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (m *MemoryStore) GetAgent(_ context.Context, id string) (model.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return model.Agent{}, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return a, nil
}

func (m *MemoryStore) SaveQueue(_ context.Context, q model.Queue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.queues[q.JobID]; ok && prev.Run >= q.Run {
		return fmt.Errorf("queue %s run %d: %w", q.JobID, q.Run, ErrConflict)
	}
	q.Candidates = append([]model.Candidate(nil), q.Candidates...)
	m.queues[q.JobID] = q
	return nil
}

func (m *MemoryStore) GetQueue(_ context.Context, jobID string) (model.Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[jobID]
	if !ok {
		return model.Queue{}, fmt.Errorf("queue %s: %w", jobID, ErrNotFound)
	}
	q.Candidates = append([]model.Candidate(nil), q.Candidates...)
	return q, nil
}

func (m *MemoryStore) ActiveWeights(_ context.Context) (model.DispatchConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.weights) == 0 {
		return model.DispatchConfig{}, fmt.Errorf("dispatch weights: %w", ErrNotFound)
	}
	return m.weights[len(m.weights)-1], nil
}

func (m *MemoryStore) PutWeights(_ context.Context, w model.Weights, updatedBy string, at time.Time) (model.DispatchConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg := model.DispatchConfig{Version: len(m.weights) + 1, Weights: w, UpdatedBy: updatedBy, UpdatedAt: at}
	m.weights = append(m.weights, cfg)
	return cfg, nil
}

func (m *MemoryStore) WeightsHistory(_ context.Context) ([]model.DispatchConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.DispatchConfig(nil), m.weights...), nil
}

func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
