// Package store defines the persistence contracts of the dispatch engine.
//
// Every mutation that can race is expressed as a conditional update:
// attempts move only out of an expected status, and jobs are written only
// when the caller holds the current version. Backends must make each call
// atomic; the engine relies on nothing stronger.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/kilianp07/jobdispatch/core/model"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a versioned write lost a race or a row
	// with the same identity already exists.
	ErrConflict = errors.New("version conflict")
	// ErrPendingExists is returned when creating an attempt for a job that
	// already has one pending.
	ErrPendingExists = errors.New("pending attempt exists")
	// ErrNotPending is returned when a conditional attempt transition finds
	// the attempt no longer in the expected status.
	ErrNotPending = errors.New("attempt not in expected status")
)

// JobStore persists jobs with optimistic concurrency.
type JobStore interface {
	CreateJob(ctx context.Context, job model.Job) error
	GetJob(ctx context.Context, id string) (model.Job, error)
	// UpdateJob writes job only if the stored version equals job.Version and
	// returns the stored job with its incremented version.
	UpdateJob(ctx context.Context, job model.Job) (model.Job, error)
	ListJobs(ctx context.Context, status model.JobStatus) ([]model.Job, error)
}

// AttemptStore persists dispatch attempts. Attempts are never deleted.
type AttemptStore interface {
	// CreateAttempt inserts a pending attempt. It fails with ErrPendingExists
	// if the job already has a pending attempt and ErrConflict if the
	// attempt order is already taken.
	CreateAttempt(ctx context.Context, a model.Attempt) error
	// TransitionAttempt moves the attempt from one status to another only if
	// it is currently in from. RespondedAt is set to at when unset.
	TransitionAttempt(ctx context.Context, id string, from, to model.AttemptStatus, at time.Time) (model.Attempt, error)
	GetAttempt(ctx context.Context, id string) (model.Attempt, error)
	// PendingAttempt returns the pending attempt of a job or ErrNotFound.
	PendingAttempt(ctx context.Context, jobID string) (model.Attempt, error)
	// ListAttempts returns all attempts of a job ordered by attempt order.
	ListAttempts(ctx context.Context, jobID string) ([]model.Attempt, error)
	// ListPendingAttempts returns every pending attempt across jobs.
	ListPendingAttempts(ctx context.Context) ([]model.Attempt, error)
}

// ExclusionStore persists permanent per-job agent exclusions.
type ExclusionStore interface {
	// AddExclusion is idempotent per (job, agent); the first reason wins.
	AddExclusion(ctx context.Context, e model.Exclusion) error
	ListExclusions(ctx context.Context, jobID string) ([]model.Exclusion, error)
}

// AgentSource reads agent snapshots owned by the profile subsystem.
type AgentSource interface {
	// ListAgents returns agents holding skill. An empty skill lists all.
	ListAgents(ctx context.Context, skill string) ([]model.Agent, error)
	GetAgent(ctx context.Context, id string) (model.Agent, error)
}

// QueueStore persists the immutable candidate queue of each dispatch run.
type QueueStore interface {
	SaveQueue(ctx context.Context, q model.Queue) error
	// GetQueue returns the queue of the latest run or ErrNotFound.
	GetQueue(ctx context.Context, jobID string) (model.Queue, error)
}

// WeightsStore holds the versioned dispatch weight configuration.
type WeightsStore interface {
	// ActiveWeights returns the latest version or ErrNotFound.
	ActiveWeights(ctx context.Context) (model.DispatchConfig, error)
	// PutWeights stores a new version numbered after the latest one.
	PutWeights(ctx context.Context, w model.Weights, updatedBy string, at time.Time) (model.DispatchConfig, error)
	WeightsHistory(ctx context.Context) ([]model.DispatchConfig, error)
}

// Store groups every contract the engine needs.
type Store interface {
	JobStore
	AttemptStore
	ExclusionStore
	AgentSource
	QueueStore
	WeightsStore
	Close() error
}

// AgentWriter is implemented by backends that can be seeded with agent
// snapshots by operators or tests.
type AgentWriter interface {
	UpsertAgent(ctx context.Context, a model.Agent) error
}
