// Package audit persists the dispatch trail: every attempt, exclusion,
// cancellation and weight change the engine performs.
package audit

import (
	"context"
	"time"
)

// Kind classifies audit records.
type Kind string

const (
	KindDispatchRun    Kind = "dispatch_run"
	KindAttempt        Kind = "attempt"
	KindExclusion      Kind = "exclusion"
	KindJobTransition  Kind = "job_transition"
	KindCancellation   Kind = "cancellation"
	KindWeightsChanged Kind = "weights_changed"
)

// Record captures one engine decision.
type Record struct {
	Timestamp time.Time      `json:"timestamp"`
	Kind      Kind           `json:"kind"`
	JobID     string         `json:"job_id,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	AttemptID string         `json:"attempt_id,omitempty"`
	Status    string         `json:"status,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Query defines filters for retrieving records. Zero fields match all.
type Query struct {
	Start   time.Time
	End     time.Time
	JobID   string
	AgentID string
	Kind    Kind
}

// Match reports whether r satisfies q.
func (q Query) Match(r Record) bool {
	if !q.Start.IsZero() && r.Timestamp.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && r.Timestamp.After(q.End) {
		return false
	}
	if q.JobID != "" && r.JobID != q.JobID {
		return false
	}
	if q.AgentID != "" && r.AgentID != q.AgentID {
		return false
	}
	if q.Kind != "" && r.Kind != q.Kind {
		return false
	}
	return true
}

// Store persists Records and supports querying.
type Store interface {
	Append(ctx context.Context, rec Record) error
	Query(ctx context.Context, q Query) ([]Record, error)
	Close() error
}

// NopStore discards every record.
type NopStore struct{}

func (NopStore) Append(context.Context, Record) error           { return nil }
func (NopStore) Query(context.Context, Query) ([]Record, error) { return nil, nil }
func (NopStore) Close() error                                   { return nil }
