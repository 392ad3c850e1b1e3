package events

import (
	"time"

	"github.com/kilianp07/jobdispatch/core/model"
)

// Event is implemented by every event published by the engine.
type Event interface {
	// Subject returns the job id the event relates to, or "" for global
	// events.
	Subject() string
}

// AttemptEvent is published when an attempt is created or resolved.
type AttemptEvent struct {
	Attempt model.Attempt
	Time    time.Time
}

func (e AttemptEvent) Subject() string { return e.Attempt.JobID }

// JobStatusEvent is published after a job transition is persisted.
type JobStatusEvent struct {
	JobID   string
	From    model.JobStatus
	To      model.JobStatus
	AgentID string
	Time    time.Time
}

func (e JobStatusEvent) Subject() string { return e.JobID }

// ManualAssignmentEvent is published when a job is flagged for manual
// assignment. Reason is "no_candidates", "queue_exhausted" or
// "geocode_unavailable".
type ManualAssignmentEvent struct {
	JobID  string
	Reason string
	Time   time.Time
}

func (e ManualAssignmentEvent) Subject() string { return e.JobID }

// CancellationEvent is published when a client cancellation completes.
type CancellationEvent struct {
	JobID         string
	PrevStatus    model.JobStatus
	Fee           *model.FeeQuote
	CaptureFailed bool
	Time          time.Time
}

func (e CancellationEvent) Subject() string { return e.JobID }

// WeightsEvent is published when a weight version is activated.
type WeightsEvent struct {
	Config model.DispatchConfig
}

func (e WeightsEvent) Subject() string { return "" }
