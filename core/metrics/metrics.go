package metrics

import (
	"time"

	"github.com/kilianp07/jobdispatch/core/model"
)

// AttemptRecord describes an attempt once it leaves the pending state, or at
// creation time with status pending.
type AttemptRecord struct {
	JobID        string
	AgentID      string
	Order        int
	Run          int
	Status       model.AttemptStatus
	Score        float64
	ResponseTime time.Duration
	Time         time.Time
}

// MetricsSink records dispatch attempts for observability purposes.
type MetricsSink interface {
	RecordAttempt(rec AttemptRecord) error
}

// DispatchRunRecord describes one computed offer queue.
type DispatchRunRecord struct {
	JobID          string
	Run            int
	Candidates     int
	WeightsVersion int
	// Outcome is "offered" or "manual_assignment".
	Outcome  string
	Duration time.Duration
	Time     time.Time
}

// DispatchRunRecorder records dispatch runs.
type DispatchRunRecorder interface {
	RecordDispatchRun(rec DispatchRunRecord) error
}

// CancellationRecord describes a settled client cancellation.
type CancellationRecord struct {
	JobID         string
	PrevStatus    model.JobStatus
	FeeApplied    bool
	TotalAmount   float64
	CaptureFailed bool
	Time          time.Time
}

// CancellationRecorder records client cancellations.
type CancellationRecorder interface {
	RecordCancellation(rec CancellationRecord) error
}

// NotificationRecord captures the delivery result of an offer notification.
type NotificationRecord struct {
	JobID     string
	AgentID   string
	AttemptID string
	Latency   time.Duration
	Error     string
	Time      time.Time
}

// NotificationRecorder records notification deliveries.
type NotificationRecorder interface {
	RecordNotification(rec NotificationRecord) error
}

// JobTransitionRecord is one job lifecycle move.
type JobTransitionRecord struct {
	JobID string
	From  model.JobStatus
	To    model.JobStatus
	Time  time.Time
}

// JobTransitionRecorder records job lifecycle moves.
type JobTransitionRecorder interface {
	RecordJobTransition(rec JobTransitionRecord) error
}

// ManualAssignmentRecord is emitted when a job falls back to an operator.
type ManualAssignmentRecord struct {
	JobID  string
	Reason string
	Time   time.Time
}

// ManualAssignmentRecorder records manual assignment fallbacks.
type ManualAssignmentRecorder interface {
	RecordManualAssignment(rec ManualAssignmentRecord) error
}

// NopSink implements every recorder with no-op methods.
type NopSink struct{}

func (NopSink) RecordAttempt(AttemptRecord) error                   { return nil }
func (NopSink) RecordDispatchRun(DispatchRunRecord) error           { return nil }
func (NopSink) RecordCancellation(CancellationRecord) error         { return nil }
func (NopSink) RecordNotification(NotificationRecord) error         { return nil }
func (NopSink) RecordJobTransition(JobTransitionRecord) error       { return nil }
func (NopSink) RecordManualAssignment(ManualAssignmentRecord) error { return nil }
