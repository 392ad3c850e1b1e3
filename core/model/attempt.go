package model

import "time"

// AttemptStatus is the state of one timed offer.
type AttemptStatus string

const (
	AttemptPending   AttemptStatus = "pending"
	AttemptAccepted  AttemptStatus = "accepted"
	AttemptRejected  AttemptStatus = "rejected"
	AttemptTimeout   AttemptStatus = "timeout"
	AttemptCancelled AttemptStatus = "cancelled"
)

// Resolved reports whether the attempt left the pending state.
func (s AttemptStatus) Resolved() bool { return s != AttemptPending }

// ScoreBreakdown holds the normalized sub-scores of a candidate.
type ScoreBreakdown struct {
	Proximity float64 `json:"proximity"`
	Skill     float64 `json:"skill"`
	Workload  float64 `json:"workload"`
	Rating    float64 `json:"rating"`
}

// Attempt is one timed offer of a job to an agent. Attempts are never deleted.
type Attempt struct {
	ID          string         `json:"id"`
	JobID       string         `json:"job_id"`
	AgentID     string         `json:"agent_id"`
	Order       int            `json:"attempt_order"`
	Run         int            `json:"run"`
	Score       float64        `json:"score"`
	Breakdown   ScoreBreakdown `json:"breakdown"`
	DistanceKm  float64        `json:"distance_km"`
	ETAMinutes  int            `json:"eta_minutes"`
	Status      AttemptStatus  `json:"status"`
	NotifiedAt  time.Time      `json:"notified_at"`
	RespondedAt *time.Time     `json:"responded_at,omitempty"`
	TimeoutAt   time.Time      `json:"timeout_at"`
}

// ExclusionReason explains why an agent may not be offered a job again.
type ExclusionReason string

const (
	ExclusionDeclined    ExclusionReason = "declined"
	ExclusionCancelledBy ExclusionReason = "cancelled_by_agent"
	ExclusionReassigned  ExclusionReason = "reassigned"
)

// Exclusion permanently prevents an agent from being re-offered a job.
type Exclusion struct {
	JobID     string          `json:"job_id"`
	AgentID   string          `json:"agent_id"`
	Reason    ExclusionReason `json:"reason"`
	Detail    string          `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Candidate is an eligible agent together with its precomputed travel data
// and, once scored, its composite score.
type Candidate struct {
	AgentID    string         `json:"agent_id"`
	DistanceKm float64        `json:"distance_km"`
	ETAMinutes int            `json:"eta_minutes"`
	Score      float64        `json:"score"`
	Breakdown  ScoreBreakdown `json:"breakdown"`
}

// Queue is the ordered, immutable candidate list of one dispatch run.
type Queue struct {
	JobID          string      `json:"job_id"`
	Run            int         `json:"run"`
	WeightsVersion int         `json:"weights_version"`
	Candidates     []Candidate `json:"candidates"`
	CreatedAt      time.Time   `json:"created_at"`
}
