package model

import (
	"time"

	"github.com/kilianp07/jobdispatch/core/geo"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobNew         JobStatus = "new"
	JobDispatching JobStatus = "dispatching"
	JobAssigned    JobStatus = "assigned"
	JobEnRoute     JobStatus = "en_route"
	JobArrived     JobStatus = "arrived"
	JobInProgress  JobStatus = "in_progress"
	JobCompleted   JobStatus = "completed"
	JobCancelled   JobStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobCancelled
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobNew, JobDispatching, JobAssigned, JobEnRoute, JobArrived, JobInProgress, JobCompleted, JobCancelled:
		return true
	}
	return false
}

// AccountType selects the tax regime applied to cancellation fees.
type AccountType string

const (
	AccountIndividual AccountType = "individual"
	AccountBusiness   AccountType = "business"
)

// Job is a service request awaiting or undergoing fulfillment.
type Job struct {
	ID            string      `json:"id"`
	Status        JobStatus   `json:"status"`
	RequiredSkill string      `json:"required_skill"`
	Address       string      `json:"address,omitempty"`
	Location      *geo.Point  `json:"location,omitempty"` // nil until geocoded
	Priority      int         `json:"priority"`
	AccountType   AccountType `json:"account_type"`
	// DisplacementPrice is the fixed displacement price of the service. Zero
	// means the configured default applies.
	DisplacementPrice float64 `json:"displacement_price"`
	AgentID           string  `json:"agent_id,omitempty"`

	RequiresManualAssignment bool     `json:"requires_manual_assignment"`
	PaymentReconciliation    bool     `json:"payment_reconciliation"`
	FinalPrice               *float64 `json:"final_price,omitempty"`
	CancellationReason       string   `json:"cancellation_reason,omitempty"`

	CreatedAt     time.Time  `json:"created_at"`
	DispatchingAt *time.Time `json:"dispatching_at,omitempty"`
	AcceptedAt    *time.Time `json:"accepted_at,omitempty"`
	EnRouteAt     *time.Time `json:"en_route_at,omitempty"`
	ArrivedAt     *time.Time `json:"arrived_at,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	CancelledAt   *time.Time `json:"cancelled_at,omitempty"`

	TravelDuration time.Duration `json:"travel_duration"`
	WorkDuration   time.Duration `json:"work_duration"`

	// Version is incremented by the store on each successful update and is
	// used for optimistic concurrency.
	Version int64 `json:"version"`
}

// Clone returns a deep copy of the job.
func (j Job) Clone() Job {
	cp := j
	if j.Location != nil {
		loc := *j.Location
		cp.Location = &loc
	}
	if j.FinalPrice != nil {
		p := *j.FinalPrice
		cp.FinalPrice = &p
	}
	cp.DispatchingAt = cloneTime(j.DispatchingAt)
	cp.AcceptedAt = cloneTime(j.AcceptedAt)
	cp.EnRouteAt = cloneTime(j.EnRouteAt)
	cp.ArrivedAt = cloneTime(j.ArrivedAt)
	cp.StartedAt = cloneTime(j.StartedAt)
	cp.CompletedAt = cloneTime(j.CompletedAt)
	cp.CancelledAt = cloneTime(j.CancelledAt)
	return cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
