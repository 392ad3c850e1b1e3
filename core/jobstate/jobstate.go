// Package jobstate implements the job lifecycle:
//
//	new -> dispatching -> assigned -> en_route -> arrived -> in_progress -> completed
//
// with cancelled reachable from every non-terminal status. Re-dispatch moves
// assigned or en_route jobs back to dispatching, and a cancellation with a
// displacement fee completes the job directly.
package jobstate

import (
	"errors"
	"fmt"
	"time"

	"github.com/kilianp07/jobdispatch/core/model"
)

// ErrInvalidTransition is returned for a move the lifecycle does not allow.
var ErrInvalidTransition = errors.New("invalid job transition")

var allowed = map[model.JobStatus][]model.JobStatus{
	model.JobNew:         {model.JobDispatching},
	model.JobDispatching: {model.JobAssigned},
	model.JobAssigned:    {model.JobEnRoute, model.JobDispatching, model.JobCompleted},
	model.JobEnRoute:     {model.JobArrived, model.JobDispatching, model.JobCompleted},
	model.JobArrived:     {model.JobInProgress, model.JobCompleted},
	model.JobInProgress:  {model.JobCompleted},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to model.JobStatus) bool {
	if from.Terminal() {
		return false
	}
	if to == model.JobCancelled {
		return true
	}
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Options carries transition inputs that do not live on the job itself.
type Options struct {
	// AgentID is set on the job when entering assigned.
	AgentID string
	// AcceptedAt is the respondedAt of the accepted attempt. Travel time on
	// arrival is measured from it, falling back to Job.AcceptedAt.
	AcceptedAt *time.Time
	// FinalPrice is recorded when completing through the fee path.
	FinalPrice *float64
	// Reason is recorded on cancellation.
	Reason string
}

// Transition applies from -> to on a copy of job and returns it. Timestamps
// already set are never rewritten.
func Transition(job model.Job, to model.JobStatus, now time.Time, opts Options) (model.Job, error) {
	if !CanTransition(job.Status, to) {
		return job, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, to)
	}
	from := job.Status
	next := job.Clone()
	next.Status = to

	switch to {
	case model.JobDispatching:
		// Re-dispatch clears the previous assignee; history lives on attempts.
		setOnce(&next.DispatchingAt, now)
		next.AgentID = ""
		next.RequiresManualAssignment = false
	case model.JobAssigned:
		if opts.AgentID == "" {
			return job, fmt.Errorf("%w: assigned requires an agent", ErrInvalidTransition)
		}
		next.AgentID = opts.AgentID
		next.RequiresManualAssignment = false
		setOnce(&next.AcceptedAt, now)
	case model.JobEnRoute:
		setOnce(&next.EnRouteAt, now)
	case model.JobArrived:
		if next.ArrivedAt == nil {
			setOnce(&next.ArrivedAt, now)
			start := opts.AcceptedAt
			if start == nil {
				start = next.AcceptedAt
			}
			if start != nil {
				next.TravelDuration = nonNegative(now.Sub(*start))
			}
		}
	case model.JobInProgress:
		setOnce(&next.StartedAt, now)
	case model.JobCompleted:
		if next.CompletedAt == nil {
			setOnce(&next.CompletedAt, now)
			if from == model.JobInProgress && next.StartedAt != nil {
				next.WorkDuration = nonNegative(now.Sub(*next.StartedAt))
			}
		}
		if opts.FinalPrice != nil {
			p := *opts.FinalPrice
			next.FinalPrice = &p
		}
		if opts.Reason != "" {
			next.CancellationReason = opts.Reason
		}
	case model.JobCancelled:
		setOnce(&next.CancelledAt, now)
		next.CancellationReason = opts.Reason
	}
	return next, nil
}

func setOnce(dst **time.Time, now time.Time) {
	if *dst != nil {
		return
	}
	t := now
	*dst = &t
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
