package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/kilianp07/jobdispatch/core/jobstate"
	"github.com/kilianp07/jobdispatch/core/model"
)

// progressFrom maps each field status to the only status an agent may report
// it from. Field work never skips a step.
var progressFrom = map[model.JobStatus]model.JobStatus{
	model.JobEnRoute:    model.JobAssigned,
	model.JobArrived:    model.JobEnRoute,
	model.JobInProgress: model.JobArrived,
	model.JobCompleted:  model.JobInProgress,
}

// Progress records field progress reported by the assigned agent: en_route,
// arrived, in_progress and completed, one step at a time.
func (e *Engine) Progress(ctx context.Context, jobID, agentID string, to model.JobStatus) (model.Job, error) {
	from, ok := progressFrom[to]
	if !ok {
		return model.Job{}, fmt.Errorf("progress to %s: %w", to, jobstate.ErrInvalidTransition)
	}
	acceptedAt, err := e.acceptedAt(ctx, jobID, agentID)
	if err != nil {
		return model.Job{}, err
	}
	job, err := e.updateJob(ctx, jobID, func(j model.Job) (model.Job, error) {
		if j.Status.Terminal() {
			return j, fmt.Errorf("progress %s: %w", jobID, ErrJobTerminal)
		}
		if j.AgentID != agentID {
			return j, fmt.Errorf("job %s agent %s: %w", jobID, agentID, ErrNotAssigned)
		}
		if j.Status != from {
			return j, fmt.Errorf("%w: %s -> %s", jobstate.ErrInvalidTransition, j.Status, to)
		}
		return jobstate.Transition(j, to, e.now(), jobstate.Options{AcceptedAt: acceptedAt})
	})
	if err != nil {
		return model.Job{}, err
	}
	e.logger.Infow("job progress", map[string]any{"job_id": jobID, "agent_id": agentID, "status": string(to)})
	return job, nil
}

// acceptedAt returns when agentID accepted the current assignment. Travel
// time is measured from it rather than from the first acceptance of the job.
func (e *Engine) acceptedAt(ctx context.Context, jobID, agentID string) (*time.Time, error) {
	history, err := e.store.ListAttempts(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	for i := len(history) - 1; i >= 0; i-- {
		a := history[i]
		if a.AgentID == agentID && a.Status == model.AttemptAccepted {
			return a.RespondedAt, nil
		}
	}
	return nil, nil
}
