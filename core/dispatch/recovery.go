package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/kilianp07/jobdispatch/core/model"
	"github.com/kilianp07/jobdispatch/core/store"
)

// RecoveryReport summarizes RecoverTimeouts.
type RecoveryReport struct {
	Rearmed int `json:"rearmed"`
	Expired int `json:"expired"`
	Resumed int `json:"resumed"`
}

// RecoverTimeouts restores timer state from the store after a restart.
// Pending attempts get their timer re-armed, or expire at once when already
// due. Dispatching jobs left without a pending attempt resume their queue.
func (e *Engine) RecoverTimeouts(ctx context.Context) (RecoveryReport, error) {
	var rep RecoveryReport
	pending, err := e.store.ListPendingAttempts(ctx)
	if err != nil {
		return rep, fmt.Errorf("list pending attempts: %w", err)
	}
	now := e.now()
	waiting := make(map[string]bool, len(pending))
	for _, a := range pending {
		waiting[a.JobID] = true
		if !now.Before(a.TimeoutAt) {
			if err := e.HandleTimeout(ctx, a.ID); err != nil {
				e.logger.Errorf("expire attempt %s: %v", a.ID, err)
				continue
			}
			rep.Expired++
			continue
		}
		if err := e.scheduler.Schedule(ctx, a.ID, a.TimeoutAt); err != nil {
			return rep, fmt.Errorf("rearm attempt %s: %w", a.ID, err)
		}
		rep.Rearmed++
	}

	jobs, err := e.store.ListJobs(ctx, model.JobDispatching)
	if err != nil {
		return rep, fmt.Errorf("list dispatching jobs: %w", err)
	}
	for _, j := range jobs {
		if waiting[j.ID] || j.RequiresManualAssignment {
			continue
		}
		if _, err := e.store.PendingAttempt(ctx, j.ID); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return rep, fmt.Errorf("pending attempt: %w", err)
		}
		if _, err := e.Dispatch(ctx, j.ID); err != nil {
			e.logger.Errorf("resume job %s: %v", j.ID, err)
			continue
		}
		rep.Resumed++
	}
	e.logger.Infow("timeouts recovered", map[string]any{"rearmed": rep.Rearmed, "expired": rep.Expired, "resumed": rep.Resumed})
	return rep, nil
}
