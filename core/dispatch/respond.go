package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kilianp07/jobdispatch/core/dispatch/audit"
	"github.com/kilianp07/jobdispatch/core/events"
	"github.com/kilianp07/jobdispatch/core/jobstate"
	"github.com/kilianp07/jobdispatch/core/model"
	"github.com/kilianp07/jobdispatch/core/monitoring"
	"github.com/kilianp07/jobdispatch/core/store"
)

// Action is an agent answer to an offer.
type Action string

const (
	ActionAccept Action = "accept"
	ActionReject Action = "reject"
	// ActionDecline rejects and permanently excludes the agent from the job.
	ActionDecline Action = "decline"
)

// ParseAction converts user input into an Action.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionAccept, ActionReject, ActionDecline:
		return a, nil
	}
	return "", fmt.Errorf("%q: %w", s, ErrUnknownAction)
}

// RespondResult is returned to the responding agent.
type RespondResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Respond applies an agent answer. Answers to an attempt that was already
// resolved fail with ErrAlreadyResolved and leave the job untouched.
func (e *Engine) Respond(ctx context.Context, jobID, agentID string, action Action, reason string) (RespondResult, error) {
	job, err := e.getJob(ctx, jobID)
	if err != nil {
		return RespondResult{Message: "job not found"}, err
	}
	if job.Status.Terminal() {
		return RespondResult{Message: "job is no longer available"}, fmt.Errorf("respond %s: %w", jobID, ErrJobTerminal)
	}
	switch action {
	case ActionAccept:
		return e.accept(ctx, job, agentID)
	case ActionReject:
		return e.reject(ctx, job, agentID)
	case ActionDecline:
		return e.decline(ctx, job, agentID, reason)
	}
	return RespondResult{Message: "unknown action"}, fmt.Errorf("%q: %w", action, ErrUnknownAction)
}

// currentOffer returns the pending attempt held by agentID.
func (e *Engine) currentOffer(ctx context.Context, jobID, agentID string) (model.Attempt, error) {
	p, err := e.store.PendingAttempt(ctx, jobID)
	if err == nil && p.AgentID == agentID {
		return p, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return model.Attempt{}, fmt.Errorf("pending attempt: %w", err)
	}
	history, err := e.store.ListAttempts(ctx, jobID)
	if err != nil {
		return model.Attempt{}, fmt.Errorf("list attempts: %w", err)
	}
	for _, a := range history {
		if a.AgentID == agentID {
			return a, fmt.Errorf("attempt %s is %s: %w", a.ID, a.Status, ErrAlreadyResolved)
		}
	}
	return model.Attempt{}, fmt.Errorf("job %s agent %s: %w", jobID, agentID, ErrNoPendingOffer)
}

func (e *Engine) accept(ctx context.Context, job model.Job, agentID string) (RespondResult, error) {
	p, err := e.currentOffer(ctx, job.ID, agentID)
	if err != nil {
		return RespondResult{Message: offerMessage(err)}, err
	}
	accepted, err := e.resolve(ctx, p, model.AttemptAccepted, "accept")
	if err != nil {
		return RespondResult{Message: offerMessage(err)}, err
	}
	e.cancelTimer(ctx, p.ID)

	_, err = e.updateJob(ctx, job.ID, func(j model.Job) (model.Job, error) {
		if j.Status != model.JobDispatching {
			return j, errJobMoved
		}
		return jobstate.Transition(j, model.JobAssigned, *accepted.RespondedAt, jobstate.Options{AgentID: agentID})
	})
	if err != nil {
		// The job was cancelled between the attempt and the job update. The
		// acceptance is withdrawn so the job never shows an assignee.
		if _, terr := e.store.TransitionAttempt(ctx, p.ID, model.AttemptAccepted, model.AttemptCancelled, e.now()); terr != nil {
			e.logger.Errorf("withdraw acceptance %s: %v", p.ID, terr)
		}
		if errors.Is(err, errJobMoved) {
			err = fmt.Errorf("accept %s: %w", job.ID, ErrJobTerminal)
		}
		return RespondResult{Message: "job is no longer available"}, err
	}
	e.logger.Infow("offer accepted", map[string]any{"job_id": job.ID, "agent_id": agentID, "attempt_id": p.ID, "order": p.Order})
	return RespondResult{Success: true, Message: "offer accepted"}, nil
}

func (e *Engine) reject(ctx context.Context, job model.Job, agentID string) (RespondResult, error) {
	p, err := e.currentOffer(ctx, job.ID, agentID)
	if err != nil {
		return RespondResult{Message: offerMessage(err)}, err
	}
	if _, err := e.resolve(ctx, p, model.AttemptRejected, "reject"); err != nil {
		return RespondResult{Message: offerMessage(err)}, err
	}
	e.cancelTimer(ctx, p.ID)
	e.continueDispatch(ctx, job.ID)
	return RespondResult{Success: true, Message: "offer rejected"}, nil
}

// decline rejects the pending offer of agentID and excludes the agent for
// good. The attempt CAS decides the outcome: an agent that lost the race to
// its own accept is released from the assignment instead, and nothing is
// excluded while an acceptance is still being applied.
func (e *Engine) decline(ctx context.Context, job model.Job, agentID, reason string) (RespondResult, error) {
	p, err := e.store.PendingAttempt(ctx, job.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return RespondResult{Message: "decline not recorded"}, fmt.Errorf("pending attempt: %w", err)
	}
	if err == nil && p.AgentID == agentID {
		_, err := e.resolve(ctx, p, model.AttemptRejected, "decline")
		if err == nil {
			if err := e.exclude(ctx, job.ID, agentID, model.ExclusionDeclined, reason); err != nil {
				return RespondResult{Message: "decline not recorded"}, err
			}
			e.cancelTimer(ctx, p.ID)
			e.continueDispatch(ctx, job.ID)
			return RespondResult{Success: true, Message: "job declined"}, nil
		}
		if !errors.Is(err, ErrAlreadyResolved) {
			return RespondResult{Message: offerMessage(err)}, err
		}
	}

	current, err := e.getJob(ctx, job.ID)
	if err != nil {
		return RespondResult{Message: "job not found"}, err
	}
	if current.AgentID == agentID && (current.Status == model.JobAssigned || current.Status == model.JobEnRoute) {
		if _, err := e.release(ctx, job.ID, agentID, model.ExclusionDeclined, reason); err != nil {
			return RespondResult{Message: "assignment not released"}, err
		}
		return RespondResult{Success: true, Message: "assignment released"}, nil
	}
	if current.Status.Terminal() {
		return RespondResult{Message: "job is no longer available"}, fmt.Errorf("decline %s: %w", job.ID, ErrJobTerminal)
	}

	history, err := e.store.ListAttempts(ctx, job.ID)
	if err != nil {
		return RespondResult{Message: "decline not recorded"}, fmt.Errorf("list attempts: %w", err)
	}
	offered := false
	for _, a := range history {
		if a.AgentID != agentID {
			continue
		}
		if a.Status == model.AttemptAccepted {
			// accept won and is still moving the job to assigned
			err := fmt.Errorf("attempt %s is %s: %w", a.ID, a.Status, ErrAlreadyResolved)
			return RespondResult{Message: offerMessage(err)}, err
		}
		offered = true
	}
	if !offered {
		err := fmt.Errorf("job %s agent %s: %w", job.ID, agentID, ErrNoPendingOffer)
		return RespondResult{Message: offerMessage(err)}, err
	}
	// a resolved offer can still be declined for good
	if err := e.exclude(ctx, job.ID, agentID, model.ExclusionDeclined, reason); err != nil {
		return RespondResult{Message: "decline not recorded"}, err
	}
	return RespondResult{Success: true, Message: "job declined"}, nil
}

// HandleTimeout expires an attempt. It is invoked by the timeout scheduler and
// may run late, early or more than once: anything but a due pending attempt
// is a no-op.
func (e *Engine) HandleTimeout(ctx context.Context, attemptID string) error {
	a, err := e.store.GetAttempt(ctx, attemptID)
	if errors.Is(err, store.ErrNotFound) {
		e.logger.Warnf("timeout for unknown attempt %s", attemptID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("get attempt: %w", err)
	}
	if a.Status != model.AttemptPending {
		staleEvents.WithLabelValues("timeout").Inc()
		e.logger.Debugw("timeout ignored", map[string]any{"attempt_id": a.ID, "status": string(a.Status)})
		return nil
	}
	if e.now().Before(a.TimeoutAt) {
		return e.scheduler.Schedule(ctx, a.ID, a.TimeoutAt)
	}
	if _, err := e.resolve(ctx, a, model.AttemptTimeout, "timeout"); err != nil {
		if errors.Is(err, ErrAlreadyResolved) {
			return nil
		}
		return err
	}
	e.logger.Infow("offer timed out", map[string]any{"job_id": a.JobID, "agent_id": a.AgentID, "attempt_id": a.ID})
	e.notify(ctx, Notification{Kind: NotifyOfferWithdrawn, JobID: a.JobID, AgentID: a.AgentID, Time: e.now(),
		Data: map[string]any{"attempt_id": a.ID, "reason": "timeout"}})
	e.continueDispatch(ctx, a.JobID)
	return nil
}

// resolve moves a pending attempt to a terminal status. The loser of a race
// gets ErrAlreadyResolved.
func (e *Engine) resolve(ctx context.Context, a model.Attempt, to model.AttemptStatus, event string) (model.Attempt, error) {
	now := e.now()
	out, err := e.store.TransitionAttempt(ctx, a.ID, model.AttemptPending, to, now)
	if errors.Is(err, store.ErrNotPending) {
		staleEvents.WithLabelValues(event).Inc()
		return out, fmt.Errorf("attempt %s: %w", a.ID, ErrAlreadyResolved)
	}
	if err != nil {
		return out, fmt.Errorf("transition attempt %s: %w", a.ID, err)
	}
	response := out.RespondedAt.Sub(out.NotifiedAt)
	attemptsTotal.WithLabelValues(string(to)).Inc()
	offerResponseSeconds.WithLabelValues(string(to)).Observe(response.Seconds())
	e.recordAttempt(out, response)
	e.publish(events.AttemptEvent{Attempt: out, Time: now})
	e.appendAudit(ctx, audit.Record{Timestamp: now, Kind: audit.KindAttempt, JobID: out.JobID, AgentID: out.AgentID,
		AttemptID: out.ID, Status: string(to), Detail: map[string]any{"order": out.Order, "event": event}})
	return out, nil
}

// continueDispatch offers the job to the next candidate after a resolution.
// Errors are reported but not returned: the triggering event already
// succeeded and RecoverTimeouts resumes stalled jobs.
func (e *Engine) continueDispatch(ctx context.Context, jobID string) {
	job, err := e.getJob(ctx, jobID)
	if err != nil || job.Status != model.JobDispatching {
		return
	}
	q, err := e.store.GetQueue(ctx, jobID)
	if err != nil {
		e.logger.Errorf("load queue of job %s: %v", jobID, err)
		return
	}
	if _, err := e.advance(ctx, job, q); err != nil && !errors.Is(err, ErrJobTerminal) {
		e.logger.Errorf("advance job %s: %v", jobID, err)
		monitoring.CaptureException(err, map[string]string{"module": "dispatch_engine", "job_id": jobID})
	}
}

func (e *Engine) exclude(ctx context.Context, jobID, agentID string, reason model.ExclusionReason, detail string) error {
	now := e.now()
	x := model.Exclusion{JobID: jobID, AgentID: agentID, Reason: reason, Detail: detail, CreatedAt: now}
	if err := e.store.AddExclusion(ctx, x); err != nil {
		return fmt.Errorf("add exclusion: %w", err)
	}
	e.appendAudit(ctx, audit.Record{Timestamp: now, Kind: audit.KindExclusion, JobID: jobID, AgentID: agentID,
		Status: string(reason), Detail: map[string]any{"detail": detail}})
	return nil
}

func (e *Engine) cancelTimer(ctx context.Context, attemptID string) {
	if err := e.scheduler.Cancel(ctx, attemptID); err != nil {
		// a stale timer is harmless, it re-checks before acting
		e.logger.Warnf("cancel timeout of attempt %s: %v", attemptID, err)
	}
}

func offerMessage(err error) string {
	switch {
	case errors.Is(err, ErrAlreadyResolved):
		return "offer already resolved"
	case errors.Is(err, ErrNoPendingOffer):
		return "no pending offer"
	}
	return "offer could not be processed"
}
