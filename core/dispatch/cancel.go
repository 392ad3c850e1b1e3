package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/kilianp07/jobdispatch/core/dispatch/audit"
	"github.com/kilianp07/jobdispatch/core/events"
	"github.com/kilianp07/jobdispatch/core/geo"
	"github.com/kilianp07/jobdispatch/core/jobstate"
	"github.com/kilianp07/jobdispatch/core/metrics"
	"github.com/kilianp07/jobdispatch/core/model"
	"github.com/kilianp07/jobdispatch/core/monitoring"
	"github.com/kilianp07/jobdispatch/core/store"
)

// AssignmentResult is returned when an assignment is released.
type AssignmentResult struct {
	Success    bool   `json:"success"`
	Redispatch Result `json:"redispatch"`
}

// CancelAssignment releases the assignment of agentID, who backed out after
// accepting. The agent is excluded and a fresh run is started.
func (e *Engine) CancelAssignment(ctx context.Context, jobID, agentID, reason string) (AssignmentResult, error) {
	return e.release(ctx, jobID, agentID, model.ExclusionCancelledBy, reason)
}

// Reassign is the operator variant of CancelAssignment: the current assignee
// is excluded with reason reassigned. A job waiting for manual assignment is
// simply dispatched again.
func (e *Engine) Reassign(ctx context.Context, jobID, reason string) (AssignmentResult, error) {
	job, err := e.getJob(ctx, jobID)
	if err != nil {
		return AssignmentResult{}, err
	}
	if job.AgentID == "" {
		res, err := e.Dispatch(ctx, jobID)
		return AssignmentResult{Success: err == nil, Redispatch: res}, err
	}
	return e.release(ctx, jobID, job.AgentID, model.ExclusionReassigned, reason)
}

func (e *Engine) release(ctx context.Context, jobID, agentID string, why model.ExclusionReason, reason string) (AssignmentResult, error) {
	job, err := e.getJob(ctx, jobID)
	if err != nil {
		return AssignmentResult{}, err
	}
	if job.Status.Terminal() {
		return AssignmentResult{}, fmt.Errorf("release %s: %w", jobID, ErrJobTerminal)
	}
	if job.AgentID != agentID || (job.Status != model.JobAssigned && job.Status != model.JobEnRoute) {
		return AssignmentResult{}, fmt.Errorf("job %s agent %s: %w", jobID, agentID, ErrNotAssigned)
	}
	if err := e.exclude(ctx, jobID, agentID, why, reason); err != nil {
		return AssignmentResult{}, err
	}
	// Only one attempt may be accepted per job, so the released one is
	// closed before the job can be offered again.
	history, err := e.store.ListAttempts(ctx, jobID)
	if err != nil {
		return AssignmentResult{}, fmt.Errorf("list attempts: %w", err)
	}
	var closed []model.Attempt
	for _, a := range history {
		if a.Status != model.AttemptAccepted || a.AgentID != agentID {
			continue
		}
		out, err := e.store.TransitionAttempt(ctx, a.ID, model.AttemptAccepted, model.AttemptCancelled, e.now())
		if errors.Is(err, store.ErrNotPending) {
			continue
		}
		if err != nil {
			e.reopen(ctx, closed)
			return AssignmentResult{}, fmt.Errorf("close accepted attempt: %w", err)
		}
		closed = append(closed, out)
	}
	_, err = e.updateJob(ctx, jobID, func(j model.Job) (model.Job, error) {
		if j.AgentID != agentID || (j.Status != model.JobAssigned && j.Status != model.JobEnRoute) {
			return j, errJobMoved
		}
		return jobstate.Transition(j, model.JobDispatching, e.now(), jobstate.Options{})
	})
	if err != nil {
		e.reopen(ctx, closed)
		if errors.Is(err, errJobMoved) {
			err = fmt.Errorf("job %s agent %s: %w", jobID, agentID, ErrNotAssigned)
		}
		return AssignmentResult{}, err
	}
	for _, a := range closed {
		attemptsTotal.WithLabelValues(string(model.AttemptCancelled)).Inc()
		e.publish(events.AttemptEvent{Attempt: a, Time: e.now()})
		e.appendAudit(ctx, audit.Record{Timestamp: e.now(), Kind: audit.KindAttempt, JobID: jobID, AgentID: agentID,
			AttemptID: a.ID, Status: string(model.AttemptCancelled), Detail: map[string]any{"event": string(why)}})
	}
	e.logger.Infow("assignment released", map[string]any{"job_id": jobID, "agent_id": agentID, "reason": reason, "by": string(why)})

	job, err = e.getJob(ctx, jobID)
	if err != nil {
		return AssignmentResult{Success: true}, err
	}
	res, err := e.startRun(ctx, job)
	return AssignmentResult{Success: true, Redispatch: res}, err
}

// reopen restores acceptances closed by a release that did not go through.
func (e *Engine) reopen(ctx context.Context, closed []model.Attempt) {
	for _, a := range closed {
		if _, err := e.store.TransitionAttempt(ctx, a.ID, model.AttemptCancelled, model.AttemptAccepted, e.now()); err != nil {
			e.logger.Errorf("reopen attempt %s: %v", a.ID, err)
		}
	}
}

// CancelResult is returned to the requester cancelling a job.
type CancelResult struct {
	// HasFees is true when a displacement fee applies. Without an
	// acknowledgement the job is left untouched so the requester can confirm.
	HasFees   bool            `json:"has_fees"`
	FeeAmount *float64        `json:"fee_amount,omitempty"`
	Quote     *model.FeeQuote `json:"quote,omitempty"`
	// InvoiceSent is true when the fee was captured.
	InvoiceSent bool            `json:"invoice_sent"`
	Cancelled   bool            `json:"cancelled"`
	Status      model.JobStatus `json:"status"`
}

// CancelJob is the requester cancellation path. The fee is decided and, when
// acknowledged, captured before returning. A failed capture still completes
// the job and flags it for reconciliation.
func (e *Engine) CancelJob(ctx context.Context, jobID, reason string, acknowledgeFee bool) (CancelResult, error) {
	var (
		prev  model.Job
		quote model.FeeQuote
		fee   bool
	)
	for i := 0; ; i++ {
		job, err := e.getJob(ctx, jobID)
		if err != nil {
			return CancelResult{}, err
		}
		if job.Status.Terminal() {
			return CancelResult{Status: job.Status}, fmt.Errorf("cancel %s: %w", jobID, ErrJobTerminal)
		}
		quote, fee = e.fees.QuoteFor(job, e.livePosition(ctx, job))
		if fee && !acknowledgeFee {
			total := quote.TotalAmount
			return CancelResult{HasFees: true, FeeAmount: &total, Quote: &quote, Status: job.Status}, nil
		}
		e.withdrawPending(ctx, jobID)

		var next model.Job
		if fee {
			price := quote.TotalAmount
			next, err = jobstate.Transition(job, model.JobCompleted, e.now(), jobstate.Options{FinalPrice: &price, Reason: reason})
		} else {
			next, err = jobstate.Transition(job, model.JobCancelled, e.now(), jobstate.Options{Reason: reason})
		}
		if err != nil {
			return CancelResult{}, err
		}
		saved, err := e.store.UpdateJob(ctx, next)
		if errors.Is(err, store.ErrConflict) && i < e.cfg.MaxUpdateRetries {
			// status may have moved; decide again on fresh state
			continue
		}
		if err != nil {
			return CancelResult{}, fmt.Errorf("update job %s: %w", jobID, err)
		}
		e.jobTransitioned(ctx, job, saved)
		prev = job
		break
	}
	// an offer created concurrently with the status write
	e.withdrawPending(ctx, jobID)

	res := CancelResult{Cancelled: true, Status: model.JobCancelled}
	captureFailed := false
	if fee {
		total := quote.TotalAmount
		res.HasFees, res.FeeAmount, res.Quote, res.Status = true, &total, &quote, model.JobCompleted
		if err := e.payments.CaptureHold(ctx, jobID, total); err != nil {
			captureFailed = true
			captureFailures.Inc()
			err = fmt.Errorf("capture %.2f for job %s: %w: %w", total, jobID, ErrPaymentCaptureFailed, err)
			e.logger.Errorf("%v", err)
			monitoring.CaptureException(err, map[string]string{"module": "dispatch_engine", "job_id": jobID})
			if _, uerr := e.updateJob(ctx, jobID, func(j model.Job) (model.Job, error) {
				j.PaymentReconciliation = true
				return j, nil
			}); uerr != nil {
				e.logger.Errorf("flag job %s for reconciliation: %v", jobID, uerr)
			}
		} else {
			res.InvoiceSent = true
		}
		e.notify(ctx, Notification{Kind: NotifyCancellationFee, JobID: jobID, Time: e.now(), Data: map[string]any{
			"total_amount": quote.TotalAmount, "tax_amount": quote.TaxAmount, "reason": quote.Reason, "captured": !captureFailed,
		}})
	}
	if prev.AgentID != "" {
		e.notify(ctx, Notification{Kind: NotifyJobCancelled, JobID: jobID, AgentID: prev.AgentID, Time: e.now(),
			Data: map[string]any{"reason": reason}})
	}

	cancellations.WithLabelValues(fmt.Sprint(fee)).Inc()
	now := e.now()
	ev := events.CancellationEvent{JobID: jobID, PrevStatus: prev.Status, CaptureFailed: captureFailed, Time: now}
	rec := metrics.CancellationRecord{JobID: jobID, PrevStatus: prev.Status, FeeApplied: fee, CaptureFailed: captureFailed, Time: now}
	detail := map[string]any{"from": string(prev.Status), "reason": reason, "fee": fee}
	if fee {
		ev.Fee = &quote
		rec.TotalAmount = quote.TotalAmount
		detail["total_amount"] = quote.TotalAmount
		detail["capture_failed"] = captureFailed
	}
	e.publish(ev)
	if r, ok := e.metrics.(metrics.CancellationRecorder); ok {
		if err := r.RecordCancellation(rec); err != nil {
			e.logger.Errorf("cancellation metrics error: %v", err)
		}
	}
	e.appendAudit(ctx, audit.Record{Timestamp: now, Kind: audit.KindCancellation, JobID: jobID, AgentID: prev.AgentID,
		Status: string(res.Status), Detail: detail})
	e.logger.Infow("job cancelled", detail)
	return res, nil
}

// CancellationFeeQuote previews the fee a cancellation would owe now. It
// returns nil when no fee applies.
func (e *Engine) CancellationFeeQuote(ctx context.Context, jobID string) (*model.FeeQuote, error) {
	job, err := e.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, nil
	}
	q, ok := e.fees.QuoteFor(job, e.livePosition(ctx, job))
	if !ok {
		return nil, nil
	}
	return &q, nil
}

// livePosition returns the current location of the assignee of an en route
// job, or nil when unknown.
func (e *Engine) livePosition(ctx context.Context, job model.Job) *geo.Point {
	if job.Status != model.JobEnRoute || job.AgentID == "" {
		return nil
	}
	a, err := e.store.GetAgent(ctx, job.AgentID)
	if err != nil {
		e.logger.Warnf("live position of agent %s: %v", job.AgentID, err)
		return nil
	}
	return a.Location
}

// withdrawPending cancels the pending attempt of a job, if any.
func (e *Engine) withdrawPending(ctx context.Context, jobID string) {
	p, err := e.store.PendingAttempt(ctx, jobID)
	if err != nil {
		return
	}
	if _, err := e.resolve(ctx, p, model.AttemptCancelled, "cancel"); err != nil {
		return
	}
	e.cancelTimer(ctx, p.ID)
	e.notify(ctx, Notification{Kind: NotifyOfferWithdrawn, JobID: jobID, AgentID: p.AgentID, Time: e.now(),
		Data: map[string]any{"attempt_id": p.ID, "reason": "job_cancelled"}})
}
