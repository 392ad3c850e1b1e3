package dispatch

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/jobdispatch/core/jobstate"
	"github.com/kilianp07/jobdispatch/core/model"
	"github.com/kilianp07/jobdispatch/core/monitoring"
)

// assigned dispatches j1 and lets a1 accept it.
func (h *harness) assigned() {
	h.t.Helper()
	h.job("j1")
	_, err := h.engine.Dispatch(h.ctx, "j1")
	require.NoError(h.t, err)
	h.respond("j1", "a1", ActionAccept)
}

func (h *harness) progress(to model.JobStatus) {
	h.t.Helper()
	_, err := h.engine.Progress(h.ctx, "j1", "a1", to)
	require.NoError(h.t, err)
}

func TestCancelBeforeAssignmentHasNoFee(t *testing.T) {
	h := newHarness(t)
	h.job("j1")
	res, err := h.engine.Dispatch(h.ctx, "j1")
	require.NoError(t, err)

	out, err := h.engine.CancelJob(h.ctx, "j1", "changed my mind", false)
	require.NoError(t, err)
	assert.True(t, out.Cancelled)
	assert.False(t, out.HasFees)
	assert.Equal(t, model.JobCancelled, out.Status)

	job := h.getJob("j1")
	assert.Equal(t, model.JobCancelled, job.Status)
	assert.Equal(t, "changed my mind", job.CancellationReason)
	require.NotNil(t, job.CancelledAt)

	a, err := h.store.GetAttempt(h.ctx, res.FirstAttempt.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AttemptCancelled, a.Status)
	assert.Contains(t, h.scheduler.cancelled, a.ID)

	// the withdrawn agent can no longer accept
	_, err = h.engine.Respond(h.ctx, "j1", "a1", ActionAccept, "")
	assert.ErrorIs(t, err, ErrJobTerminal)
	_, err = h.engine.CancelJob(h.ctx, "j1", "", false)
	assert.ErrorIs(t, err, ErrJobTerminal)
}

func TestCancelAssignedNotifiesAgent(t *testing.T) {
	h := newHarness(t)
	h.assigned()

	out, err := h.engine.CancelJob(h.ctx, "j1", "", false)
	require.NoError(t, err)
	assert.False(t, out.HasFees)
	assert.Equal(t, model.JobCancelled, h.getJob("j1").Status)

	h.flush()
	assert.Contains(t, h.notifier.kinds("a1"), NotifyJobCancelled)
}

func TestCancelArrivedRequiresAcknowledgement(t *testing.T) {
	h := newHarness(t)
	h.assigned()
	h.progress(model.JobEnRoute)
	h.progress(model.JobArrived)

	preview, err := h.engine.CancelJob(h.ctx, "j1", "", false)
	require.NoError(t, err)
	assert.True(t, preview.HasFees)
	assert.False(t, preview.Cancelled)
	require.NotNil(t, preview.FeeAmount)
	assert.InDelta(t, 58.80, *preview.FeeAmount, 1e-9)
	assert.Equal(t, model.JobArrived, h.getJob("j1").Status)

	out, err := h.engine.CancelJob(h.ctx, "j1", "no longer needed", true)
	require.NoError(t, err)
	assert.True(t, out.Cancelled)
	assert.True(t, out.InvoiceSent)
	assert.Equal(t, model.JobCompleted, out.Status)
	require.NotNil(t, out.Quote)
	assert.Equal(t, "agent_arrived", out.Quote.Reason)
	assert.InDelta(t, 9.80, out.Quote.TaxAmount, 1e-9)

	job := h.getJob("j1")
	assert.Equal(t, model.JobCompleted, job.Status)
	require.NotNil(t, job.FinalPrice)
	assert.InDelta(t, 58.80, *job.FinalPrice, 1e-9)
	assert.False(t, job.PaymentReconciliation)
	assert.InDelta(t, 58.80, h.payments.captured["j1"], 1e-9)
}

func TestCancelBusinessAccountHasNoTax(t *testing.T) {
	h := newHarness(t)
	loc := jobPoint
	require.NoError(t, h.store.CreateJob(h.ctx, model.Job{ID: "j1", Status: model.JobNew, RequiredSkill: "plumbing",
		Location: &loc, AccountType: model.AccountBusiness, DisplacementPrice: 60, CreatedAt: h.clock.Now()}))
	_, err := h.engine.Dispatch(h.ctx, "j1")
	require.NoError(t, err)
	h.respond("j1", "a1", ActionAccept)
	h.progress(model.JobEnRoute)
	h.progress(model.JobArrived)
	h.progress(model.JobInProgress)

	q, err := h.engine.CancellationFeeQuote(h.ctx, "j1")
	require.NoError(t, err)
	require.NotNil(t, q)
	assert.Equal(t, "work_in_progress", q.Reason)
	assert.InDelta(t, 60.0, q.TotalAmount, 1e-9)
	assert.Zero(t, q.TaxAmount)
}

func TestCancelEnRouteUsesLiveETA(t *testing.T) {
	cases := []struct {
		name  string
		km    float64
		fee   bool
		state model.JobStatus
	}{
		{name: "six minutes away", km: 3, fee: false, state: model.JobCancelled},
		{name: "four minutes away", km: 2, fee: true, state: model.JobCompleted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.assigned()
			h.progress(model.JobEnRoute)
			h.agent(model.Agent{ID: "a1", Location: north(tc.km), Skills: []string{"plumbing"}, Active: true, Approved: true})

			q, err := h.engine.CancellationFeeQuote(h.ctx, "j1")
			require.NoError(t, err)
			assert.Equal(t, tc.fee, q != nil)

			out, err := h.engine.CancelJob(h.ctx, "j1", "", true)
			require.NoError(t, err)
			assert.Equal(t, tc.fee, out.HasFees)
			assert.Equal(t, tc.state, h.getJob("j1").Status)
		})
	}
}

func TestCaptureFailureFlagsReconciliation(t *testing.T) {
	rec := &monitoring.Recorder{}
	monitoring.Init(rec)
	t.Cleanup(func() { monitoring.Init(monitoring.NopMonitor{}) })

	h := newHarness(t)
	h.payments.err = errors.New("card declined")
	h.assigned()
	h.progress(model.JobEnRoute)
	h.progress(model.JobArrived)

	out, err := h.engine.CancelJob(h.ctx, "j1", "", true)
	require.NoError(t, err)
	assert.True(t, out.Cancelled)
	assert.False(t, out.InvoiceSent)

	job := h.getJob("j1")
	assert.Equal(t, model.JobCompleted, job.Status)
	assert.True(t, job.PaymentReconciliation)

	caps := rec.Captures()
	require.Len(t, caps, 1)
	assert.ErrorIs(t, caps[0].Err, ErrPaymentCaptureFailed)
	assert.Equal(t, "j1", caps[0].Tags["job_id"])
}

func TestProgressRecordsDurations(t *testing.T) {
	h := newHarness(t)
	h.assigned()
	start := h.clock.Now()

	h.clock.Advance(2 * time.Minute)
	h.progress(model.JobEnRoute)
	h.clock.Advance(18 * time.Minute)
	h.progress(model.JobArrived)
	h.clock.Advance(5 * time.Minute)
	h.progress(model.JobInProgress)
	h.clock.Advance(45 * time.Minute)
	h.progress(model.JobCompleted)

	job := h.getJob("j1")
	assert.Equal(t, model.JobCompleted, job.Status)
	assert.Equal(t, 20*time.Minute, job.TravelDuration)
	assert.Equal(t, 45*time.Minute, job.WorkDuration)
	require.NotNil(t, job.AcceptedAt)
	assert.Equal(t, start, *job.AcceptedAt)
}

func TestProgressMeasuresTravelFromCurrentAssignment(t *testing.T) {
	h := newHarness(t)
	h.assigned()
	firstAccept := h.clock.Now()

	h.clock.Advance(10 * time.Minute)
	_, err := h.engine.CancelAssignment(h.ctx, "j1", "a1", "")
	require.NoError(t, err)
	h.respond("j1", "a2", ActionAccept)
	h.clock.Advance(15 * time.Minute)
	_, err = h.engine.Progress(h.ctx, "j1", "a2", model.JobEnRoute)
	require.NoError(t, err)
	_, err = h.engine.Progress(h.ctx, "j1", "a2", model.JobArrived)
	require.NoError(t, err)

	job := h.getJob("j1")
	assert.Equal(t, 15*time.Minute, job.TravelDuration)
	assert.Equal(t, firstAccept, *job.AcceptedAt)
}

func TestProgressRejectsOtherAgentsAndStatuses(t *testing.T) {
	h := newHarness(t)
	h.assigned()

	_, err := h.engine.Progress(h.ctx, "j1", "a2", model.JobEnRoute)
	assert.ErrorIs(t, err, ErrNotAssigned)
	_, err = h.engine.Progress(h.ctx, "j1", "a1", model.JobDispatching)
	assert.Error(t, err)
	_, err = h.engine.Progress(h.ctx, "j1", "a1", model.JobInProgress)
	assert.Error(t, err, "in_progress before arrival")
}

func TestProgressCannotSkipFieldSteps(t *testing.T) {
	h := newHarness(t)
	h.assigned()

	_, err := h.engine.Progress(h.ctx, "j1", "a1", model.JobCompleted)
	assert.ErrorIs(t, err, jobstate.ErrInvalidTransition, "assigned -> completed")
	_, err = h.engine.Progress(h.ctx, "j1", "a1", model.JobArrived)
	assert.ErrorIs(t, err, jobstate.ErrInvalidTransition, "assigned -> arrived")

	h.progress(model.JobEnRoute)
	_, err = h.engine.Progress(h.ctx, "j1", "a1", model.JobCompleted)
	assert.ErrorIs(t, err, jobstate.ErrInvalidTransition, "en_route -> completed")

	h.progress(model.JobArrived)
	_, err = h.engine.Progress(h.ctx, "j1", "a1", model.JobCompleted)
	assert.ErrorIs(t, err, jobstate.ErrInvalidTransition, "arrived -> completed")
	_, err = h.engine.Progress(h.ctx, "j1", "a1", model.JobArrived)
	assert.ErrorIs(t, err, jobstate.ErrInvalidTransition, "arrived twice")
	assert.Equal(t, model.JobArrived, h.getJob("j1").Status)

	h.progress(model.JobInProgress)
	h.progress(model.JobCompleted)
	job := h.getJob("j1")
	assert.Equal(t, model.JobCompleted, job.Status)
	assert.Nil(t, job.FinalPrice)
}

func TestCancelAssignmentClosesAcceptedAttemptFirst(t *testing.T) {
	h := newHarness(t)
	h.assigned()
	first := h.attempts("j1")[0]

	res, err := h.engine.CancelAssignment(h.ctx, "j1", "a1", "flat tyre")
	require.NoError(t, err)
	assert.Equal(t, "a2", res.Redispatch.FirstAttempt.AgentID)

	closed, err := h.store.GetAttempt(h.ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AttemptCancelled, closed.Status)
	h.respond("j1", "a2", ActionAccept)
	assert.Equal(t, 1, countStatus(h.attempts("j1"), model.AttemptAccepted))
	assert.Equal(t, "a2", h.getJob("j1").AgentID)
}

func TestFailedReleaseKeepsAcceptance(t *testing.T) {
	h := newHarness(t)
	h.assigned()
	h.progress(model.JobEnRoute)
	h.progress(model.JobArrived)

	_, err := h.engine.CancelAssignment(h.ctx, "j1", "a1", "")
	assert.ErrorIs(t, err, ErrNotAssigned)
	assert.Equal(t, 1, countStatus(h.attempts("j1"), model.AttemptAccepted))
	_, err = h.engine.Progress(h.ctx, "j1", "a1", model.JobInProgress)
	require.NoError(t, err)
}
