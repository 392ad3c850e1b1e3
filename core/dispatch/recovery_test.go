package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/jobdispatch/core/dispatch/audit"
	"github.com/kilianp07/jobdispatch/core/model"
)

func TestRecoverTimeouts(t *testing.T) {
	h := newHarness(t)
	h.job("due")
	due, err := h.engine.Dispatch(h.ctx, "due")
	require.NoError(t, err)
	h.clock.Advance(2 * time.Minute)
	h.job("waiting")
	waiting, err := h.engine.Dispatch(h.ctx, "waiting")
	require.NoError(t, err)

	// a job left dispatching without any offer by a crashed process
	loc := jobPoint
	now := h.clock.Now()
	require.NoError(t, h.store.CreateJob(h.ctx, model.Job{ID: "stalled", Status: model.JobDispatching,
		RequiredSkill: "plumbing", Location: &loc, CreatedAt: now, DispatchingAt: &now}))
	// and one waiting for an operator
	require.NoError(t, h.store.CreateJob(h.ctx, model.Job{ID: "manual", Status: model.JobDispatching,
		RequiredSkill: "plumbing", Location: &loc, RequiresManualAssignment: true, CreatedAt: now}))

	h.scheduler.reset()
	h.clock.Advance(4 * time.Minute)

	rep, err := h.engine.RecoverTimeouts(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, RecoveryReport{Rearmed: 1, Expired: 1, Resumed: 1}, rep)

	expired, err := h.store.GetAttempt(h.ctx, due.FirstAttempt.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AttemptTimeout, expired.Status)
	assert.Equal(t, "a2", h.pending("due").AgentID)

	at, ok := h.scheduler.at(waiting.FirstAttempt.ID)
	require.True(t, ok)
	assert.Equal(t, waiting.FirstAttempt.TimeoutAt, at)

	assert.Equal(t, "a1", h.pending("stalled").AgentID)
	assert.Empty(t, h.attempts("manual"))
}

func TestSetWeightsVersionsRuns(t *testing.T) {
	h := newHarness(t)
	aud := &memoryAudit{}
	h.engine.audit = aud

	cfg, err := h.engine.ActiveWeights(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Version)
	assert.Equal(t, model.DefaultWeights(), cfg.Weights)

	_, err = h.engine.SetWeights(h.ctx, model.Weights{Proximity: -1}, "ops")
	assert.Error(t, err)
	_, err = h.engine.SetWeights(h.ctx, model.Weights{}, "ops")
	assert.Error(t, err)

	// distance only: a1 stays first, workload no longer matters
	h.agent(model.Agent{ID: "a1", Location: north(1), Skills: []string{"plumbing"}, Active: true, Approved: true, ActiveJobs: 9})
	cfg, err = h.engine.SetWeights(h.ctx, model.Weights{Proximity: 1}, "ops")
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Version)
	assert.Equal(t, "ops", cfg.UpdatedBy)

	h.job("j1")
	res, err := h.engine.Dispatch(h.ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "a1", res.FirstAttempt.AgentID)
	assert.InDelta(t, 0.95, res.FirstAttempt.Score, 1e-9)
	q, err := h.store.GetQueue(h.ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 1, q.WeightsVersion)

	hist, err := h.engine.WeightsHistory(h.ctx)
	require.NoError(t, err)
	assert.Len(t, hist, 1)

	recs, err := aud.Query(h.ctx, audit.Query{Kind: audit.KindWeightsChanged})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "ops", recs[0].Detail["updated_by"])
}

func TestAuditTrailOfRun(t *testing.T) {
	h := newHarness(t)
	aud := &memoryAudit{}
	h.engine.audit = aud
	h.job("j1")
	_, err := h.engine.Dispatch(h.ctx, "j1")
	require.NoError(t, err)
	h.respond("j1", "a1", ActionReject)

	runs, err := aud.Query(h.ctx, audit.Query{JobID: "j1", Kind: audit.KindDispatchRun})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	attempts, err := aud.Query(h.ctx, audit.Query{JobID: "j1", Kind: audit.KindAttempt})
	require.NoError(t, err)
	// offer a1, rejection a1, offer a2
	assert.Len(t, attempts, 3)
	transitions, err := aud.Query(h.ctx, audit.Query{JobID: "j1", Kind: audit.KindJobTransition})
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	assert.Equal(t, string(model.JobDispatching), transitions[0].Status)
}
