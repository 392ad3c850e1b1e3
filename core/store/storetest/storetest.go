// Package storetest holds behaviour tests shared by every store backend.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kilianp07/jobdispatch/core/model"
	"github.com/kilianp07/jobdispatch/core/store"
)

// Backend is a Store that can be seeded with agents.
type Backend interface {
	store.Store
	store.AgentWriter
}

// Run exercises the conditional update discipline of a backend. newStore must
// return an empty store on each call.
func Run(t *testing.T, newStore func(t *testing.T) Backend) {
	t.Run("JobVersioning", func(t *testing.T) { testJobVersioning(t, newStore(t)) })
	t.Run("AttemptLifecycle", func(t *testing.T) { testAttemptLifecycle(t, newStore(t)) })
	t.Run("ConcurrentTransition", func(t *testing.T) { testConcurrentTransition(t, newStore(t)) })
	t.Run("SingleAccepted", func(t *testing.T) { testSingleAccepted(t, newStore(t)) })
	t.Run("Exclusions", func(t *testing.T) { testExclusions(t, newStore(t)) })
	t.Run("AgentsQueuesWeights", func(t *testing.T) { testAgentsQueuesWeights(t, newStore(t)) })
}

func testJobVersioning(t *testing.T, s Backend) {
	ctx := context.Background()
	loc := model.Job{ID: "j1", Status: model.JobNew, RequiredSkill: "plumbing", CreatedAt: time.Now().UTC()}
	if err := s.CreateJob(ctx, loc); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateJob(ctx, loc); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("duplicate create: expected ErrConflict got %v", err)
	}
	j, err := s.GetJob(ctx, "j1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	stale := j
	j.Status = model.JobDispatching
	updated, err := s.UpdateJob(ctx, j)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != j.Version+1 {
		t.Fatalf("expected version %d got %d", j.Version+1, updated.Version)
	}
	stale.Status = model.JobCancelled
	if _, err := s.UpdateJob(ctx, stale); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("stale update: expected ErrConflict got %v", err)
	}
	if _, err := s.GetJob(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}
	list, err := s.ListJobs(ctx, model.JobDispatching)
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %v %v", list, err)
	}
}

func attempt(id, job, agent string, order int) model.Attempt {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return model.Attempt{ID: id, JobID: job, AgentID: agent, Order: order, Run: 1,
		Status: model.AttemptPending, NotifiedAt: now, TimeoutAt: now.Add(5 * time.Minute)}
}

func testAttemptLifecycle(t *testing.T, s Backend) {
	ctx := context.Background()
	if err := s.CreateAttempt(ctx, attempt("a1", "j1", "ag1", 1)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateAttempt(ctx, attempt("a2", "j1", "ag2", 2)); !errors.Is(err, store.ErrPendingExists) {
		t.Fatalf("expected ErrPendingExists got %v", err)
	}
	p, err := s.PendingAttempt(ctx, "j1")
	if err != nil || p.ID != "a1" {
		t.Fatalf("pending: %v %v", p, err)
	}
	now := time.Now().UTC()
	got, err := s.TransitionAttempt(ctx, "a1", model.AttemptPending, model.AttemptRejected, now)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if got.Status != model.AttemptRejected || got.RespondedAt == nil {
		t.Fatalf("unexpected attempt %+v", got)
	}
	if _, err := s.TransitionAttempt(ctx, "a1", model.AttemptPending, model.AttemptTimeout, now); !errors.Is(err, store.ErrNotPending) {
		t.Fatalf("expected ErrNotPending got %v", err)
	}
	if _, err := s.PendingAttempt(ctx, "j1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no pending attempt, got %v", err)
	}
	if err := s.CreateAttempt(ctx, attempt("a2", "j1", "ag2", 1)); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("duplicate order: expected ErrConflict got %v", err)
	}
	if err := s.CreateAttempt(ctx, attempt("a2", "j1", "ag2", 2)); err != nil {
		t.Fatalf("create second: %v", err)
	}
	list, err := s.ListAttempts(ctx, "j1")
	if err != nil || len(list) != 2 || list[0].Order != 1 || list[1].Order != 2 {
		t.Fatalf("list: %+v %v", list, err)
	}
	pending, err := s.ListPendingAttempts(ctx)
	if err != nil || len(pending) != 1 || pending[0].ID != "a2" {
		t.Fatalf("list pending: %+v %v", pending, err)
	}
}

func testConcurrentTransition(t *testing.T, s Backend) {
	ctx := context.Background()
	if err := s.CreateAttempt(ctx, attempt("a1", "j1", "ag1", 1)); err != nil {
		t.Fatalf("create: %v", err)
	}
	targets := []model.AttemptStatus{model.AttemptAccepted, model.AttemptRejected, model.AttemptTimeout, model.AttemptCancelled}
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(to model.AttemptStatus) {
			defer wg.Done()
			_, err := s.TransitionAttempt(ctx, "a1", model.AttemptPending, to, time.Now())
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, store.ErrNotPending) {
				t.Errorf("unexpected error %v", err)
			}
		}(targets[i%len(targets)])
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func testSingleAccepted(t *testing.T, s Backend) {
	ctx := context.Background()
	now := time.Now().UTC()
	if err := s.CreateAttempt(ctx, attempt("a1", "j1", "ag1", 1)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.TransitionAttempt(ctx, "a1", model.AttemptPending, model.AttemptAccepted, now); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateAttempt(ctx, attempt("a2", "j1", "ag2", 2)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.TransitionAttempt(ctx, "a2", model.AttemptPending, model.AttemptAccepted, now); err == nil {
		t.Fatal("second accepted attempt must be refused")
	}
	if _, err := s.TransitionAttempt(ctx, "a1", model.AttemptAccepted, model.AttemptCancelled, now); err != nil {
		t.Fatalf("cancel accepted: %v", err)
	}
	if _, err := s.TransitionAttempt(ctx, "a2", model.AttemptPending, model.AttemptAccepted, now); err != nil {
		t.Fatalf("accept after cancel: %v", err)
	}
}

func testExclusions(t *testing.T, s Backend) {
	ctx := context.Background()
	now := time.Now().UTC()
	e := model.Exclusion{JobID: "j1", AgentID: "ag1", Reason: model.ExclusionDeclined, CreatedAt: now}
	if err := s.AddExclusion(ctx, e); err != nil {
		t.Fatal(err)
	}
	e.Reason = model.ExclusionCancelledBy
	if err := s.AddExclusion(ctx, e); err != nil {
		t.Fatalf("idempotent add: %v", err)
	}
	list, err := s.ListExclusions(ctx, "j1")
	if err != nil || len(list) != 1 || list[0].Reason != model.ExclusionDeclined {
		t.Fatalf("list: %+v %v", list, err)
	}
	if other, _ := s.ListExclusions(ctx, "j2"); len(other) != 0 {
		t.Fatalf("exclusions leak across jobs: %+v", other)
	}
}

func testAgentsQueuesWeights(t *testing.T, s Backend) {
	ctx := context.Background()
	r := 4.5
	if err := s.UpsertAgent(ctx, model.Agent{ID: "ag1", Skills: []string{"plumbing", "heating"}, Active: true, Approved: true, Rating: &r}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertAgent(ctx, model.Agent{ID: "ag2", Skills: []string{"electric"}, Active: true}); err != nil {
		t.Fatal(err)
	}
	agents, err := s.ListAgents(ctx, "plumbing")
	if err != nil || len(agents) != 1 || agents[0].ID != "ag1" {
		t.Fatalf("list agents: %+v %v", agents, err)
	}
	if all, _ := s.ListAgents(ctx, ""); len(all) != 2 {
		t.Fatalf("expected 2 agents got %d", len(all))
	}
	a, err := s.GetAgent(ctx, "ag1")
	if err != nil || a.Rating == nil || *a.Rating != 4.5 {
		t.Fatalf("get agent: %+v %v", a, err)
	}

	q := model.Queue{JobID: "j1", Run: 1, WeightsVersion: 1, CreatedAt: time.Now().UTC(),
		Candidates: []model.Candidate{{AgentID: "ag1", DistanceKm: 1.5, ETAMinutes: 9, Score: 0.8}}}
	if err := s.SaveQueue(ctx, q); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveQueue(ctx, q); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("resave run: expected ErrConflict got %v", err)
	}
	q.Run = 2
	q.Candidates = nil
	if err := s.SaveQueue(ctx, q); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetQueue(ctx, "j1")
	if err != nil || got.Run != 2 || len(got.Candidates) != 0 {
		t.Fatalf("get queue: %+v %v", got, err)
	}

	if _, err := s.ActiveWeights(ctx); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}
	if _, err := s.PutWeights(ctx, model.DefaultWeights(), "init", time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	cfg, err := s.PutWeights(ctx, model.Weights{Proximity: 1}, "ops", time.Now().UTC())
	if err != nil || cfg.Version != 2 {
		t.Fatalf("put weights: %+v %v", cfg, err)
	}
	active, err := s.ActiveWeights(ctx)
	if err != nil || active.Version != 2 || active.Weights.Proximity != 1 {
		t.Fatalf("active weights: %+v %v", active, err)
	}
	hist, _ := s.WeightsHistory(ctx)
	if len(hist) != 2 {
		t.Fatalf("expected 2 versions got %d", len(hist))
	}
}
