package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kilianp07/jobdispatch/core/model"
)

func ptr(v float64) *float64 { return &v }

func TestScore_Breakdown(t *testing.T) {
	s := New(model.DefaultWeights(), 20)
	a := model.Agent{ID: "a1", Skills: []string{"plumbing"}, ActiveJobs: 0, Rating: ptr(5)}
	score, b := s.Score(a, "plumbing", 2)
	assert.InDelta(t, 0.9, b.Proximity, 1e-9)
	assert.Equal(t, 1.0, b.Skill)
	assert.Equal(t, 1.0, b.Workload)
	assert.Equal(t, 1.0, b.Rating)
	assert.InDelta(t, 0.96, score, 1e-9)
}

func TestScore_Normalization(t *testing.T) {
	s := New(model.DefaultWeights(), 0)
	a := model.Agent{ID: "a1", Skills: []string{"electric"}, ActiveJobs: 3}
	_, b := s.Score(a, "plumbing", 45)
	assert.Equal(t, 0.0, b.Proximity, "beyond max radius")
	assert.Equal(t, 0.0, b.Skill)
	assert.InDelta(t, 0.25, b.Workload, 1e-9)
	assert.Equal(t, 0.5, b.Rating, "absent rating is neutral")

	a.Rating = ptr(1)
	_, b = s.Score(a, "plumbing", 0)
	assert.Equal(t, 1.0, b.Proximity)
	assert.Equal(t, 0.0, b.Rating)
	a.Rating = ptr(9)
	_, b = s.Score(a, "plumbing", 0)
	assert.Equal(t, 1.0, b.Rating)
}

func TestScore_Deterministic(t *testing.T) {
	s := New(model.Weights{Proximity: 0.5, Skill: 0.1, Workload: 0.3, Rating: 0.1}, 15)
	a := model.Agent{ID: "a1", Skills: []string{"x"}, ActiveJobs: 2, Rating: ptr(3.7)}
	first, _ := s.Score(a, "x", 4.2)
	for i := 0; i < 100; i++ {
		got, _ := s.Score(a, "x", 4.2)
		if got != first {
			t.Fatalf("score changed between calls: %v vs %v", first, got)
		}
	}
}

func TestRank_Ordering(t *testing.T) {
	s := New(model.Weights{Skill: 1}, 20)
	agents := map[string]model.Agent{
		"b": {ID: "b", Skills: []string{"x"}},
		"a": {ID: "a", Skills: []string{"x"}},
		"c": {ID: "c", Skills: []string{"x"}},
		"d": {ID: "d", Skills: []string{"y"}},
	}
	cands := []model.Candidate{
		{AgentID: "d", DistanceKm: 0.1},
		{AgentID: "b", DistanceKm: 1},
		{AgentID: "c", DistanceKm: 3},
		{AgentID: "a", DistanceKm: 1},
		{AgentID: "ghost", DistanceKm: 0},
	}
	got := s.Rank("x", agents, cands)
	ids := make([]string, len(got))
	for i, c := range got {
		ids[i] = c.AgentID
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, ids)
	for i := 1; i < len(got); i++ {
		assert.False(t, Less(got[i], got[i-1]), "queue must be strictly ordered")
	}
}

func TestRank_HigherScoreFirst(t *testing.T) {
	s := New(model.DefaultWeights(), 20)
	agents := map[string]model.Agent{
		"near": {ID: "near", Skills: []string{"x"}, ActiveJobs: 4},
		"idle": {ID: "idle", Skills: []string{"x"}, ActiveJobs: 0, Rating: ptr(5)},
	}
	got := s.Rank("x", agents, []model.Candidate{
		{AgentID: "near", DistanceKm: 1},
		{AgentID: "idle", DistanceKm: 6},
	})
	assert.Equal(t, "idle", got[0].AgentID)
	assert.Greater(t, got[0].Score, got[1].Score)
}
