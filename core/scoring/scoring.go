// Package scoring computes the weighted composite score of a candidate agent.
package scoring

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/kilianp07/jobdispatch/core/model"
)

// DefaultMaxRadiusKm is the road distance at which proximity reaches zero.
const DefaultMaxRadiusKm = 20.0

const neutralRating = 0.5

// Scorer turns agent snapshots into scores for a fixed weight vector. A Scorer
// is built once per dispatch run so every candidate sees the same weights.
type Scorer struct {
	weights     []float64
	maxRadiusKm float64
}

// New returns a Scorer for the given weights. A non-positive radius falls back
// to DefaultMaxRadiusKm.
func New(w model.Weights, maxRadiusKm float64) Scorer {
	if maxRadiusKm <= 0 {
		maxRadiusKm = DefaultMaxRadiusKm
	}
	return Scorer{weights: w.Vector(), maxRadiusKm: maxRadiusKm}
}

// Breakdown computes the normalized sub-scores.
func (s Scorer) Breakdown(agent model.Agent, requiredSkill string, distanceKm float64) model.ScoreBreakdown {
	b := model.ScoreBreakdown{
		Proximity: clamp01(1 - distanceKm/s.maxRadiusKm),
		Workload:  1 / (1 + float64(max(agent.ActiveJobs, 0))),
		Rating:    neutralRating,
	}
	if agent.HasSkill(requiredSkill) {
		b.Skill = 1
	}
	if agent.Rating != nil && !math.IsNaN(*agent.Rating) {
		b.Rating = clamp01((*agent.Rating - 1) / 4)
	}
	return b
}

// Score returns the composite score and its breakdown.
func (s Scorer) Score(agent model.Agent, requiredSkill string, distanceKm float64) (float64, model.ScoreBreakdown) {
	b := s.Breakdown(agent, requiredSkill, distanceKm)
	return floats.Dot(s.weights, []float64{b.Proximity, b.Skill, b.Workload, b.Rating}), b
}

// Rank scores every candidate and returns them in offer order: descending
// score, then ascending distance, then ascending agent id.
func (s Scorer) Rank(requiredSkill string, agents map[string]model.Agent, candidates []model.Candidate) []model.Candidate {
	out := make([]model.Candidate, 0, len(candidates))
	for _, c := range candidates {
		a, ok := agents[c.AgentID]
		if !ok {
			continue
		}
		c.Score, c.Breakdown = s.Score(a, requiredSkill, c.DistanceKm)
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return Less(out[i], out[j]) })
	return out
}

// Less is the deterministic offer ordering.
func Less(a, b model.Candidate) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.DistanceKm != b.DistanceKm {
		return a.DistanceKm < b.DistanceKm
	}
	return a.AgentID < b.AgentID
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
