// Package eligibility selects the agents a job may be offered to.
package eligibility

import (
	"context"
	"fmt"
	"sort"

	"github.com/kilianp07/jobdispatch/core/geo"
	"github.com/kilianp07/jobdispatch/core/model"
	"github.com/kilianp07/jobdispatch/core/store"
)

// DefaultPoolLimit bounds the number of candidates returned.
const DefaultPoolLimit = 10

// Filter combines the agent snapshots with the exclusion records of a job.
type Filter struct {
	Agents     store.AgentSource
	Exclusions store.ExclusionStore
	Estimator  geo.Estimator
}

// Result pairs the candidates with the agent snapshots they were derived from,
// so scoring reads the same data the filter saw.
type Result struct {
	Candidates []model.Candidate
	Agents     map[string]model.Agent
}

// Candidates returns the eligible agents for job sorted by ascending road
// distance, then agent id, and truncated to limit. No eligible agent yields an
// empty result, not an error.
func (f Filter) Candidates(ctx context.Context, job model.Job, limit int) (Result, error) {
	if job.Location == nil {
		return Result{}, fmt.Errorf("job %s has no location: %w", job.ID, geo.ErrInvalidCoordinate)
	}
	if limit <= 0 {
		limit = DefaultPoolLimit
	}
	excl, err := f.Exclusions.ListExclusions(ctx, job.ID)
	if err != nil {
		return Result{}, fmt.Errorf("list exclusions: %w", err)
	}
	excluded := make(map[string]struct{}, len(excl))
	for _, e := range excl {
		excluded[e.AgentID] = struct{}{}
	}
	agents, err := f.Agents.ListAgents(ctx, job.RequiredSkill)
	if err != nil {
		return Result{}, fmt.Errorf("list agents: %w", err)
	}

	res := Result{Agents: make(map[string]model.Agent)}
	for _, a := range agents {
		if !a.Dispatchable() || !a.HasSkill(job.RequiredSkill) {
			continue
		}
		if _, ok := excluded[a.ID]; ok {
			continue
		}
		eta, km, err := f.Estimator.ETABetween(*a.Location, *job.Location)
		if err != nil {
			// invalid agent position
			continue
		}
		res.Candidates = append(res.Candidates, model.Candidate{AgentID: a.ID, DistanceKm: km, ETAMinutes: eta})
		res.Agents[a.ID] = a
	}
	sort.Slice(res.Candidates, func(i, j int) bool {
		ci, cj := res.Candidates[i], res.Candidates[j]
		if ci.DistanceKm != cj.DistanceKm {
			return ci.DistanceKm < cj.DistanceKm
		}
		return ci.AgentID < cj.AgentID
	})
	if len(res.Candidates) > limit {
		for _, c := range res.Candidates[limit:] {
			delete(res.Agents, c.AgentID)
		}
		res.Candidates = res.Candidates[:limit]
	}
	return res, nil
}
