package model

import "github.com/kilianp07/jobdispatch/core/geo"

// Agent is a field worker snapshot as read from the agent profile subsystem.
// The dispatch engine never writes agents.
type Agent struct {
	ID       string     `json:"id"`
	Location *geo.Point `json:"location,omitempty"`
	Skills   []string   `json:"skills"`
	Active   bool       `json:"active"`
	Approved bool       `json:"approved"`
	// ActiveJobs is the number of jobs currently assigned to the agent.
	ActiveJobs int `json:"active_jobs"`
	// Rating is the rolling average rating on a 1-5 scale, nil when the agent
	// has not been rated yet.
	Rating *float64 `json:"rating,omitempty"`
}

// HasSkill reports whether the agent holds the given skill.
func (a Agent) HasSkill(skill string) bool {
	for _, s := range a.Skills {
		if s == skill {
			return true
		}
	}
	return false
}

// Dispatchable reports whether the agent may receive offers at all.
func (a Agent) Dispatchable() bool {
	return a.Active && a.Approved && a.Location != nil
}
