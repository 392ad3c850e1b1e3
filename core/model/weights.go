package model

import (
	"errors"
	"time"
)

// Weights is the weight vector applied to the sub-scores.
type Weights struct {
	Proximity float64 `json:"proximity"`
	Skill     float64 `json:"skill"`
	Workload  float64 `json:"workload"`
	Rating    float64 `json:"rating"`
}

// DefaultWeights favours proximity over the other criteria.
func DefaultWeights() Weights {
	return Weights{Proximity: 0.4, Skill: 0.2, Workload: 0.2, Rating: 0.2}
}

// Validate rejects negative weights and an all-zero vector.
func (w Weights) Validate() error {
	if w.Proximity < 0 || w.Skill < 0 || w.Workload < 0 || w.Rating < 0 {
		return errors.New("weights must be non-negative")
	}
	if w.Proximity+w.Skill+w.Workload+w.Rating <= 0 {
		return errors.New("weights sum must be positive")
	}
	return nil
}

// Vector returns the weights in sub-score order.
func (w Weights) Vector() []float64 {
	return []float64{w.Proximity, w.Skill, w.Workload, w.Rating}
}

// DispatchConfig is a versioned weight configuration. A dispatch run reads the
// active version once and uses it for every candidate.
type DispatchConfig struct {
	Version   int       `json:"version"`
	Weights   Weights   `json:"weights"`
	UpdatedBy string    `json:"updated_by,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FeeQuote is the derived displacement fee for a cancellation.
type FeeQuote struct {
	BaseAmount  float64 `json:"base_amount"`
	TaxRate     float64 `json:"tax_rate"`
	TaxAmount   float64 `json:"tax_amount"`
	TotalAmount float64 `json:"total_amount"`
	Reason      string  `json:"triggering_reason"`
}
