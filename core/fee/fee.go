// Package fee decides whether cancelling a job owes a displacement fee and
// computes its amount.
package fee

import (
	"fmt"
	"math"

	"github.com/kilianp07/jobdispatch/core/geo"
	"github.com/kilianp07/jobdispatch/core/model"
)

// Triggering reasons reported on a quote.
const (
	ReasonAgentArrived   = "agent_arrived"
	ReasonWorkInProgress = "work_in_progress"
	ReasonAgentImminent  = "agent_imminent"
)

// Config holds the fee parameters.
type Config struct {
	// ProximityThresholdMinutes is the live ETA at or under which an en route
	// cancellation owes the fee.
	ProximityThresholdMinutes int `json:"proximity_threshold_minutes"`
	// DefaultBasePrice applies when a job carries no displacement price.
	DefaultBasePrice float64 `json:"default_base_price"`
	// IndividualTaxRate and BusinessTaxRate are percentages.
	IndividualTaxRate float64 `json:"individual_tax_rate"`
	BusinessTaxRate   float64 `json:"business_tax_rate"`
}

// SetDefaults fills zero fields. Tax rates are left as configured since zero
// is a meaningful rate.
func (c *Config) SetDefaults() {
	if c.ProximityThresholdMinutes <= 0 {
		c.ProximityThresholdMinutes = 5
	}
	if c.DefaultBasePrice <= 0 {
		c.DefaultBasePrice = 49
	}
}

// Validate rejects out of range rates.
func (c Config) Validate() error {
	for name, r := range map[string]float64{"individual": c.IndividualTaxRate, "business": c.BusinessTaxRate} {
		if r < 0 || r > 100 || math.IsNaN(r) {
			return fmt.Errorf("%s tax rate %v out of range", name, r)
		}
	}
	return nil
}

// DefaultConfig returns the standard fee parameters.
func DefaultConfig() Config {
	return Config{ProximityThresholdMinutes: 5, DefaultBasePrice: 49, IndividualTaxRate: 20, BusinessTaxRate: 0}
}

// Policy evaluates cancellation fees.
type Policy struct {
	cfg Config
	est geo.Estimator
}

// New returns a Policy. The estimator computes the live ETA of en route agents.
func New(cfg Config, est geo.Estimator) Policy {
	cfg.SetDefaults()
	return Policy{cfg: cfg, est: est}
}

// Config returns the effective parameters.
func (p Policy) Config() Config { return p.cfg }

// Decision is the outcome of Evaluate.
type Decision struct {
	Applies bool
	Reason  string
	// LiveETAMinutes is set when an en route ETA was computed.
	LiveETAMinutes *int
}

// Evaluate applies the status rule. live is the agent's current position; it
// is only consulted for en route jobs, and a missing or invalid position means
// no fee.
func (p Policy) Evaluate(job model.Job, live *geo.Point) Decision {
	switch job.Status {
	case model.JobArrived:
		return Decision{Applies: true, Reason: ReasonAgentArrived}
	case model.JobInProgress:
		return Decision{Applies: true, Reason: ReasonWorkInProgress}
	case model.JobEnRoute:
		if live == nil || job.Location == nil {
			return Decision{}
		}
		eta, _, err := p.est.ETABetween(*live, *job.Location)
		if err != nil {
			return Decision{}
		}
		d := Decision{LiveETAMinutes: &eta}
		if eta <= p.cfg.ProximityThresholdMinutes {
			d.Applies = true
			d.Reason = ReasonAgentImminent
		}
		return d
	}
	return Decision{}
}

// Quote computes the fee amounts for job with the given triggering reason.
func (p Policy) Quote(job model.Job, reason string) model.FeeQuote {
	base := job.DisplacementPrice
	if base <= 0 {
		base = p.cfg.DefaultBasePrice
	}
	rate := p.taxRate(job.AccountType)
	tax := Round2(base * rate / 100)
	return model.FeeQuote{
		BaseAmount:  base,
		TaxRate:     rate,
		TaxAmount:   tax,
		TotalAmount: Round2(base + tax),
		Reason:      reason,
	}
}

// QuoteFor evaluates and quotes in one step. ok is false when no fee applies.
func (p Policy) QuoteFor(job model.Job, live *geo.Point) (model.FeeQuote, bool) {
	d := p.Evaluate(job, live)
	if !d.Applies {
		return model.FeeQuote{}, false
	}
	return p.Quote(job, d.Reason), true
}

func (p Policy) taxRate(t model.AccountType) float64 {
	if t == model.AccountBusiness {
		return p.cfg.BusinessTaxRate
	}
	return p.cfg.IndividualTaxRate
}

// Round2 rounds half away from zero to two decimals.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
