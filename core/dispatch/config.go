package dispatch

import (
	"fmt"
	"time"

	"github.com/kilianp07/jobdispatch/core/eligibility"
	"github.com/kilianp07/jobdispatch/core/model"
	"github.com/kilianp07/jobdispatch/core/scoring"
)

// Config defines dispatch-related settings.
type Config struct {
	// PoolLimit bounds the candidate queue of one run.
	PoolLimit int `json:"pool_limit"`
	// OfferTimeout is how long an agent has to answer an offer.
	OfferTimeout time.Duration `json:"offer_timeout"`
	// MaxRadiusKm is the road distance at which proximity scores zero.
	MaxRadiusKm float64 `json:"max_radius_km"`
	// NotifyTimeout bounds each fire-and-forget notification.
	NotifyTimeout time.Duration `json:"notify_timeout"`
	// MaxUpdateRetries bounds optimistic retries on job version conflicts.
	MaxUpdateRetries int `json:"max_update_retries"`
	// DefaultWeights is used until a weight version has been stored.
	DefaultWeights model.Weights `json:"default_weights"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.PoolLimit <= 0 {
		c.PoolLimit = eligibility.DefaultPoolLimit
	}
	if c.OfferTimeout <= 0 {
		c.OfferTimeout = 5 * time.Minute
	}
	if c.MaxRadiusKm <= 0 {
		c.MaxRadiusKm = scoring.DefaultMaxRadiusKm
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = 10 * time.Second
	}
	if c.MaxUpdateRetries <= 0 {
		c.MaxUpdateRetries = 5
	}
	if c.DefaultWeights == (model.Weights{}) {
		c.DefaultWeights = model.DefaultWeights()
	}
}

// Validate checks the settings after defaults are applied.
func (c Config) Validate() error {
	if err := c.DefaultWeights.Validate(); err != nil {
		return fmt.Errorf("default weights: %w", err)
	}
	if c.OfferTimeout < time.Second {
		return fmt.Errorf("offer timeout %s too short", c.OfferTimeout)
	}
	return nil
}
