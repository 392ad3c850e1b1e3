package config

import (
	"fmt"

	"github.com/kilianp07/jobdispatch/core/geo"
	"github.com/kilianp07/jobdispatch/infra/redis"
)

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Backend is "memory" or "sqlite".
	Backend string `json:"backend"`
	Path    string `json:"path"`
}

func (c *StoreConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "memory"
	}
	if c.Backend == "sqlite" && c.Path == "" {
		c.Path = "jobdispatch.db"
	}
}

func (c StoreConfig) Validate() error {
	if c.Backend != "memory" && c.Backend != "sqlite" {
		return fmt.Errorf("unknown backend %s", c.Backend)
	}
	return nil
}

// TimeoutsConfig selects where offer timeouts are armed.
type TimeoutsConfig struct {
	// Backend is "memory" or "redis".
	Backend string       `json:"backend"`
	Redis   redis.Config `json:"redis"`
}

func (c *TimeoutsConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "memory"
	}
	if c.Backend == "redis" {
		c.Redis.SetDefaults()
	}
}

func (c TimeoutsConfig) Validate() error {
	if c.Backend != "memory" && c.Backend != "redis" {
		return fmt.Errorf("unknown backend %s", c.Backend)
	}
	return nil
}

// GeoConfig tunes the ETA estimator.
type GeoConfig struct {
	DetourFactor    float64 `json:"detour_factor"`
	PrepMinutes     float64 `json:"prep_minutes"`
	AverageSpeedKmh float64 `json:"average_speed_kmh"`
}

// SetDefaults fills the zero fields with the urban defaults. A zero
// preparation time cannot be told apart from an unset one and is replaced.
func (c *GeoConfig) SetDefaults() {
	if c.DetourFactor <= 0 {
		c.DetourFactor = geo.DefaultDetourFactor
	}
	if c.PrepMinutes <= 0 {
		c.PrepMinutes = geo.DefaultPrepMinutes
	}
	if c.AverageSpeedKmh <= 0 {
		c.AverageSpeedKmh = geo.DefaultAverageSpeedKmh
	}
}

// Estimator builds the configured estimator.
func (c GeoConfig) Estimator() geo.Estimator {
	return geo.NewEstimator(c.DetourFactor, c.PrepMinutes, c.AverageSpeedKmh)
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr string `json:"addr"`
	// AuditToken protects the audit endpoint when set.
	AuditToken string `json:"audit_token"`
}

func (c *HTTPConfig) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
}
