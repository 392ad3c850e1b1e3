package config

import (
	"fmt"
	"net/url"
)

// SentryConfig enables error reporting of dispatch failures to Sentry. An
// empty DSN disables it.
type SentryConfig struct {
	DSN string `json:"dsn"`
	// Environment tags every event, "production" by default.
	Environment string `json:"environment"`
	// TracesSampleRate is the share of dispatch runs traced, from 0 to 1.
	TracesSampleRate float64 `json:"traces_sample_rate"`
	Release          string  `json:"release"`
}

func (c *SentryConfig) SetDefaults() {
	if c.Environment == "" {
		c.Environment = "production"
	}
	if c.Release == "" {
		c.Release = "jobdispatch"
	}
}

func (c SentryConfig) Validate() error {
	u, err := url.Parse(c.DSN)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid dsn %q", c.DSN)
	}
	if c.TracesSampleRate < 0 || c.TracesSampleRate > 1 {
		return fmt.Errorf("traces_sample_rate %v out of [0,1]", c.TracesSampleRate)
	}
	return nil
}
