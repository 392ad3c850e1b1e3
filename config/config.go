package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/kilianp07/jobdispatch/core/dispatch"
	"github.com/kilianp07/jobdispatch/core/fee"
	"github.com/kilianp07/jobdispatch/core/metrics"
	"github.com/kilianp07/jobdispatch/infra/geocode"
	"github.com/kilianp07/jobdispatch/infra/mqtt"
	"github.com/kilianp07/jobdispatch/infra/payment"
)

type Config struct {
	Log      LogConfig       `json:"log"`
	Dispatch dispatch.Config `json:"dispatch"`
	Geo      GeoConfig       `json:"geo"`
	Fee      fee.Config      `json:"fee"`
	Store    StoreConfig     `json:"store"`
	Timeouts TimeoutsConfig  `json:"timeouts"`
	MQTT     mqtt.Config     `json:"mqtt"`
	Metrics  metrics.Config  `json:"metrics"`
	Audit    AuditConfig     `json:"audit"`
	Sentry   SentryConfig    `json:"sentry"`
	Payment  payment.Config  `json:"payment"`
	Geocoder geocode.Config  `json:"geocoder"`
	HTTP     HTTPConfig      `json:"http"`
}

// Default returns a configuration that runs everything in process.
func Default() *Config {
	cfg := &Config{Fee: fee.DefaultConfig()}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults applies the defaults of every section.
func (c *Config) SetDefaults() {
	c.Log.SetDefaults()
	c.Dispatch.SetDefaults()
	c.Geo.SetDefaults()
	c.Fee.SetDefaults()
	c.Store.SetDefaults()
	c.Timeouts.SetDefaults()
	c.MQTT.Topics.SetDefaults()
	c.Audit.SetDefaults()
	c.HTTP.SetDefaults()
	if c.Payment.BaseURL != "" {
		c.Payment.SetDefaults()
	}
	if c.Geocoder.BaseURL != "" {
		c.Geocoder.SetDefaults()
	}
	if c.Sentry.DSN != "" {
		c.Sentry.SetDefaults()
	}
}

type section struct {
	name     string
	validate func() error
}

// Validate checks every section. Optional collaborators are only validated
// when configured.
func (c *Config) Validate() error {
	sections := []section{
		{"log", c.Log.Validate},
		{"dispatch", c.Dispatch.Validate},
		{"fee", c.Fee.Validate},
		{"store", c.Store.Validate},
		{"timeouts", c.Timeouts.Validate},
		{"audit", c.Audit.Validate},
	}
	if c.MQTT.Broker != "" {
		sections = append(sections, section{"mqtt", c.MQTT.Validate})
	}
	if c.Payment.BaseURL != "" {
		sections = append(sections, section{"payment", c.Payment.Validate})
	}
	if c.Geocoder.BaseURL != "" {
		sections = append(sections, section{"geocoder", c.Geocoder.Validate})
	}
	if c.Sentry.DSN != "" {
		sections = append(sections, section{"sentry", c.Sentry.Validate})
	}
	for _, s := range sections {
		if err := s.validate(); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}

// Load reads a YAML or JSON file, applies K_ environment overrides
// (K_DISPATCH__OFFER_TIMEOUT=2m sets dispatch.offer_timeout), then defaults
// and validation.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	ext := strings.ToLower(filepath.Ext(path))
	var parser koanf.Parser
	switch ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, err
	}
	// Optional environment overrides
	if err := k.Load(env.Provider("K_", "__", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), "k_")
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	cfg := Config{Fee: fee.DefaultConfig()}
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
