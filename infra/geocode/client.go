// Package geocode resolves postal addresses through a Nominatim compatible
// search API.
package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kilianp07/jobdispatch/core/dispatch"
	"github.com/kilianp07/jobdispatch/core/geo"
	"github.com/kilianp07/jobdispatch/core/logger"
)

// Config holds geocoder settings.
type Config struct {
	BaseURL   string        `json:"base_url"`
	UserAgent string        `json:"user_agent"`
	Timeout   time.Duration `json:"timeout"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.UserAgent == "" {
		c.UserAgent = "jobdispatch/1.0"
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
}

// Validate checks required fields.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("geocoder base_url is required")
	}
	return nil
}

type place struct {
	Lat string `json:"lat"`
	Lon string `json:"lon"`
}

// Client implements dispatch.Geocoder. Every failure wraps
// dispatch.ErrGeocodeUnavailable.
type Client struct {
	cfg    Config
	http   *http.Client
	logger logger.Logger
}

func NewClient(cfg Config, log logger.Logger) (*Client, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}, logger: logger.OrNop(log)}, nil
}

// Geocode returns the best match for address.
func (c *Client) Geocode(ctx context.Context, address string) (geo.Point, error) {
	if strings.TrimSpace(address) == "" {
		return geo.Point{}, fmt.Errorf("empty address: %w", dispatch.ErrGeocodeUnavailable)
	}
	q := url.Values{"q": {address}, "format": {"json"}, "limit": {"1"}}
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/search?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return geo.Point{}, fmt.Errorf("%w: %w", dispatch.ErrGeocodeUnavailable, err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return geo.Point{}, fmt.Errorf("%w: %w", dispatch.ErrGeocodeUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return geo.Point{}, fmt.Errorf("%w: status %d", dispatch.ErrGeocodeUnavailable, resp.StatusCode)
	}
	var places []place
	if err := json.NewDecoder(resp.Body).Decode(&places); err != nil {
		return geo.Point{}, fmt.Errorf("%w: decode: %w", dispatch.ErrGeocodeUnavailable, err)
	}
	if len(places) == 0 {
		return geo.Point{}, fmt.Errorf("%w: no match for %q", dispatch.ErrGeocodeUnavailable, address)
	}
	pt, err := parsePlace(places[0])
	if err != nil {
		return geo.Point{}, fmt.Errorf("%w: %w", dispatch.ErrGeocodeUnavailable, err)
	}
	c.logger.Debugw("address geocoded", map[string]any{"lat": pt.Lat, "lon": pt.Lon})
	return pt, nil
}

func parsePlace(p place) (geo.Point, error) {
	lat, err := strconv.ParseFloat(p.Lat, 64)
	if err != nil {
		return geo.Point{}, fmt.Errorf("latitude %q: %w", p.Lat, err)
	}
	lon, err := strconv.ParseFloat(p.Lon, 64)
	if err != nil {
		return geo.Point{}, fmt.Errorf("longitude %q: %w", p.Lon, err)
	}
	pt := geo.Point{Lat: lat, Lon: lon}
	return pt, pt.Validate()
}

var _ dispatch.Geocoder = (*Client)(nil)
