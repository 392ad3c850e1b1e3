// Package payment captures monetary holds through the payment service HTTP
// API.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kilianp07/jobdispatch/core/dispatch"
	"github.com/kilianp07/jobdispatch/core/logger"
)

// Config holds the payment service settings.
type Config struct {
	BaseURL     string        `json:"base_url"`
	Currency    string        `json:"currency"`
	Timeout     time.Duration `json:"timeout"`
	Credentials Credentials   `json:"credentials"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.Currency == "" {
		c.Currency = "EUR"
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
}

// Validate checks required fields.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("payment base_url is required")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("payment base_url: %w", err)
	}
	if c.Credentials.TokenURL == "" || c.Credentials.ClientID == "" {
		return errors.New("payment credentials require token_url and client_id")
	}
	return nil
}

type captureRequest struct {
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
}

// Client implements dispatch.PaymentGateway.
type Client struct {
	cfg    Config
	http   *http.Client
	creds  *clientCred
	logger logger.Logger
}

// NewClient builds a client. It does not contact the service.
func NewClient(cfg Config, log logger.Logger) (*Client, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		creds:  newClientCred(cfg.Credentials),
		logger: logger.OrNop(log),
	}, nil
}

// CaptureHold captures amount from the hold placed on the job. The job id is
// sent as idempotency key so that a retried capture is never charged twice.
// A rejected token is refreshed once.
func (c *Client) CaptureHold(ctx context.Context, jobID string, amount float64) error {
	body, err := json.Marshal(captureRequest{AmountCents: int64(math.Round(amount * 100)), Currency: c.cfg.Currency})
	if err != nil {
		return err
	}
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/holds/" + url.PathEscape(jobID) + "/capture"

	for try := 0; try < 2; try++ {
		status, msg, err := c.post(ctx, endpoint, jobID, body)
		if err != nil {
			return fmt.Errorf("%w: %w", dispatch.ErrPaymentCaptureFailed, err)
		}
		switch {
		case status == http.StatusUnauthorized && try == 0:
			c.logger.Warnf("payment token rejected for job %s, refreshing", jobID)
			c.creds.invalidate()
			continue
		case status >= 200 && status < 300:
			c.logger.Infof("captured %.2f %s for job %s", amount, c.cfg.Currency, jobID)
			return nil
		default:
			return fmt.Errorf("%w: status %d: %s", dispatch.ErrPaymentCaptureFailed, status, msg)
		}
	}
	return fmt.Errorf("%w: unauthorized", dispatch.ErrPaymentCaptureFailed)
}

func (c *Client) post(ctx context.Context, endpoint, jobID string, body []byte) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", jobID+":capture")
	if err := c.creds.setAuthHeader(req); err != nil {
		return 0, "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer func() { _ = resp.Body.Close() }()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return resp.StatusCode, strings.TrimSpace(string(msg)), nil
}

var _ dispatch.PaymentGateway = (*Client)(nil)
