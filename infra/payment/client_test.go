package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/jobdispatch/core/dispatch"
)

type paymentServer struct {
	*httptest.Server
	tokens   atomic.Int32
	captures atomic.Int32
	reject   atomic.Int32 // number of captures to answer with 401
	status   atomic.Int32

	mu   sync.Mutex
	last captureRequest
	key  string
}

func (ps *paymentServer) received() (captureRequest, string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.last, ps.key
}

func newPaymentServer(t *testing.T) *paymentServer {
	t.Helper()
	ps := &paymentServer{}
	ps.status.Store(http.StatusOK)
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		n := ps.tokens.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"token` + string(rune('0'+n)) + `","token_type":"bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/holds/j1/capture", func(w http.ResponseWriter, r *http.Request) {
		ps.captures.Add(1)
		if ps.reject.Load() > 0 {
			ps.reject.Add(-1)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		ps.mu.Lock()
		ps.key = r.Header.Get("Idempotency-Key")
		_ = json.NewDecoder(r.Body).Decode(&ps.last)
		ps.mu.Unlock()
		w.WriteHeader(int(ps.status.Load()))
		_, _ = w.Write([]byte("insufficient hold"))
	})
	ps.Server = httptest.NewServer(mux)
	t.Cleanup(ps.Close)
	return ps
}

func newTestClient(t *testing.T, ps *paymentServer) *Client {
	t.Helper()
	c, err := NewClient(Config{BaseURL: ps.URL, Credentials: Credentials{
		ClientID: "dispatch", ClientSecret: "secret", TokenURL: ps.URL + "/oauth/token"}}, nil)
	require.NoError(t, err)
	return c
}

func TestCaptureHold(t *testing.T) {
	ps := newPaymentServer(t)
	c := newTestClient(t, ps)

	require.NoError(t, c.CaptureHold(context.Background(), "j1", 58.8))
	last, key := ps.received()
	assert.EqualValues(t, 5880, last.AmountCents)
	assert.Equal(t, "EUR", last.Currency)
	assert.Equal(t, "j1:capture", key)

	// the cached token is reused
	require.NoError(t, c.CaptureHold(context.Background(), "j1", 10))
	assert.EqualValues(t, 1, ps.tokens.Load())
}

func TestCaptureHoldRefreshesRejectedToken(t *testing.T) {
	ps := newPaymentServer(t)
	ps.reject.Store(1)
	c := newTestClient(t, ps)

	require.NoError(t, c.CaptureHold(context.Background(), "j1", 20))
	assert.EqualValues(t, 2, ps.tokens.Load())
	assert.EqualValues(t, 2, ps.captures.Load())
}

func TestCaptureHoldFailures(t *testing.T) {
	ps := newPaymentServer(t)
	ps.status.Store(http.StatusPaymentRequired)
	c := newTestClient(t, ps)

	err := c.CaptureHold(context.Background(), "j1", 20)
	require.ErrorIs(t, err, dispatch.ErrPaymentCaptureFailed)
	assert.Contains(t, err.Error(), "402")

	ps.reject.Store(2)
	err = c.CaptureHold(context.Background(), "j1", 20)
	assert.ErrorIs(t, err, dispatch.ErrPaymentCaptureFailed)

	bad, err := NewClient(Config{BaseURL: ps.URL, Credentials: Credentials{
		ClientID: "dispatch", TokenURL: ps.URL + "/missing"}}, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, bad.CaptureHold(context.Background(), "j1", 20), dispatch.ErrPaymentCaptureFailed)
}

func TestConfigValidate(t *testing.T) {
	var c Config
	c.SetDefaults()
	assert.Error(t, c.Validate())
	c.BaseURL = "https://pay.example.com"
	assert.Error(t, c.Validate())
	c.Credentials = Credentials{ClientID: "id", TokenURL: "https://pay.example.com/token"}
	assert.NoError(t, c.Validate())
}
