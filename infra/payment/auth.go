package payment

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Credentials configures the OAuth2 client credentials grant used to call the
// payment service.
type Credentials struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	TokenURL     string   `json:"token_url"`
	Scopes       []string `json:"scopes"`
}

func (c Credentials) oauth2Config() clientcredentials.Config {
	return clientcredentials.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		TokenURL:     c.TokenURL,
		Scopes:       c.Scopes,
	}
}

// clientCred caches the access token until it expires or the service rejects
// it.
type clientCred struct {
	conf  clientcredentials.Config
	mu    sync.Mutex
	token *oauth2.Token
}

func newClientCred(c Credentials) *clientCred {
	return &clientCred{conf: c.oauth2Config()}
}

func (c *clientCred) current(ctx context.Context) (*oauth2.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != nil && c.token.Valid() {
		return c.token, nil
	}
	tok, err := c.conf.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	c.token = tok
	return tok, nil
}

// setAuthHeader sets the bearer header on r, fetching a token when needed.
func (c *clientCred) setAuthHeader(r *http.Request) error {
	tok, err := c.current(r.Context())
	if err != nil {
		return err
	}
	tok.SetAuthHeader(r)
	return nil
}

// invalidate drops the cached token so the next call fetches a fresh one.
func (c *clientCred) invalidate() {
	c.mu.Lock()
	c.token = nil
	c.mu.Unlock()
}
