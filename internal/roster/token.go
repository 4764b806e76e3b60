package roster

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Settings keys holding the partner credentials.
const (
	SettingClientID     = "poly_lens_client_id"
	SettingClientSecret = "poly_lens_client_secret"
)

// ExpiryMargin is subtracted from the token lifetime before it is reused.
const ExpiryMargin = 300 * time.Second

var ErrNoCredentials = errors.New("partner credentials not configured")

// Credentials resolves the client id and secret at exchange time so edits
// take effect on the next exchange.
type Credentials interface {
	Credentials(ctx context.Context) (clientID, clientSecret string, err error)
}

type SettingsReader interface {
	GetSettings(ctx context.Context) (map[string]string, error)
}

// SettingsCredentials reads the credentials from the settings table and
// falls back to the static values when a key is empty.
type SettingsCredentials struct {
	Settings     SettingsReader
	ClientID     string
	ClientSecret string
}

func (c SettingsCredentials) Credentials(ctx context.Context) (string, string, error) {
	id, secret := c.ClientID, c.ClientSecret
	if c.Settings != nil {
		s, err := c.Settings.GetSettings(ctx)
		if err != nil {
			return "", "", err
		}
		if v := strings.TrimSpace(s[SettingClientID]); v != "" {
			id = v
		}
		if v := s[SettingClientSecret]; v != "" {
			secret = v
		}
	}
	if id == "" || secret == "" {
		return "", "", ErrNoCredentials
	}
	return id, secret, nil
}

// tokenCache runs the client-credentials exchange and keeps the token until
// its expiry minus ExpiryMargin.
type tokenCache struct {
	creds    Credentials
	tokenURL string
	client   *http.Client
	now      func() time.Time

	mu      sync.Mutex
	token   *oauth2.Token
	validTo time.Time
}

func (c *tokenCache) Token(ctx context.Context) (*oauth2.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != nil && c.now().Before(c.validTo) {
		return c.token, nil
	}

	id, secret, err := c.creds.Credentials(ctx)
	if err != nil {
		return nil, err
	}
	cfg := clientcredentials.Config{
		ClientID:     id,
		ClientSecret: secret,
		TokenURL:     c.tokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	if c.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.client)
	}
	tok, err := cfg.Token(ctx)
	if err != nil {
		return nil, err
	}
	c.token = tok
	if tok.Expiry.IsZero() {
		c.validTo = c.now()
	} else {
		c.validTo = c.now().Add(time.Until(tok.Expiry) - ExpiryMargin)
	}
	return tok, nil
}

func (c *tokenCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = nil
	c.validTo = time.Time{}
}
