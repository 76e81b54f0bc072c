package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// OAuth2Config holds client-credentials settings.
type OAuth2Config struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// OAuth2 obtains bearer tokens with the client-credentials grant and caches
// them until expiry.
type OAuth2 struct {
	device string
	actor  string
	conf   clientcredentials.Config

	mu    sync.Mutex
	token *oauth2.Token
}

// NewOAuth2 validates cfg and creates a provider. No token is fetched until
// the first Token call.
func NewOAuth2(device, actor string, cfg OAuth2Config) (*OAuth2, error) {
	if cfg.TokenURL == "" {
		return nil, errors.New("token URL is required")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, errors.New("client secret is required")
	}
	if device == "" {
		return nil, errors.New("device id is required")
	}

	return &OAuth2{
		device: device,
		actor:  actor,
		conf: clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		},
	}, nil
}

func (p *OAuth2) DeviceID() string { return p.device }

// Actor defaults to the OAuth2 client id when no user was configured.
func (p *OAuth2) Actor() string {
	if p.actor == "" {
		return p.conf.ClientID
	}
	return p.actor
}

// Token returns the cached token while it is valid.
func (p *OAuth2) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token.Valid() {
		return p.token.AccessToken, nil
	}
	return p.fetchLocked(ctx)
}

// Refresh always hits the token endpoint.
func (p *OAuth2) Refresh(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.token = nil
	return p.fetchLocked(ctx)
}

func (p *OAuth2) fetchLocked(ctx context.Context) (string, error) {
	tok, err := p.conf.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoCredential, err)
	}
	p.token = tok
	slog.Debug("access token obtained", "expiry", tok.Expiry)
	return tok.AccessToken, nil
}
