// Package auth provides OIDC authentication and per-client rate
// limiting for the pipeline API.
package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// Provider wraps OIDC token verification.
type Provider struct {
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
	config   *Config
}

// Config holds OIDC provider configuration.
type Config struct {
	// Issuer is the OIDC provider URL (e.g., https://auth.example.com)
	Issuer string

	// ClientID is the OAuth2 client ID
	ClientID string

	// ClientSecret is the OAuth2 client secret (optional for public clients)
	ClientSecret string

	// SkipIssuerCheck disables issuer validation (use only for testing)
	SkipIssuerCheck bool

	// SkipExpiryCheck disables expiry validation (use only for testing)
	SkipExpiryCheck bool
}

// Claims are the identity claims the pipeline service cares about.
type Claims struct {
	Subject   string   `json:"sub"`
	Email     string   `json:"email"`
	Name      string   `json:"name"`
	Expiry    int64    `json:"exp"`
	Audience  []string `json:"-"`
	RawGroups []string `json:"groups,omitempty"`
}

// IsExpired reports whether the token's expiry has passed.
func (c *Claims) IsExpired() bool {
	if c.Expiry == 0 {
		return false
	}
	return time.Now().Unix() >= c.Expiry
}

// NewProvider creates an OIDC provider by fetching the issuer's
// discovery document.
func NewProvider(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client_id is required")
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("create oidc provider: %w", err)
	}

	verifier := provider.Verifier(&oidc.Config{
		ClientID:        cfg.ClientID,
		SkipIssuerCheck: cfg.SkipIssuerCheck,
		SkipExpiryCheck: cfg.SkipExpiryCheck,
	})

	return &Provider{
		provider: provider,
		verifier: verifier,
		config:   cfg,
	}, nil
}

// VerifyToken verifies an ID token and returns its claims.
func (p *Provider) VerifyToken(ctx context.Context, rawToken string) (*Claims, error) {
	rawToken = strings.TrimPrefix(rawToken, "Bearer ")
	rawToken = strings.TrimPrefix(rawToken, "bearer ")

	idToken, err := p.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}

	var claims Claims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("extract claims: %w", err)
	}
	claims.Audience = idToken.Audience
	return &claims, nil
}

// VerifyAccessToken verifies an opaque access token via the userinfo
// endpoint.
func (p *Provider) VerifyAccessToken(ctx context.Context, accessToken string) (*Claims, error) {
	accessToken = strings.TrimPrefix(accessToken, "Bearer ")
	accessToken = strings.TrimPrefix(accessToken, "bearer ")

	userInfo, err := p.provider.UserInfo(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
	}))
	if err != nil {
		return nil, fmt.Errorf("userinfo: %w", err)
	}

	var claims Claims
	if err := userInfo.Claims(&claims); err != nil {
		return nil, fmt.Errorf("extract userinfo claims: %w", err)
	}
	if claims.Subject == "" {
		claims.Subject = userInfo.Subject
	}
	if claims.Email == "" {
		claims.Email = userInfo.Email
	}
	return &claims, nil
}
