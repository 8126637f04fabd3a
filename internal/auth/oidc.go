package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/taskwire-io/taskwire/internal/db"
	"github.com/taskwire-io/taskwire/internal/repositories"
	"github.com/taskwire-io/taskwire/internal/types"
)

const (
	// oidcStateBytes is the length of the random state parameter for CSRF protection.
	oidcStateBytes = 16

	// oidcCodeVerifierBytes is the length of the PKCE code verifier before
	// encoding. RFC 7636 requires a minimum of 32 bytes of entropy.
	oidcCodeVerifierBytes = 32
)

// OIDCConfig is the static OIDC configuration taken from the environment.
// An empty Issuer disables OIDC login entirely.
type OIDCConfig struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
}

// Enabled reports whether OIDC login is configured.
func (c OIDCConfig) Enabled() bool {
	return c.Issuer != ""
}

// OIDCProvider implements OIDCFlowProvider using coreos/go-oidc: the
// Authorization Code flow with PKCE against a single configured identity
// provider. Users are provisioned just-in-time on first login, matched by
// the token's subject claim on subsequent ones.
type OIDCProvider struct {
	cfg     OIDCConfig
	users   repositories.UserRepository
	tokens  repositories.RefreshTokenRepository
	manager *TokenManager

	// Endpoint discovery hits the issuer's well-known document; the result
	// is cached for the process lifetime since the config is static.
	mu         sync.Mutex
	discovered *gooidc.Provider
}

// NewOIDCProvider creates an OIDCProvider with the given dependencies.
func NewOIDCProvider(
	cfg OIDCConfig,
	users repositories.UserRepository,
	tokens repositories.RefreshTokenRepository,
	manager *TokenManager,
) *OIDCProvider {
	return &OIDCProvider{
		cfg:     cfg,
		users:   users,
		tokens:  tokens,
		manager: manager,
	}
}

// Login is not used for OIDC — the flow goes through AuthorizationURL and
// ExchangeCode. This satisfies the Provider interface but always returns an
// error to prevent accidental misuse.
func (p *OIDCProvider) Login(_ context.Context, _ LoginRequest) (*TokenPair, error) {
	return nil, fmt.Errorf("auth: Login is not supported for OIDC, use AuthorizationURL and ExchangeCode")
}

// AuthorizationURL generates the OIDC authorization URL with a random state
// parameter and PKCE code verifier. The caller must store state and
// codeVerifier in short-lived session cookies before redirecting the user.
func (p *OIDCProvider) AuthorizationURL(ctx context.Context) (url, state, codeVerifier string, err error) {
	oauth2Cfg, err := p.oauth2Config(ctx)
	if err != nil {
		return "", "", "", err
	}

	state, err = generateRandomBase64(oidcStateBytes)
	if err != nil {
		return "", "", "", fmt.Errorf("auth: generating OIDC state: %w", err)
	}

	codeVerifier, err = generateRandomBase64(oidcCodeVerifierBytes)
	if err != nil {
		return "", "", "", fmt.Errorf("auth: generating PKCE code verifier: %w", err)
	}

	url = oauth2Cfg.AuthCodeURL(
		state,
		oauth2.AccessTypeOnline,
		oauth2.S256ChallengeOption(codeVerifier),
	)

	return url, state, codeVerifier, nil
}

// ExchangeCode completes the OIDC Authorization Code flow. It verifies the
// state parameter, exchanges the code for tokens, validates the ID token,
// and either retrieves the existing user or provisions a new one.
func (p *OIDCProvider) ExchangeCode(ctx context.Context, req OIDCCallbackRequest) (*TokenPair, error) {
	if req.State == "" || req.State != req.SessionState {
		return nil, ErrOIDCStateMismatch
	}
	if req.CodeVerifier == "" {
		return nil, ErrOIDCCodeVerifierMissing
	}

	oauth2Cfg, err := p.oauth2Config(ctx)
	if err != nil {
		return nil, err
	}

	oauth2Token, err := oauth2Cfg.Exchange(
		ctx,
		req.Code,
		oauth2.VerifierOption(req.CodeVerifier),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: exchanging OIDC code: %w", err)
	}

	rawIDToken, ok := oauth2Token.Extra("id_token").(string)
	if !ok {
		return nil, fmt.Errorf("auth: OIDC token response missing id_token")
	}

	provider, err := p.discover(ctx)
	if err != nil {
		return nil, err
	}

	idToken, err := provider.Verifier(&gooidc.Config{ClientID: p.cfg.ClientID}).Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("auth: verifying OIDC id_token: %w", err)
	}

	var claims struct {
		Sub   string `json:"sub"`
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("auth: extracting OIDC claims: %w", err)
	}

	user, err := p.findOrProvisionUser(ctx, claims.Sub, claims.Email, claims.Name)
	if err != nil {
		return nil, err
	}

	if !user.IsActive {
		return nil, ErrUserDisabled
	}

	return issueTokenPair(ctx, p.tokens, p.manager, user)
}

// Refresh rotates a refresh token — tokens are provider-agnostic once issued.
func (p *OIDCProvider) Refresh(ctx context.Context, rawToken string) (*TokenPair, error) {
	return rotateRefreshToken(ctx, p.users, p.tokens, p.manager, rawToken)
}

// Logout invalidates the given refresh token. No OIDC back-channel logout
// is performed — the session at the identity provider remains active.
func (p *OIDCProvider) Logout(ctx context.Context, rawToken string) error {
	return revokeRefreshToken(ctx, p.tokens, rawToken)
}

// discover returns the issuer's discovered endpoints, caching the result.
func (p *OIDCProvider) discover(ctx context.Context) (*gooidc.Provider, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.discovered != nil {
		return p.discovered, nil
	}
	if !p.cfg.Enabled() {
		return nil, ErrOIDCDisabled
	}

	provider, err := gooidc.NewProvider(ctx, p.cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("auth: discovering OIDC issuer %q: %w", p.cfg.Issuer, err)
	}
	p.discovered = provider
	return provider, nil
}

// oauth2Config builds the oauth2.Config from the static settings and the
// discovered endpoints.
func (p *OIDCProvider) oauth2Config(ctx context.Context) (*oauth2.Config, error) {
	provider, err := p.discover(ctx)
	if err != nil {
		return nil, err
	}

	scopes := p.cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{gooidc.ScopeOpenID, "email", "profile"}
	}

	return &oauth2.Config{
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret,
		RedirectURL:  p.cfg.RedirectURL,
		Endpoint:     provider.Endpoint(),
		Scopes:       scopes,
	}, nil
}

// findOrProvisionUser looks up a user by OIDC subject claim. If no user
// exists, a new account is created with role "user". Email and display name
// updates from the identity provider are applied on every login.
func (p *OIDCProvider) findOrProvisionUser(ctx context.Context, sub, email, displayName string) (*db.User, error) {
	user, err := p.users.GetByOIDCSub(ctx, sub)
	if err != nil && !errors.Is(err, repositories.ErrNotFound) {
		return nil, fmt.Errorf("auth: looking up OIDC user: %w", err)
	}

	if err == nil {
		user.Email = email
		user.DisplayName = displayName
		// Non-fatal: login proceeds with the stale record if the update fails.
		_ = p.users.Update(ctx, user)
		return user, nil
	}

	newUser := &db.User{
		Email:       email,
		DisplayName: displayName,
		Role:        string(types.UserRoleUser),
		IsActive:    true,
		OIDCSub:     sub,
	}
	if err := p.users.Create(ctx, newUser); err != nil {
		return nil, fmt.Errorf("auth: provisioning OIDC user: %w", err)
	}
	return newUser, nil
}

// generateRandomBase64 returns a URL-safe base64-encoded random string of n bytes.
func generateRandomBase64(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

var _ OIDCFlowProvider = (*OIDCProvider)(nil)
