package auth

import (
	"context"
)

// Service is the entry point for all user authentication operations.
// It holds both providers and delegates to the appropriate one based on the
// operation requested. The REST API layer depends on Service, never on
// individual providers directly.
type Service struct {
	local   *LocalProvider
	oidc    *OIDCProvider
	manager *TokenManager
}

// NewService creates a Service with the given providers and dependencies.
// The OIDC provider is required even when OIDC is not configured — its flow
// methods return ErrOIDCDisabled at runtime in that case.
func NewService(local *LocalProvider, oidc *OIDCProvider, manager *TokenManager) *Service {
	return &Service{
		local:   local,
		oidc:    oidc,
		manager: manager,
	}
}

// LoginLocal authenticates a user via email and password.
func (s *Service) LoginLocal(ctx context.Context, req LoginRequest) (*TokenPair, error) {
	return s.local.Login(ctx, req)
}

// OIDCEnabled reports whether OIDC login routes should be exposed.
func (s *Service) OIDCEnabled() bool {
	return s.oidc.cfg.Enabled()
}

// AuthorizationURL generates the OIDC authorization URL for the configured
// issuer. Returns the URL to redirect the user to, plus state and
// codeVerifier that the caller must store in short-lived session cookies
// before redirecting.
func (s *Service) AuthorizationURL(ctx context.Context) (url, state, codeVerifier string, err error) {
	return s.oidc.AuthorizationURL(ctx)
}

// ExchangeCode completes the OIDC Authorization Code flow and returns a token pair.
func (s *Service) ExchangeCode(ctx context.Context, req OIDCCallbackRequest) (*TokenPair, error) {
	return s.oidc.ExchangeCode(ctx, req)
}

// Refresh validates and rotates a refresh token issued by either provider.
// Refresh tokens are provider-agnostic once issued, so this delegates to the
// local provider logic shared by both.
func (s *Service) Refresh(ctx context.Context, rawToken string) (*TokenPair, error) {
	return s.local.Refresh(ctx, rawToken)
}

// Logout invalidates the given refresh token.
func (s *Service) Logout(ctx context.Context, rawToken string) error {
	return s.local.Logout(ctx, rawToken)
}

// ValidateAccessToken parses and verifies a user JWT access token.
// Used by the HTTP middleware to authenticate incoming requests.
func (s *Service) ValidateAccessToken(tokenString string) (*Claims, error) {
	return s.manager.ValidateAccessToken(tokenString)
}

// Manager exposes the underlying TokenManager for callers that mint or
// verify agent tokens directly (device enrollment, the agent channel).
func (s *Service) Manager() *TokenManager {
	return s.manager
}
