package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/taskwire-io/taskwire/internal/ratelimit"
	"github.com/taskwire-io/taskwire/internal/repositories"
)

// LocalProvider authenticates users via email/password stored in the
// database. Passwords are hashed with Argon2id and stored as EncryptedString
// (AES-256-GCM at rest). Refresh tokens are stored as SHA-256 hashes so the
// raw token is never persisted. Repeated failures feed the account lockout.
type LocalProvider struct {
	users   repositories.UserRepository
	tokens  repositories.RefreshTokenRepository
	manager *TokenManager
	lockout *ratelimit.Lockout
}

// NewLocalProvider creates a LocalProvider with the given dependencies.
func NewLocalProvider(
	users repositories.UserRepository,
	tokens repositories.RefreshTokenRepository,
	manager *TokenManager,
	lockout *ratelimit.Lockout,
) *LocalProvider {
	return &LocalProvider{
		users:   users,
		tokens:  tokens,
		manager: manager,
		lockout: lockout,
	}
}

// Login validates email/password and returns a token pair on success.
// Failed attempts count toward the per-account lockout; the lockout key is
// the submitted email whether or not an account exists, so the locked
// response cannot be used to probe for registered addresses.
func (p *LocalProvider) Login(ctx context.Context, req LoginRequest) (*TokenPair, error) {
	account := strings.ToLower(strings.TrimSpace(req.Email))
	if p.lockout.Locked(account) {
		return nil, ErrAccountLocked
	}

	user, err := p.users.GetByEmail(ctx, account)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			// Return ErrInvalidCredentials instead of ErrUserNotFound to avoid
			// leaking whether the email address is registered (user enumeration).
			return nil, p.recordFailure(account)
		}
		return nil, fmt.Errorf("auth: fetching user by email: %w", err)
	}

	if !user.IsActive {
		return nil, ErrUserDisabled
	}

	if !VerifyPassword(req.Password, string(user.Password)) {
		return nil, p.recordFailure(account)
	}

	p.lockout.Reset(account)

	now := time.Now().UTC()
	user.LastLoginAt = &now
	// Non-fatal: the login itself succeeded, the stamp is cosmetic.
	_ = p.users.Update(ctx, user)

	return issueTokenPair(ctx, p.tokens, p.manager, user)
}

// recordFailure books one failed attempt and returns the error the caller
// should surface: ErrAccountLocked when this attempt crossed the threshold,
// ErrInvalidCredentials otherwise.
func (p *LocalProvider) recordFailure(account string) error {
	if p.lockout.Fail(account) {
		return ErrAccountLocked
	}
	return ErrInvalidCredentials
}

// Refresh validates a refresh token, rotates it, and issues a new token pair.
func (p *LocalProvider) Refresh(ctx context.Context, rawToken string) (*TokenPair, error) {
	return rotateRefreshToken(ctx, p.users, p.tokens, p.manager, rawToken)
}

// Logout invalidates the given refresh token.
func (p *LocalProvider) Logout(ctx context.Context, rawToken string) error {
	return revokeRefreshToken(ctx, p.tokens, rawToken)
}

var _ Provider = (*LocalProvider)(nil)
