package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/taskwire-io/taskwire/internal/db"
	"github.com/taskwire-io/taskwire/internal/repositories"
)

// refreshTokenDuration defines how long a refresh token remains valid.
const refreshTokenDuration = 7 * 24 * time.Hour

// issueTokenPair generates a new access token and refresh token, persists
// the refresh token hash, and returns both as a TokenPair. Shared by the
// local and OIDC providers — refresh tokens are provider-agnostic once issued.
func issueTokenPair(
	ctx context.Context,
	tokens repositories.RefreshTokenRepository,
	manager *TokenManager,
	user *db.User,
) (*TokenPair, error) {
	accessToken, err := manager.GenerateAccessToken(user.ID.String(), user.Email, user.Role)
	if err != nil {
		return nil, err
	}

	rawRefresh, err := generateRefreshToken()
	if err != nil {
		return nil, fmt.Errorf("auth: generating refresh token: %w", err)
	}

	expiresAt := time.Now().Add(refreshTokenDuration)

	if err := tokens.Create(ctx, &db.RefreshToken{
		UserID:    user.ID,
		TokenHash: hashRefreshToken(rawRefresh),
		ExpiresAt: expiresAt,
	}); err != nil {
		return nil, fmt.Errorf("auth: persisting refresh token: %w", err)
	}

	return &TokenPair{
		AccessToken:           accessToken,
		AccessTokenExpiresAt:  time.Now().Add(accessTokenDuration),
		RefreshToken:          rawRefresh,
		RefreshTokenExpiresAt: expiresAt,
	}, nil
}

// rotateRefreshToken validates a refresh token, rotates it, and issues a new
// token pair. The old token is deleted before the new one is issued — if
// anything below the delete fails the user must log in again, which prevents
// replay even on partial failures.
func rotateRefreshToken(
	ctx context.Context,
	users repositories.UserRepository,
	tokens repositories.RefreshTokenRepository,
	manager *TokenManager,
	rawToken string,
) (*TokenPair, error) {
	tokenHash := hashRefreshToken(rawToken)

	stored, err := tokens.GetByHash(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrRefreshTokenNotFound
		}
		return nil, fmt.Errorf("auth: fetching refresh token: %w", err)
	}

	if err := tokens.DeleteByHash(ctx, tokenHash); err != nil {
		return nil, fmt.Errorf("auth: deleting old refresh token: %w", err)
	}

	if stored.RevokedAt != nil {
		return nil, ErrRefreshTokenNotFound
	}
	if time.Now().After(stored.ExpiresAt) {
		return nil, ErrTokenExpired
	}

	user, err := users.GetByID(ctx, stored.UserID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("auth: fetching user for token refresh: %w", err)
	}

	if !user.IsActive {
		return nil, ErrUserDisabled
	}

	return issueTokenPair(ctx, tokens, manager, user)
}

// revokeRefreshToken invalidates the given refresh token. Deleting an unknown
// token succeeds — the client should clear its cookie regardless.
func revokeRefreshToken(ctx context.Context, tokens repositories.RefreshTokenRepository, rawToken string) error {
	if err := tokens.DeleteByHash(ctx, hashRefreshToken(rawToken)); err != nil {
		return fmt.Errorf("auth: revoking refresh token: %w", err)
	}
	return nil
}
