package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/taskwire-io/taskwire/internal/db"
)

// gormRefreshTokenRepository is the GORM implementation of RefreshTokenRepository.
type gormRefreshTokenRepository struct {
	db *gorm.DB
}

// NewRefreshTokenRepository returns a RefreshTokenRepository backed by the
// provided *gorm.DB.
func NewRefreshTokenRepository(db *gorm.DB) RefreshTokenRepository {
	return &gormRefreshTokenRepository{db: db}
}

// Create inserts a new refresh token record.
func (r *gormRefreshTokenRepository) Create(ctx context.Context, token *db.RefreshToken) error {
	if err := r.db.WithContext(ctx).Create(token).Error; err != nil {
		return fmt.Errorf("refresh tokens: create: %w", err)
	}
	return nil
}

// GetByHash retrieves a refresh token by its SHA-256 hash. Expired or revoked
// tokens are still returned; callers decide how to treat them.
func (r *gormRefreshTokenRepository) GetByHash(ctx context.Context, hash string) (*db.RefreshToken, error) {
	var token db.RefreshToken
	err := r.db.WithContext(ctx).First(&token, "token_hash = ?", hash).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("refresh tokens: get by hash: %w", err)
	}
	return &token, nil
}

// DeleteByHash removes a refresh token by hash. Deleting a token that does
// not exist is not an error; rotation races resolve idempotently.
func (r *gormRefreshTokenRepository) DeleteByHash(ctx context.Context, hash string) error {
	if err := r.db.WithContext(ctx).
		Where("token_hash = ?", hash).
		Delete(&db.RefreshToken{}).Error; err != nil {
		return fmt.Errorf("refresh tokens: delete by hash: %w", err)
	}
	return nil
}

// DeleteExpired removes tokens whose expiry has passed. Returns the number
// of rows deleted so the sweep loop can log it.
func (r *gormRefreshTokenRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("expires_at < ?", now).
		Delete(&db.RefreshToken{})
	if result.Error != nil {
		return 0, fmt.Errorf("refresh tokens: delete expired: %w", result.Error)
	}
	return result.RowsAffected, nil
}
