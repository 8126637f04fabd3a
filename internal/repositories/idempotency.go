package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/taskwire-io/taskwire/internal/db"
)

// gormIdempotencyKeyRepository is the GORM implementation of
// IdempotencyKeyRepository.
type gormIdempotencyKeyRepository struct {
	db *gorm.DB
}

// NewIdempotencyKeyRepository returns an IdempotencyKeyRepository backed by
// the provided *gorm.DB.
func NewIdempotencyKeyRepository(db *gorm.DB) IdempotencyKeyRepository {
	return &gormIdempotencyKeyRepository{db: db}
}

// Create inserts a new idempotency record. The unique index over
// (user_id, endpoint, key) makes concurrent duplicates lose the race:
// exactly one insert wins and the rest get ErrConflict, which callers
// resolve by re-reading the winner.
func (r *gormIdempotencyKeyRepository) Create(ctx context.Context, key *db.IdempotencyKey) error {
	if err := r.db.WithContext(ctx).Create(key).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("idempotency keys: create: %w", ErrConflict)
		}
		return fmt.Errorf("idempotency keys: create: %w", err)
	}
	return nil
}

// Get retrieves the stored record for (user, endpoint, key).
// Returns ErrNotFound when the key has never been used.
func (r *gormIdempotencyKeyRepository) Get(ctx context.Context, userID uuid.UUID, endpoint, key string) (*db.IdempotencyKey, error) {
	var record db.IdempotencyKey
	err := r.db.WithContext(ctx).
		First(&record, "user_id = ? AND endpoint = ? AND key = ?", userID, endpoint, key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("idempotency keys: get: %w", err)
	}
	return &record, nil
}

// DeleteOlderThan removes records created before the cutoff. The sweep keeps
// at least 24h of history so retried requests still match.
func (r *gormIdempotencyKeyRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&db.IdempotencyKey{})
	if result.Error != nil {
		return 0, fmt.Errorf("idempotency keys: delete older than: %w", result.Error)
	}
	return result.RowsAffected, nil
}
