package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/taskwire-io/taskwire/internal/db"
)

// gormWebhookRepository is the GORM implementation of WebhookRepository.
type gormWebhookRepository struct {
	db *gorm.DB
}

// NewWebhookRepository returns a WebhookRepository backed by the provided *gorm.DB.
func NewWebhookRepository(db *gorm.DB) WebhookRepository {
	return &gormWebhookRepository{db: db}
}

// Create inserts a new webhook endpoint.
func (r *gormWebhookRepository) Create(ctx context.Context, wh *db.Webhook) error {
	if err := r.db.WithContext(ctx).Create(wh).Error; err != nil {
		return fmt.Errorf("webhooks: create: %w", err)
	}
	return nil
}

// GetByID retrieves a webhook by its UUID.
func (r *gormWebhookRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Webhook, error) {
	var wh db.Webhook
	err := r.db.WithContext(ctx).First(&wh, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("webhooks: get by id: %w", err)
	}
	return &wh, nil
}

// Delete removes a webhook endpoint permanently.
func (r *gormWebhookRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Webhook{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("webhooks: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByOwner returns all webhooks registered by a user, newest first.
func (r *gormWebhookRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]db.Webhook, error) {
	var hooks []db.Webhook
	err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Find(&hooks).Error
	if err != nil {
		return nil, fmt.Errorf("webhooks: list by owner: %w", err)
	}
	return hooks, nil
}

// ListActiveByOwner returns only active webhooks for dispatch fan-out.
func (r *gormWebhookRepository) ListActiveByOwner(ctx context.Context, ownerID uuid.UUID) ([]db.Webhook, error) {
	var hooks []db.Webhook
	err := r.db.WithContext(ctx).
		Where("owner_id = ? AND is_active = ?", ownerID, true).
		Find(&hooks).Error
	if err != nil {
		return nil, fmt.Errorf("webhooks: list active by owner: %w", err)
	}
	return hooks, nil
}
