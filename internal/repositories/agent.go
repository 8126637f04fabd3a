package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/taskwire-io/taskwire/internal/db"
	"github.com/taskwire-io/taskwire/internal/types"
)

// gormAgentRepository is the GORM implementation of AgentRepository.
type gormAgentRepository struct {
	db *gorm.DB
}

// NewAgentRepository returns an AgentRepository backed by the provided *gorm.DB.
func NewAgentRepository(db *gorm.DB) AgentRepository {
	return &gormAgentRepository{db: db}
}

// Create inserts a new agent record.
func (r *gormAgentRepository) Create(ctx context.Context, agent *db.Agent) error {
	if err := r.db.WithContext(ctx).Create(agent).Error; err != nil {
		return fmt.Errorf("agents: create: %w", err)
	}
	return nil
}

// GetByID retrieves an agent by its UUID. Returns ErrNotFound if no record exists.
func (r *gormAgentRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Agent, error) {
	var agent db.Agent
	err := r.db.WithContext(ctx).First(&agent, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agents: get by id: %w", err)
	}
	return &agent, nil
}

// UpdateStatus writes only the connection status and last-seen timestamp.
// Heartbeats call this on every refresh, so it must not touch other fields.
func (r *gormAgentRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status types.AgentStatus, lastSeenAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Agent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       string(status),
			"last_seen_at": lastSeenAt,
		})
	if result.Error != nil {
		return fmt.Errorf("agents: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Revoke stamps RevokedAt and forces the status offline. Idempotent: an
// already-revoked agent keeps its original revocation time.
func (r *gormAgentRepository) Revoke(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&db.Agent{}).
		Where("id = ? AND revoked_at IS NULL", id).
		Updates(map[string]interface{}{
			"revoked_at": &now,
			"status":     string(types.AgentStatusOffline),
		})
	if result.Error != nil {
		return fmt.Errorf("agents: revoke: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		var agent db.Agent
		err := r.db.WithContext(ctx).Select("id").First(&agent, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("agents: revoke: %w", err)
		}
		// Already revoked — treat as success.
	}
	return nil
}

// ListByOwner returns a paginated list of the owner's agents and the total
// count, ordered by creation time descending.
func (r *gormAgentRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID, opts ListOptions) ([]db.Agent, int64, error) {
	var agents []db.Agent
	var total int64

	if err := r.db.WithContext(ctx).
		Model(&db.Agent{}).
		Where("owner_id = ?", ownerID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("agents: list by owner count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&agents).Error; err != nil {
		return nil, 0, fmt.Errorf("agents: list by owner: %w", err)
	}

	return agents, total, nil
}

// ListStale returns agents still marked online whose last_seen_at is older
// than the cutoff (or never set). The stale monitor demotes them.
func (r *gormAgentRepository) ListStale(ctx context.Context, cutoff time.Time) ([]db.Agent, error) {
	var agents []db.Agent
	if err := r.db.WithContext(ctx).
		Where("status = ? AND (last_seen_at IS NULL OR last_seen_at < ?)", string(types.AgentStatusOnline), cutoff).
		Find(&agents).Error; err != nil {
		return nil, fmt.Errorf("agents: list stale: %w", err)
	}
	return agents, nil
}
