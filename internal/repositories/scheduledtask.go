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

// gormScheduledTaskRepository is the GORM implementation of
// ScheduledTaskRepository.
type gormScheduledTaskRepository struct {
	db *gorm.DB
}

// NewScheduledTaskRepository returns a ScheduledTaskRepository backed by the
// provided *gorm.DB.
func NewScheduledTaskRepository(db *gorm.DB) ScheduledTaskRepository {
	return &gormScheduledTaskRepository{db: db}
}

// Create inserts a new scheduled task.
func (r *gormScheduledTaskRepository) Create(ctx context.Context, st *db.ScheduledTask) error {
	if err := r.db.WithContext(ctx).Create(st).Error; err != nil {
		return fmt.Errorf("scheduled tasks: create: %w", err)
	}
	return nil
}

// GetByID retrieves a scheduled task by its UUID.
func (r *gormScheduledTaskRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.ScheduledTask, error) {
	var st db.ScheduledTask
	err := r.db.WithContext(ctx).First(&st, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scheduled tasks: get by id: %w", err)
	}
	return &st, nil
}

// Update persists all fields of an existing scheduled task.
func (r *gormScheduledTaskRepository) Update(ctx context.Context, st *db.ScheduledTask) error {
	result := r.db.WithContext(ctx).Save(st)
	if result.Error != nil {
		return fmt.Errorf("scheduled tasks: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete soft-deletes a scheduled task. The ticker ignores deleted rows.
func (r *gormScheduledTaskRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.ScheduledTask{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("scheduled tasks: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByOwner returns a paginated list of the owner's scheduled tasks and
// the total count, newest first.
func (r *gormScheduledTaskRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID, opts ListOptions) ([]db.ScheduledTask, int64, error) {
	var tasks []db.ScheduledTask
	var total int64

	base := r.db.WithContext(ctx).Model(&db.ScheduledTask{}).Where("owner_id = ?", ownerID)
	if err := base.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("scheduled tasks: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&tasks).Error; err != nil {
		return nil, 0, fmt.Errorf("scheduled tasks: list: %w", err)
	}

	return tasks, total, nil
}

// ListDue returns active schedules whose next run is at or before now.
// Rows with a NULL next_run_at are included so freshly created schedules
// get their first next_run_at computed on the following tick.
func (r *gormScheduledTaskRepository) ListDue(ctx context.Context, now time.Time) ([]db.ScheduledTask, error) {
	var tasks []db.ScheduledTask
	err := r.db.WithContext(ctx).
		Where("is_active = ? AND (next_run_at <= ? OR next_run_at IS NULL)", true, now).
		Order("next_run_at ASC").
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("scheduled tasks: list due: %w", err)
	}
	return tasks, nil
}

// AdvanceRun records a completed firing: stamps last_run_at, plants the next
// occurrence, and bumps the run counter in one update. Missed occurrences are
// never replayed; the schedule always advances to the next future slot.
func (r *gormScheduledTaskRepository) AdvanceRun(ctx context.Context, id uuid.UUID, lastRun, nextRun time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.ScheduledTask{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_run_at": lastRun,
			"next_run_at": nextRun,
			"run_count":   gorm.Expr("run_count + 1"),
		})
	if result.Error != nil {
		return fmt.Errorf("scheduled tasks: advance run: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Reschedule plants next_run_at without recording a firing. Used when a
// schedule is created or its cron expression edited.
func (r *gormScheduledTaskRepository) Reschedule(ctx context.Context, id uuid.UUID, nextRun time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.ScheduledTask{}).
		Where("id = ?", id).
		Update("next_run_at", nextRun)
	if result.Error != nil {
		return fmt.Errorf("scheduled tasks: reschedule: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
