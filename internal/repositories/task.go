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

// gormTaskRepository is the GORM implementation of TaskRepository.
type gormTaskRepository struct {
	db *gorm.DB
}

// NewTaskRepository returns a TaskRepository backed by the provided *gorm.DB.
func NewTaskRepository(db *gorm.DB) TaskRepository {
	return &gormTaskRepository{db: db}
}

// Create inserts a new task record.
func (r *gormTaskRepository) Create(ctx context.Context, task *db.Task) error {
	if err := r.db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("tasks: create: %w", err)
	}
	return nil
}

// GetByID retrieves a task by its UUID. Returns ErrNotFound if no record exists.
func (r *gormTaskRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Task, error) {
	var task db.Task
	err := r.db.WithContext(ctx).First(&task, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("tasks: get by id: %w", err)
	}
	return &task, nil
}

// UpdateStatus transitions a task to the target status. The WHERE clause
// restricts the update to the legal source states, so an illegal transition
// affects zero rows and surfaces as ErrConflict. Status and updated_at are
// written in one atomic statement — this is the linearization point for the
// task lifecycle.
func (r *gormTaskRepository) UpdateStatus(ctx context.Context, id uuid.UUID, to types.TaskStatus) error {
	return r.guardedUpdate(ctx, id, to, map[string]interface{}{
		"status":     string(to),
		"updated_at": time.Now().UTC(),
	})
}

// Complete transitions a task into a terminal result state and records the
// result document and completion time in the same atomic update.
func (r *gormTaskRepository) Complete(ctx context.Context, id uuid.UUID, to types.TaskStatus, resultJSON string) error {
	if to != types.TaskStatusCompleted && to != types.TaskStatusFailed {
		return fmt.Errorf("tasks: complete: %q is not a result state: %w", to, ErrConflict)
	}
	now := time.Now().UTC()
	return r.guardedUpdate(ctx, id, to, map[string]interface{}{
		"status":       string(to),
		"result":       resultJSON,
		"completed_at": &now,
		"updated_at":   now,
	})
}

// guardedUpdate executes the compare-and-set shared by UpdateStatus and
// Complete, distinguishing a missing row from an illegal transition.
func (r *gormTaskRepository) guardedUpdate(ctx context.Context, id uuid.UUID, to types.TaskStatus, updates map[string]interface{}) error {
	sources := types.TransitionSources(to)
	if len(sources) == 0 {
		return fmt.Errorf("tasks: no transition reaches status %q: %w", to, ErrConflict)
	}
	from := make([]string, len(sources))
	for i, s := range sources {
		from[i] = string(s)
	}

	result := r.db.WithContext(ctx).
		Model(&db.Task{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("tasks: update status to %s: %w", to, result.Error)
	}
	if result.RowsAffected == 0 {
		// Zero rows means either the task does not exist or it is in a state
		// that cannot reach the target. Re-read to tell the two apart.
		var task db.Task
		err := r.db.WithContext(ctx).Select("status").First(&task, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("tasks: update status to %s: %w", to, err)
		}
		return fmt.Errorf("tasks: illegal transition %s → %s: %w", task.Status, to, ErrConflict)
	}
	return nil
}

// RecordLateResult stores a result document without a status transition.
// A terminal task stays terminal; the late report is kept for audit only.
func (r *gormTaskRepository) RecordLateResult(ctx context.Context, id uuid.UUID, resultJSON string) error {
	result := r.db.WithContext(ctx).
		Model(&db.Task{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"result":     resultJSON,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("tasks: record late result: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByOwner returns a paginated list of the owner's tasks and the total
// count, ordered by creation time descending (most recent first).
func (r *gormTaskRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID, opts ListOptions) ([]db.Task, int64, error) {
	var tasks []db.Task
	var total int64

	if err := r.db.WithContext(ctx).
		Model(&db.Task{}).
		Where("owner_id = ?", ownerID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("tasks: list by owner count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&tasks).Error; err != nil {
		return nil, 0, fmt.Errorf("tasks: list by owner: %w", err)
	}

	return tasks, total, nil
}

// ListExpiredAwaiting returns tasks still awaiting confirmation that were
// created before the cutoff, oldest first, for the expiry sweep.
func (r *gormTaskRepository) ListExpiredAwaiting(ctx context.Context, cutoff time.Time) ([]db.Task, error) {
	var tasks []db.Task
	if err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", string(types.TaskStatusAwaitingConfirmation), cutoff).
		Order("created_at ASC").
		Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("tasks: list expired awaiting: %w", err)
	}
	return tasks, nil
}
