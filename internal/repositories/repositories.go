// Package repositories defines the persistence interfaces of the control
// plane and their GORM implementations. Every method returns wrapped errors;
// missing rows surface as ErrNotFound and constraint or state-machine
// violations as ErrConflict, so callers branch with errors.Is instead of
// inspecting driver errors.
package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/taskwire-io/taskwire/internal/db"
	"github.com/taskwire-io/taskwire/internal/types"
)

// -----------------------------------------------------------------------------
// Common
// -----------------------------------------------------------------------------

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// -----------------------------------------------------------------------------
// UserRepository
// -----------------------------------------------------------------------------

type UserRepository interface {
	Create(ctx context.Context, user *db.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.User, error)
	GetByEmail(ctx context.Context, email string) (*db.User, error)
	GetByOIDCSub(ctx context.Context, sub string) (*db.User, error)
	Update(ctx context.Context, user *db.User) error
}

// -----------------------------------------------------------------------------
// RefreshTokenRepository
// -----------------------------------------------------------------------------

type RefreshTokenRepository interface {
	Create(ctx context.Context, token *db.RefreshToken) error
	GetByHash(ctx context.Context, hash string) (*db.RefreshToken, error)
	DeleteByHash(ctx context.Context, hash string) error

	// DeleteExpired removes tokens past their expiry and returns how many
	// rows went away, for the periodic sweep's log line.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// AgentRepository
// -----------------------------------------------------------------------------

type AgentRepository interface {
	Create(ctx context.Context, agent *db.Agent) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Agent, error)

	// UpdateStatus writes only the connection status and last-seen timestamp,
	// so heartbeat refreshes never clobber concurrent field updates.
	UpdateStatus(ctx context.Context, id uuid.UUID, status types.AgentStatus, lastSeenAt time.Time) error

	// Revoke stamps RevokedAt. Token invalidation lives in the presence
	// layer; the row is retained for audit.
	Revoke(ctx context.Context, id uuid.UUID) error

	ListByOwner(ctx context.Context, ownerID uuid.UUID, opts ListOptions) ([]db.Agent, int64, error)

	// ListStale returns agents still marked online whose last_seen_at is
	// older than the cutoff. Consumed by the stale-agent monitor.
	ListStale(ctx context.Context, cutoff time.Time) ([]db.Agent, error)
}

// -----------------------------------------------------------------------------
// TaskRepository
// -----------------------------------------------------------------------------

type TaskRepository interface {
	Create(ctx context.Context, task *db.Task) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Task, error)

	// UpdateStatus performs the guarded state-machine transition: the status
	// and updated_at are written in a single atomic UPDATE whose WHERE clause
	// admits only the legal source states for the target. An existing row in
	// a state that cannot reach the target returns ErrConflict.
	UpdateStatus(ctx context.Context, id uuid.UUID, to types.TaskStatus) error

	// Complete is UpdateStatus into a terminal result state (completed or
	// failed) that also records the result document and completion time in
	// the same atomic update.
	Complete(ctx context.Context, id uuid.UUID, to types.TaskStatus, resultJSON string) error

	// RecordLateResult stores a result document without touching status.
	// Used when an agent reports on a task that was already cancelled.
	RecordLateResult(ctx context.Context, id uuid.UUID, resultJSON string) error

	ListByOwner(ctx context.Context, ownerID uuid.UUID, opts ListOptions) ([]db.Task, int64, error)

	// ListExpiredAwaiting returns tasks still awaiting confirmation created
	// before the cutoff. Consumed by the approval expiry sweep.
	ListExpiredAwaiting(ctx context.Context, cutoff time.Time) ([]db.Task, error)
}

// -----------------------------------------------------------------------------
// IdempotencyKeyRepository
// -----------------------------------------------------------------------------

type IdempotencyKeyRepository interface {
	// Create inserts the key record; a concurrent insert for the same
	// (user, endpoint, key) loses the race on the unique index and gets
	// ErrConflict, after which the caller reads the winner with Get.
	Create(ctx context.Context, key *db.IdempotencyKey) error
	Get(ctx context.Context, userID uuid.UUID, endpoint, key string) (*db.IdempotencyKey, error)

	// DeleteOlderThan prunes keys past their retention window and returns
	// the number of rows removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// ScheduledTaskRepository
// -----------------------------------------------------------------------------

type ScheduledTaskRepository interface {
	Create(ctx context.Context, st *db.ScheduledTask) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.ScheduledTask, error)
	Update(ctx context.Context, st *db.ScheduledTask) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByOwner(ctx context.Context, ownerID uuid.UUID, opts ListOptions) ([]db.ScheduledTask, int64, error)

	// ListDue returns active definitions whose next_run_at is at or before
	// now, or never computed. The scheduler tick consumes this.
	ListDue(ctx context.Context, now time.Time) ([]db.ScheduledTask, error)

	// AdvanceRun records a firing: increments run_count and writes
	// last_run_at/next_run_at in one update.
	AdvanceRun(ctx context.Context, id uuid.UUID, lastRun time.Time, nextRun time.Time) error

	// Reschedule moves next_run_at without recording a firing (blocked or
	// skipped definitions).
	Reschedule(ctx context.Context, id uuid.UUID, nextRun time.Time) error
}

// -----------------------------------------------------------------------------
// WebhookRepository
// -----------------------------------------------------------------------------

type WebhookRepository interface {
	Create(ctx context.Context, webhook *db.Webhook) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Webhook, error)
	Delete(ctx context.Context, id uuid.UUID) error
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]db.Webhook, error)

	// ListActiveByOwner returns the owner's active subscriptions; the
	// dispatcher filters them by event set.
	ListActiveByOwner(ctx context.Context, ownerID uuid.UUID) ([]db.Webhook, error)
}
