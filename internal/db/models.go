package db

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/taskwire-io/taskwire/internal/protocol"
	"github.com/taskwire-io/taskwire/internal/risk"
	"github.com/taskwire-io/taskwire/internal/types"
)

// base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey" json:"id"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// softDelete extends base with a nullable DeletedAt field for soft deletion.
// GORM filters soft-deleted records from all queries unless Unscoped() is
// used explicitly.
type softDelete struct {
	base
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// -----------------------------------------------------------------------------
// Users & Auth
// -----------------------------------------------------------------------------

// User represents a local or OIDC-authenticated principal. Password holds the
// argon2id hash for local accounts and is empty for OIDC users; it is
// additionally encrypted at rest. Users are deactivated, never hard-deleted.
type User struct {
	base
	Email       string          `gorm:"uniqueIndex;not null" json:"email"`
	Password    EncryptedString `gorm:"type:text" json:"-"`
	DisplayName string          `gorm:"not null" json:"display_name"`
	Role        string          `gorm:"not null;default:'user'" json:"role"`
	IsActive    bool            `gorm:"not null;default:true" json:"is_active"`
	OIDCSub     string          `gorm:"default:''" json:"-"`
	Preferences string          `gorm:"type:text;default:'{}'" json:"preferences"`
	LastLoginAt *time.Time      `json:"last_login_at,omitempty"`
}

// IsAdmin reports whether the user may act on resources they do not own.
func (u *User) IsAdmin() bool {
	return types.UserRole(u.Role) == types.UserRoleAdmin
}

// RefreshToken stores a hashed refresh token associated with a user session.
// The raw token is never stored — only its SHA-256 hash. Tokens are rotated
// on every use and expire after 7 days.
type RefreshToken struct {
	base
	UserID    uuid.UUID `gorm:"type:text;not null;index"`
	TokenHash string    `gorm:"not null;uniqueIndex"` // SHA-256 hex of the raw token
	ExpiresAt time.Time `gorm:"not null;index"`
	RevokedAt *time.Time
}

// -----------------------------------------------------------------------------
// Agents (devices)
// -----------------------------------------------------------------------------

// Agent represents an enrolled desktop agent owned by exactly one user.
// Agents dial in over the WebSocket channel and expose no ports. Revocation
// flips RevokedAt and invalidates tokens; the row is retained for audit, so
// there is no hard delete.
type Agent struct {
	base
	OwnerID      uuid.UUID  `gorm:"type:text;not null;index" json:"owner_id"`
	Name         string     `gorm:"not null" json:"name"`
	Platform     string     `gorm:"not null;default:''" json:"platform"`
	Capabilities string     `gorm:"type:text;default:'{}'" json:"capabilities"` // JSON key-value map
	Status       string     `gorm:"not null;default:'offline'" json:"status"`   // "offline", "online", "stale"
	LastSeenAt   *time.Time `json:"last_seen_at,omitempty"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
}

// Revoked reports whether the agent's tokens have been invalidated.
func (a *Agent) Revoked() bool {
	return a.RevokedAt != nil
}

// -----------------------------------------------------------------------------
// Tasks
// -----------------------------------------------------------------------------

// TaskPayload is the structured document stored in Task.Payload: the action
// list, the risk analysis attached at classification time, and the schedule
// that minted the task, if any.
type TaskPayload struct {
	Actions         []protocol.Action `json:"actions"`
	RiskAnalysis    risk.Analysis     `json:"risk_analysis"`
	ScheduledTaskID string            `json:"scheduled_task_id,omitempty"`
}

// Task is the atomic unit routed to an agent. Status follows the lifecycle
// state machine in types.TaskStatus; every transition goes through the
// guarded update in the task repository. Tasks are never re-owned.
type Task struct {
	base
	OwnerID     uuid.UUID  `gorm:"type:text;not null;index" json:"owner_id"`
	AgentID     uuid.UUID  `gorm:"type:text;not null;index" json:"agent_id"`
	Title       string     `gorm:"not null;default:''" json:"title"`
	Description string     `gorm:"type:text;default:''" json:"description"`
	Status      string     `gorm:"not null;default:'created';index" json:"status"`
	Payload     string     `gorm:"type:text;not null;default:'{}'" json:"-"`
	Result      string     `gorm:"type:text;default:''" json:"-"` // JSON array of action results
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// SetPayload serializes p into the Payload column.
func (t *Task) SetPayload(p TaskPayload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("db: marshal task payload: %w", err)
	}
	t.Payload = string(data)
	return nil
}

// GetPayload deserializes the Payload column.
func (t *Task) GetPayload() (TaskPayload, error) {
	var p TaskPayload
	if t.Payload == "" {
		return p, nil
	}
	if err := json.Unmarshal([]byte(t.Payload), &p); err != nil {
		return p, fmt.Errorf("db: unmarshal task payload: %w", err)
	}
	return p, nil
}

// TaskStatusValue returns the typed status.
func (t *Task) TaskStatusValue() types.TaskStatus {
	return types.TaskStatus(t.Status)
}

// IdempotencyKey collapses client retries of the same logical create into a
// single resource. Uniqueness is enforced over (user_id, endpoint, key);
// concurrent inserts race on the index and the loser reads the winner's row.
// Rows are retained for at least 24h and swept by a maintenance job.
type IdempotencyKey struct {
	base
	UserID       uuid.UUID `gorm:"type:text;not null;uniqueIndex:idx_idempotency_scope,priority:1"`
	Endpoint     string    `gorm:"not null;uniqueIndex:idx_idempotency_scope,priority:2"`
	Key          string    `gorm:"not null;uniqueIndex:idx_idempotency_scope,priority:3"`
	BodyHash     string    `gorm:"not null"` // SHA-256 hex of the request body
	ResourceType string    `gorm:"not null"`
	ResourceID   uuid.UUID `gorm:"type:text;not null"`
}

// -----------------------------------------------------------------------------
// Scheduled tasks
// -----------------------------------------------------------------------------

// ScheduledTask is a cron-driven task definition. Each due tick the scheduler
// materializes one Task from the action template and advances NextRunAt from
// the cron expression; missed firings are not backfilled.
type ScheduledTask struct {
	softDelete
	OwnerID   uuid.UUID  `gorm:"type:text;not null;index" json:"owner_id"`
	AgentID   uuid.UUID  `gorm:"type:text;not null;index" json:"agent_id"`
	Name      string     `gorm:"not null" json:"name"`
	CronExpr  string     `gorm:"not null" json:"cron_expr"`   // classic 5-field cron
	Actions   string     `gorm:"type:text;not null" json:"-"` // JSON action template
	IsActive  bool       `gorm:"not null;default:true" json:"is_active"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `gorm:"index" json:"next_run_at,omitempty"`
	RunCount  int64      `gorm:"not null;default:0" json:"run_count"`
}

// SetActions serializes the action template.
func (s *ScheduledTask) SetActions(actions []protocol.Action) error {
	data, err := json.Marshal(actions)
	if err != nil {
		return fmt.Errorf("db: marshal scheduled task actions: %w", err)
	}
	s.Actions = string(data)
	return nil
}

// GetActions deserializes the action template.
func (s *ScheduledTask) GetActions() ([]protocol.Action, error) {
	var actions []protocol.Action
	if s.Actions == "" {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(s.Actions), &actions); err != nil {
		return nil, fmt.Errorf("db: unmarshal scheduled task actions: %w", err)
	}
	return actions, nil
}

// -----------------------------------------------------------------------------
// Webhooks
// -----------------------------------------------------------------------------

// Webhook is an outbound subscription owned by a user. Events holds the
// subscribed event-type set as a JSON array; Secret signs delivery payloads
// and is encrypted at rest. Delivery attempts are not persisted.
type Webhook struct {
	base
	OwnerID  uuid.UUID       `gorm:"type:text;not null;index" json:"owner_id"`
	URL      string          `gorm:"not null" json:"url"`
	Events   string          `gorm:"type:text;not null;default:'[]'" json:"-"`
	Secret   EncryptedString `gorm:"type:text;not null" json:"-"`
	IsActive bool            `gorm:"not null;default:true" json:"is_active"`
}

// SetEvents serializes the subscribed event set.
func (w *Webhook) SetEvents(events []types.EventType) error {
	data, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("db: marshal webhook events: %w", err)
	}
	w.Events = string(data)
	return nil
}

// GetEvents deserializes the subscribed event set.
func (w *Webhook) GetEvents() ([]types.EventType, error) {
	var events []types.EventType
	if w.Events == "" {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(w.Events), &events); err != nil {
		return nil, fmt.Errorf("db: unmarshal webhook events: %w", err)
	}
	return events, nil
}

// Subscribes reports whether the webhook's event set contains event.
func (w *Webhook) Subscribes(event types.EventType) bool {
	events, err := w.GetEvents()
	if err != nil {
		return false
	}
	for _, e := range events {
		if e == event {
			return true
		}
	}
	return false
}
