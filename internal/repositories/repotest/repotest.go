// Package repotest provides in-memory implementations of the repository
// interfaces for service-layer tests. The fakes honor the same contracts as
// the GORM implementations — ErrNotFound/ErrConflict sentinels, the guarded
// task transition, the idempotency unique index — without a database.
package repotest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskwire-io/taskwire/internal/db"
	"github.com/taskwire-io/taskwire/internal/repositories"
	"github.com/taskwire-io/taskwire/internal/types"
)

func newID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

// fill assigns ID and timestamps the way the GORM hooks would.
func fill(id *uuid.UUID, createdAt, updatedAt *time.Time) {
	if *id == uuid.Nil {
		*id = newID()
	}
	now := time.Now().UTC()
	if createdAt.IsZero() {
		*createdAt = now
	}
	*updatedAt = now
}

// ─── Tasks ───────────────────────────────────────────────────────────────────

// TaskRepo is an in-memory repositories.TaskRepository.
type TaskRepo struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*db.Task
}

func NewTaskRepo() *TaskRepo {
	return &TaskRepo{tasks: make(map[uuid.UUID]*db.Task)}
}

func (r *TaskRepo) Create(_ context.Context, task *db.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	fill(&task.ID, &task.CreatedAt, &task.UpdatedAt)
	cp := *task
	r.tasks[task.ID] = &cp
	return nil
}

func (r *TaskRepo) GetByID(_ context.Context, id uuid.UUID) (*db.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *TaskRepo) UpdateStatus(_ context.Context, id uuid.UUID, to types.TaskStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transition(id, to, func(t *db.Task) {})
}

func (r *TaskRepo) Complete(_ context.Context, id uuid.UUID, to types.TaskStatus, resultJSON string) error {
	if to != types.TaskStatusCompleted && to != types.TaskStatusFailed {
		return fmt.Errorf("tasks: complete: %q is not a result state: %w", to, repositories.ErrConflict)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	return r.transition(id, to, func(t *db.Task) {
		t.Result = resultJSON
		t.CompletedAt = &now
	})
}

// transition is the in-memory analogue of the guarded UPDATE: the write
// happens only when the current status is a legal source for the target.
func (r *TaskRepo) transition(id uuid.UUID, to types.TaskStatus, apply func(*db.Task)) error {
	t, ok := r.tasks[id]
	if !ok {
		return repositories.ErrNotFound
	}
	if !types.TaskStatus(t.Status).CanTransitionTo(to) {
		return fmt.Errorf("tasks: illegal transition %s → %s: %w", t.Status, to, repositories.ErrConflict)
	}
	t.Status = string(to)
	t.UpdatedAt = time.Now().UTC()
	apply(t)
	return nil
}

func (r *TaskRepo) RecordLateResult(_ context.Context, id uuid.UUID, resultJSON string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return repositories.ErrNotFound
	}
	t.Result = resultJSON
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *TaskRepo) ListByOwner(_ context.Context, ownerID uuid.UUID, opts repositories.ListOptions) ([]db.Task, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []db.Task
	for _, t := range r.tasks {
		if t.OwnerID == ownerID {
			all = append(all, *t)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := int64(len(all))
	all = page(all, opts)
	return all, total, nil
}

func (r *TaskRepo) ListExpiredAwaiting(_ context.Context, cutoff time.Time) ([]db.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []db.Task
	for _, t := range r.tasks {
		if t.Status == string(types.TaskStatusAwaitingConfirmation) && t.CreatedAt.Before(cutoff) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ─── Agents ──────────────────────────────────────────────────────────────────

// AgentRepo is an in-memory repositories.AgentRepository.
type AgentRepo struct {
	mu     sync.Mutex
	agents map[uuid.UUID]*db.Agent
}

func NewAgentRepo() *AgentRepo {
	return &AgentRepo{agents: make(map[uuid.UUID]*db.Agent)}
}

func (r *AgentRepo) Create(_ context.Context, agent *db.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	fill(&agent.ID, &agent.CreatedAt, &agent.UpdatedAt)
	cp := *agent
	r.agents[agent.ID] = &cp
	return nil
}

func (r *AgentRepo) GetByID(_ context.Context, id uuid.UUID) (*db.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *AgentRepo) UpdateStatus(_ context.Context, id uuid.UUID, status types.AgentStatus, lastSeenAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return repositories.ErrNotFound
	}
	a.Status = string(status)
	a.LastSeenAt = &lastSeenAt
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *AgentRepo) Revoke(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return repositories.ErrNotFound
	}
	now := time.Now().UTC()
	a.RevokedAt = &now
	a.UpdatedAt = now
	return nil
}

func (r *AgentRepo) ListByOwner(_ context.Context, ownerID uuid.UUID, opts repositories.ListOptions) ([]db.Agent, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []db.Agent
	for _, a := range r.agents {
		if a.OwnerID == ownerID {
			all = append(all, *a)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := int64(len(all))
	all = page(all, opts)
	return all, total, nil
}

func (r *AgentRepo) ListStale(_ context.Context, cutoff time.Time) ([]db.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []db.Agent
	for _, a := range r.agents {
		if a.Status == string(types.AgentStatusOnline) && a.LastSeenAt != nil && a.LastSeenAt.Before(cutoff) {
			out = append(out, *a)
		}
	}
	return out, nil
}

// ─── Scheduled tasks ─────────────────────────────────────────────────────────

// ScheduledTaskRepo is an in-memory repositories.ScheduledTaskRepository.
type ScheduledTaskRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID]*db.ScheduledTask
}

func NewScheduledTaskRepo() *ScheduledTaskRepo {
	return &ScheduledTaskRepo{items: make(map[uuid.UUID]*db.ScheduledTask)}
}

func (r *ScheduledTaskRepo) Create(_ context.Context, st *db.ScheduledTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	fill(&st.ID, &st.CreatedAt, &st.UpdatedAt)
	cp := *st
	r.items[st.ID] = &cp
	return nil
}

func (r *ScheduledTaskRepo) GetByID(_ context.Context, id uuid.UUID) (*db.ScheduledTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.items[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (r *ScheduledTaskRepo) Update(_ context.Context, st *db.ScheduledTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[st.ID]; !ok {
		return repositories.ErrNotFound
	}
	st.UpdatedAt = time.Now().UTC()
	cp := *st
	r.items[st.ID] = &cp
	return nil
}

func (r *ScheduledTaskRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[id]; !ok {
		return repositories.ErrNotFound
	}
	delete(r.items, id)
	return nil
}

func (r *ScheduledTaskRepo) ListByOwner(_ context.Context, ownerID uuid.UUID, opts repositories.ListOptions) ([]db.ScheduledTask, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []db.ScheduledTask
	for _, st := range r.items {
		if st.OwnerID == ownerID {
			all = append(all, *st)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := int64(len(all))
	all = page(all, opts)
	return all, total, nil
}

func (r *ScheduledTaskRepo) ListDue(_ context.Context, now time.Time) ([]db.ScheduledTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []db.ScheduledTask
	for _, st := range r.items {
		if !st.IsActive {
			continue
		}
		if st.NextRunAt == nil || !st.NextRunAt.After(now) {
			out = append(out, *st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *ScheduledTaskRepo) AdvanceRun(_ context.Context, id uuid.UUID, lastRun, nextRun time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.items[id]
	if !ok {
		return repositories.ErrNotFound
	}
	st.RunCount++
	st.LastRunAt = &lastRun
	st.NextRunAt = &nextRun
	st.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *ScheduledTaskRepo) Reschedule(_ context.Context, id uuid.UUID, nextRun time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.items[id]
	if !ok {
		return repositories.ErrNotFound
	}
	st.NextRunAt = &nextRun
	st.UpdatedAt = time.Now().UTC()
	return nil
}

// ─── Webhooks ────────────────────────────────────────────────────────────────

// WebhookRepo is an in-memory repositories.WebhookRepository.
type WebhookRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID]*db.Webhook
}

func NewWebhookRepo() *WebhookRepo {
	return &WebhookRepo{items: make(map[uuid.UUID]*db.Webhook)}
}

func (r *WebhookRepo) Create(_ context.Context, wh *db.Webhook) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	fill(&wh.ID, &wh.CreatedAt, &wh.UpdatedAt)
	cp := *wh
	r.items[wh.ID] = &cp
	return nil
}

func (r *WebhookRepo) GetByID(_ context.Context, id uuid.UUID) (*db.Webhook, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wh, ok := r.items[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	cp := *wh
	return &cp, nil
}

func (r *WebhookRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[id]; !ok {
		return repositories.ErrNotFound
	}
	delete(r.items, id)
	return nil
}

func (r *WebhookRepo) ListByOwner(_ context.Context, ownerID uuid.UUID) ([]db.Webhook, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []db.Webhook
	for _, wh := range r.items {
		if wh.OwnerID == ownerID {
			out = append(out, *wh)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *WebhookRepo) ListActiveByOwner(_ context.Context, ownerID uuid.UUID) ([]db.Webhook, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []db.Webhook
	for _, wh := range r.items {
		if wh.OwnerID == ownerID && wh.IsActive {
			out = append(out, *wh)
		}
	}
	return out, nil
}

// ─── Idempotency keys ────────────────────────────────────────────────────────

// IdempotencyKeyRepo is an in-memory repositories.IdempotencyKeyRepository
// enforcing the (user, endpoint, key) unique index.
type IdempotencyKeyRepo struct {
	mu    sync.Mutex
	items map[string]*db.IdempotencyKey
}

func NewIdempotencyKeyRepo() *IdempotencyKeyRepo {
	return &IdempotencyKeyRepo{items: make(map[string]*db.IdempotencyKey)}
}

func idemKey(userID uuid.UUID, endpoint, key string) string {
	return userID.String() + "|" + endpoint + "|" + key
}

func (r *IdempotencyKeyRepo) Create(_ context.Context, key *db.IdempotencyKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := idemKey(key.UserID, key.Endpoint, key.Key)
	if _, exists := r.items[k]; exists {
		return fmt.Errorf("idempotency: create: %w", repositories.ErrConflict)
	}
	fill(&key.ID, &key.CreatedAt, &key.UpdatedAt)
	cp := *key
	r.items[k] = &cp
	return nil
}

func (r *IdempotencyKeyRepo) Get(_ context.Context, userID uuid.UUID, endpoint, key string) (*db.IdempotencyKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.items[idemKey(userID, endpoint, key)]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *IdempotencyKeyRepo) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for k, rec := range r.items {
		if rec.CreatedAt.Before(cutoff) {
			delete(r.items, k)
			n++
		}
	}
	return n, nil
}

// ─── Users ───────────────────────────────────────────────────────────────────

// UserRepo is an in-memory repositories.UserRepository.
type UserRepo struct {
	mu    sync.Mutex
	users map[uuid.UUID]*db.User
}

func NewUserRepo() *UserRepo {
	return &UserRepo{users: make(map[uuid.UUID]*db.User)}
}

func (r *UserRepo) Create(_ context.Context, user *db.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Email == user.Email {
			return fmt.Errorf("users: create: %w", repositories.ErrConflict)
		}
	}
	fill(&user.ID, &user.CreatedAt, &user.UpdatedAt)
	cp := *user
	r.users[user.ID] = &cp
	return nil
}

func (r *UserRepo) GetByID(_ context.Context, id uuid.UUID) (*db.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *UserRepo) GetByEmail(_ context.Context, email string) (*db.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, repositories.ErrNotFound
}

func (r *UserRepo) GetByOIDCSub(_ context.Context, sub string) (*db.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.OIDCSub == sub && sub != "" {
			cp := *u
			return &cp, nil
		}
	}
	return nil, repositories.ErrNotFound
}

func (r *UserRepo) Update(_ context.Context, user *db.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[user.ID]; !ok {
		return repositories.ErrNotFound
	}
	user.UpdatedAt = time.Now().UTC()
	cp := *user
	r.users[user.ID] = &cp
	return nil
}

// ─── Refresh tokens ──────────────────────────────────────────────────────────

// RefreshTokenRepo is an in-memory repositories.RefreshTokenRepository.
type RefreshTokenRepo struct {
	mu     sync.Mutex
	tokens map[string]*db.RefreshToken
}

func NewRefreshTokenRepo() *RefreshTokenRepo {
	return &RefreshTokenRepo{tokens: make(map[string]*db.RefreshToken)}
}

func (r *RefreshTokenRepo) Create(_ context.Context, token *db.RefreshToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	fill(&token.ID, &token.CreatedAt, &token.UpdatedAt)
	cp := *token
	r.tokens[token.TokenHash] = &cp
	return nil
}

func (r *RefreshTokenRepo) GetByHash(_ context.Context, hash string) (*db.RefreshToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[hash]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *RefreshTokenRepo) DeleteByHash(_ context.Context, hash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tokens, hash)
	return nil
}

func (r *RefreshTokenRepo) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for hash, t := range r.tokens {
		if t.ExpiresAt.Before(now) {
			delete(r.tokens, hash)
			n++
		}
	}
	return n, nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func page[T any](items []T, opts repositories.ListOptions) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(items) {
		items = items[:opts.Limit]
	}
	return items
}

// Interface conformance.
var (
	_ repositories.TaskRepository           = (*TaskRepo)(nil)
	_ repositories.AgentRepository          = (*AgentRepo)(nil)
	_ repositories.ScheduledTaskRepository  = (*ScheduledTaskRepo)(nil)
	_ repositories.WebhookRepository        = (*WebhookRepo)(nil)
	_ repositories.IdempotencyKeyRepository = (*IdempotencyKeyRepo)(nil)
	_ repositories.UserRepository           = (*UserRepo)(nil)
	_ repositories.RefreshTokenRepository   = (*RefreshTokenRepo)(nil)
)
