// Package approval decides the fate of tasks parked in awaiting_confirmation:
// an explicit owner decision releases them into delivery or cancels them, and
// a periodic sweep cancels the ones nobody decided within the TTL.
//
// Every decision rides the guarded status transition, so a race between two
// approvers, or between an approver and the sweep, resolves to exactly one
// winner — the loser gets ErrConflict.
package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskwire-io/taskwire/internal/broker"
	"github.com/taskwire-io/taskwire/internal/db"
	"github.com/taskwire-io/taskwire/internal/events"
	"github.com/taskwire-io/taskwire/internal/repositories"
	"github.com/taskwire-io/taskwire/internal/types"
)

// ErrForbidden marks an actor deciding a task they do not own.
var ErrForbidden = errors.New("approval: forbidden")

// Config bounds how long a task may wait for a decision.
type Config struct {
	// TTL is the confirmation window. Tasks still awaiting after it are
	// auto-cancelled by the sweep.
	TTL time.Duration
}

func (c *Config) withDefaults() {
	if c.TTL <= 0 {
		c.TTL = time.Hour
	}
}

// Service applies approval decisions and expires undecided tasks.
type Service struct {
	cfg    Config
	tasks  repositories.TaskRepository
	broker broker.Broker
	events events.Publisher
	logger *zap.Logger
}

func New(cfg Config, tasks repositories.TaskRepository, b broker.Broker, pub events.Publisher, logger *zap.Logger) *Service {
	cfg.withDefaults()
	return &Service{
		cfg:    cfg,
		tasks:  tasks,
		broker: b,
		events: pub,
		logger: logger.Named("approval"),
	}
}

// TTL reports the configured confirmation window.
func (s *Service) TTL() time.Duration { return s.cfg.TTL }

// Approve releases an awaiting task into delivery: awaiting_confirmation →
// queued, then the task.created publish the router skipped. Owner-only with
// admin override; a task in any other state returns ErrConflict.
func (s *Service) Approve(ctx context.Context, taskID, actorID uuid.UUID, admin bool) (*db.Task, error) {
	task, err := s.load(ctx, taskID, actorID, admin)
	if err != nil {
		return nil, err
	}

	// Second decision barrier: the sweep or a concurrent approver may have
	// won between the load and here, and then this CAS loses.
	if err := s.tasks.UpdateStatus(ctx, taskID, types.TaskStatusQueued); err != nil {
		return nil, err
	}

	if err := broker.PublishTask(ctx, s.broker, broker.TopicTaskCreated, broker.TaskMessage{
		TaskID:  task.ID,
		AgentID: task.AgentID,
	}); err != nil {
		// The task is queued and stays queued; delivery waits for a redrive.
		return nil, fmt.Errorf("approval: publish task.created: %w", err)
	}

	s.events.Publish(ctx, events.Event{
		Type:    types.EventTaskApproved,
		UserID:  task.OwnerID,
		AgentID: task.AgentID,
		TaskID:  task.ID,
		Data:    map[string]any{"title": task.Title, "decided_by": actorID.String()},
	})
	s.logger.Info("task approved",
		zap.String("task_id", taskID.String()),
		zap.String("actor_id", actorID.String()))

	task.Status = string(types.TaskStatusQueued)
	return task, nil
}

// Reject cancels an awaiting task. Owner-only with admin override.
func (s *Service) Reject(ctx context.Context, taskID, actorID uuid.UUID, admin bool) (*db.Task, error) {
	task, err := s.load(ctx, taskID, actorID, admin)
	if err != nil {
		return nil, err
	}

	if err := s.tasks.UpdateStatus(ctx, taskID, types.TaskStatusCancelled); err != nil {
		return nil, err
	}

	s.events.Publish(ctx, events.Event{
		Type:    types.EventTaskRejected,
		UserID:  task.OwnerID,
		AgentID: task.AgentID,
		TaskID:  task.ID,
		Data:    map[string]any{"title": task.Title, "decided_by": actorID.String()},
	})
	s.logger.Info("task rejected",
		zap.String("task_id", taskID.String()),
		zap.String("actor_id", actorID.String()))

	task.Status = string(types.TaskStatusCancelled)
	return task, nil
}

// load fetches the task and enforces ownership and state. Nothing transitions
// into awaiting_confirmation, so a task that passes this check can only leave
// that state through the CAS that follows.
func (s *Service) load(ctx context.Context, taskID, actorID uuid.UUID, admin bool) (*db.Task, error) {
	task, err := s.tasks.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.OwnerID != actorID && !admin {
		return nil, ErrForbidden
	}
	if task.TaskStatusValue() != types.TaskStatusAwaitingConfirmation {
		return nil, fmt.Errorf("approval: task %s is %s, not awaiting confirmation: %w",
			taskID, task.Status, repositories.ErrConflict)
	}
	return task, nil
}

// SweepExpired cancels awaiting_confirmation tasks older than the TTL and
// reports how many went away. Per-task failures are logged and skipped so
// one bad row never starves the rest of the batch.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.cfg.TTL)
	expired, err := s.tasks.ListExpiredAwaiting(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("approval: list expired tasks: %w", err)
	}

	var n int
	for i := range expired {
		task := &expired[i]
		if err := s.tasks.UpdateStatus(ctx, task.ID, types.TaskStatusCancelled); err != nil {
			// Conflict means someone decided while the sweep was running:
			// that decision stands.
			if !errors.Is(err, repositories.ErrConflict) && !errors.Is(err, repositories.ErrNotFound) {
				s.logger.Warn("expire task",
					zap.String("task_id", task.ID.String()), zap.Error(err))
			}
			continue
		}
		n++
		s.events.Publish(ctx, events.Event{
			Type:    types.EventTaskAutoCancelled,
			UserID:  task.OwnerID,
			AgentID: task.AgentID,
			TaskID:  task.ID,
			Data:    map[string]any{"title": task.Title, "waited": s.cfg.TTL.String()},
		})
	}

	if n > 0 {
		s.logger.Info("auto-cancelled unconfirmed tasks", zap.Int("count", n))
	}
	return n, nil
}
