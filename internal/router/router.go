// Package router implements task intake: validate the action list, resolve
// the target agent, classify risk, and either refuse the task, park it for
// approval, or queue it onto the broker for assignment. It also handles
// explicit cancellation, including the best-effort cancel frame to a live
// channel.
//
// The router talks to the fan-out plane only through the events.Publisher
// interface and to delivery only through the broker, so it stays free of
// the notification and webhook packages.
package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskwire-io/taskwire/internal/broker"
	"github.com/taskwire-io/taskwire/internal/db"
	"github.com/taskwire-io/taskwire/internal/events"
	"github.com/taskwire-io/taskwire/internal/protocol"
	"github.com/taskwire-io/taskwire/internal/registry"
	"github.com/taskwire-io/taskwire/internal/repositories"
	"github.com/taskwire-io/taskwire/internal/risk"
	"github.com/taskwire-io/taskwire/internal/types"
)

// Router accepts tasks into the lifecycle and cancels them out of it.
type Router struct {
	tasks    repositories.TaskRepository
	agents   repositories.AgentRepository
	broker   broker.Broker
	events   events.Publisher
	registry *registry.Registry
	logger   *zap.Logger
}

func New(
	tasks repositories.TaskRepository,
	agents repositories.AgentRepository,
	b broker.Broker,
	pub events.Publisher,
	reg *registry.Registry,
	logger *zap.Logger,
) *Router {
	return &Router{
		tasks:    tasks,
		agents:   agents,
		broker:   b,
		events:   pub,
		registry: reg,
		logger:   logger.Named("router"),
	}
}

// CreateTaskInput is the validated intent to run actions on an agent.
type CreateTaskInput struct {
	OwnerID     uuid.UUID
	AgentID     uuid.UUID
	Title       string
	Description string
	Actions     []protocol.Action
}

// CreateTask runs the intake pipeline. The returned task is persisted in
// status queued (routed) or awaiting_confirmation (approval required);
// blocked tasks are never persisted and return a BlockedError.
func (r *Router) CreateTask(ctx context.Context, in CreateTaskInput) (*db.Task, error) {
	if err := protocol.ValidateActions(in.Actions); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidActions, err)
	}

	agent, err := r.agents.GetByID(ctx, in.AgentID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrUnknownAgent
		}
		return nil, fmt.Errorf("router: resolve agent: %w", err)
	}
	if agent.OwnerID != in.OwnerID {
		// Other users' agents look nonexistent, not forbidden.
		return nil, ErrUnknownAgent
	}
	if agent.Revoked() {
		return nil, ErrAgentRevoked
	}

	analysis := risk.Classify(in.Actions)
	if risk.ShouldBlock(analysis.Level) {
		r.logger.Info("task blocked by risk policy",
			zap.String("owner_id", in.OwnerID.String()),
			zap.String("agent_id", in.AgentID.String()),
			zap.Strings("reasons", analysis.Reasons))
		return nil, &BlockedError{Analysis: analysis}
	}

	task := &db.Task{
		OwnerID:     in.OwnerID,
		AgentID:     in.AgentID,
		Title:       in.Title,
		Description: in.Description,
	}
	if err := task.SetPayload(db.TaskPayload{Actions: in.Actions, RiskAnalysis: analysis}); err != nil {
		return nil, err
	}

	if risk.RequiresApproval(analysis.Level) {
		task.Status = string(types.TaskStatusAwaitingConfirmation)
		if err := r.tasks.Create(ctx, task); err != nil {
			return nil, err
		}
		r.events.Publish(ctx, events.Event{
			Type:    types.EventApprovalNeeded,
			UserID:  task.OwnerID,
			AgentID: task.AgentID,
			TaskID:  task.ID,
			Data: map[string]any{
				"title":   task.Title,
				"level":   analysis.Level,
				"reasons": analysis.Reasons,
			},
		})
		r.logger.Info("task awaiting confirmation",
			zap.String("task_id", task.ID.String()),
			zap.String("level", string(analysis.Level)))
		return task, nil
	}

	task.Status = string(types.TaskStatusQueued)
	if err := r.tasks.Create(ctx, task); err != nil {
		return nil, err
	}

	if err := broker.PublishTask(ctx, r.broker, broker.TopicTaskCreated, broker.TaskMessage{
		TaskID:  task.ID,
		AgentID: task.AgentID,
	}); err != nil {
		// The row exists and stays queued; surfacing the error lets the
		// caller retry or the operator redrive.
		return nil, fmt.Errorf("router: publish task.created: %w", err)
	}

	r.logger.Info("task queued",
		zap.String("task_id", task.ID.String()),
		zap.String("agent_id", task.AgentID.String()),
		zap.String("level", string(analysis.Level)))
	return task, nil
}

// Cancel moves a non-terminal task to cancelled on behalf of its owner or
// an admin and pushes a best-effort task.cancel frame if the task was
// already with the agent.
func (r *Router) Cancel(ctx context.Context, taskID, actorID uuid.UUID, admin bool) (*db.Task, error) {
	task, err := r.tasks.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.OwnerID != actorID && !admin {
		return nil, ErrForbidden
	}

	prev := types.TaskStatus(task.Status)
	if err := r.tasks.UpdateStatus(ctx, taskID, types.TaskStatusCancelled); err != nil {
		return nil, err
	}

	if prev == types.TaskStatusAssigned || prev == types.TaskStatusInProgress {
		if conn, ok := r.registry.Lookup(task.AgentID); ok {
			if err := conn.Send(protocol.NewCancelFrame(taskID.String())); err != nil {
				r.logger.Warn("cancel frame not delivered",
					zap.String("task_id", taskID.String()),
					zap.String("agent_id", task.AgentID.String()),
					zap.Error(err))
			}
		}
	}

	r.events.Publish(ctx, events.Event{
		Type:    types.EventTaskCancelled,
		UserID:  task.OwnerID,
		AgentID: task.AgentID,
		TaskID:  task.ID,
		Data:    map[string]any{"previous_status": string(prev)},
	})

	task.Status = string(types.TaskStatusCancelled)
	return task, nil
}
