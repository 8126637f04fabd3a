// Package assigner consumes task.created and completes the delivery leg:
// wait briefly for the target agent to be deliverable, claim the task with
// the queued → assigned guard, sign the envelope under the channel's key,
// and push it. Tasks whose agent never shows up are dead-lettered and stay
// queued for operator redrive.
//
// Delivery is at-least-once end to end; the state guard makes consumption
// idempotent, so a redelivered message simply loses the compare-and-set and
// is dropped.
package assigner

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/taskwire-io/taskwire/internal/broker"
	"github.com/taskwire-io/taskwire/internal/events"
	"github.com/taskwire-io/taskwire/internal/metrics"
	"github.com/taskwire-io/taskwire/internal/presence"
	"github.com/taskwire-io/taskwire/internal/protocol"
	"github.com/taskwire-io/taskwire/internal/registry"
	"github.com/taskwire-io/taskwire/internal/repositories"
	"github.com/taskwire-io/taskwire/internal/types"
)

// group is the consumer group name; all assigner instances share it.
const group = "assigner"

// Keyring resolves envelope signing secrets by key id.
type Keyring interface {
	Secret(kid string) ([]byte, bool)
}

// Config bounds the wait for an offline agent.
type Config struct {
	// Attempts is how many deliverability checks run before dead-lettering.
	Attempts int
	// RetryDelay is the pause between checks.
	RetryDelay time.Duration
}

func (c *Config) withDefaults() {
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
}

// Assigner is the task.created consumer.
type Assigner struct {
	cfg      Config
	broker   broker.Broker
	registry *registry.Registry
	presence presence.Store
	tasks    repositories.TaskRepository
	keys     Keyring
	events   events.Publisher
	logger   *zap.Logger
}

func New(
	cfg Config,
	b broker.Broker,
	reg *registry.Registry,
	store presence.Store,
	tasks repositories.TaskRepository,
	keys Keyring,
	pub events.Publisher,
	logger *zap.Logger,
) *Assigner {
	cfg.withDefaults()
	return &Assigner{
		cfg:      cfg,
		broker:   b,
		registry: reg,
		presence: store,
		tasks:    tasks,
		keys:     keys,
		events:   pub,
		logger:   logger.Named("assigner"),
	}
}

// Run subscribes the assigner to task.created. Consumption runs in the
// background until ctx is cancelled.
func (a *Assigner) Run(ctx context.Context) error {
	return a.broker.Subscribe(ctx, broker.TopicTaskCreated, group, a.handle)
}

func (a *Assigner) handle(ctx context.Context, msg broker.Message) error {
	tm, err := broker.ParseTaskMessage(msg.Value)
	if err != nil {
		// Poison message: acknowledge so it never redelivers.
		a.logger.Error("discarding malformed task message", zap.Error(err))
		return nil
	}
	logger := a.logger.With(
		zap.String("task_id", tm.TaskID.String()),
		zap.String("agent_id", tm.AgentID.String()))

	for attempt := 1; attempt <= a.cfg.Attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(a.cfg.RetryDelay):
			}
		}

		deliverable, err := a.presence.Deliverable(ctx, tm.AgentID)
		if err != nil {
			logger.Warn("presence check failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		conn, connected := a.registry.Lookup(tm.AgentID)
		if !deliverable || !connected {
			logger.Debug("agent not deliverable",
				zap.Int("attempt", attempt),
				zap.Bool("presence", deliverable),
				zap.Bool("channel", connected))
			continue
		}

		return a.deliver(ctx, tm, conn, logger)
	}

	a.deadLetter(ctx, tm, "agent offline", logger)
	return nil
}

// deliver claims and pushes the task on a live channel. The queued →
// assigned compare-and-set is the idempotency point: losing it means some
// other delivery (or a cancel) got there first, and this message is done.
func (a *Assigner) deliver(ctx context.Context, tm broker.TaskMessage, conn *registry.Conn, logger *zap.Logger) error {
	task, err := a.tasks.GetByID(ctx, tm.TaskID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			logger.Warn("task vanished before assignment")
			return nil
		}
		return err // transient: leave for redelivery
	}

	payload, err := task.GetPayload()
	if err != nil {
		logger.Error("discarding task with unreadable payload", zap.Error(err))
		return nil
	}

	if err := a.tasks.UpdateStatus(ctx, tm.TaskID, types.TaskStatusAssigned); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			logger.Debug("task already claimed, dropping duplicate delivery")
			return nil
		}
		if errors.Is(err, repositories.ErrNotFound) {
			return nil
		}
		return err
	}

	env := protocol.NewTaskEnvelope(tm.TaskID.String(), payload.Actions)
	secret, ok := a.keys.Secret(conn.Kid())
	if !ok {
		// The handshake validated this kid; losing it means the key set
		// changed underneath us. Nothing deliverable here.
		a.deadLetter(ctx, tm, "no signing key for channel", logger)
		return nil
	}
	if err := env.Sign(secret); err != nil {
		a.deadLetter(ctx, tm, "envelope signing failed", logger)
		return nil
	}

	if err := conn.Send(env); err != nil {
		// The channel died between lookup and send. The task is already
		// assigned, so it cannot re-queue; park it on the DLQ instead.
		logger.Warn("envelope send failed", zap.Error(err))
		a.deadLetter(ctx, tm, "channel send failed", logger)
		return nil
	}

	metrics.TasksAssigned.Inc()
	if err := broker.PublishTask(ctx, a.broker, broker.TopicTaskAssigned, tm); err != nil {
		logger.Warn("publish task.assigned failed", zap.Error(err))
	}
	a.events.Publish(ctx, events.Event{
		Type:    types.EventTaskAssigned,
		UserID:  task.OwnerID,
		AgentID: task.AgentID,
		TaskID:  task.ID,
		Data:    map[string]any{"title": task.Title},
	})
	logger.Info("task assigned")
	return nil
}

func (a *Assigner) deadLetter(ctx context.Context, tm broker.TaskMessage, reason string, logger *zap.Logger) {
	tm.Reason = reason
	if err := broker.PublishTask(ctx, a.broker, broker.TopicTaskDLQ, tm); err != nil {
		logger.Error("dead-letter publish failed", zap.Error(err))
	}
	metrics.TasksDeadLettered.Inc()
	logger.Warn("task dead-lettered", zap.String("reason", reason))
}
