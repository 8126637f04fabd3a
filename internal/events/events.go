// Package events defines the lifecycle event contract between the task
// pipeline and the fan-out plane. Producers (router, assigner, channel,
// scheduler, approval) depend only on the Publisher interface; the concrete
// fan-out wiring lives behind it so the pipeline packages never import the
// notification or webhook packages.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskwire-io/taskwire/internal/types"
)

// Event is a single lifecycle occurrence: a task changed state, a device
// came online, an approval is pending. UserID addresses the fan-out (whose
// notification stream and webhooks receive it); AgentID and TaskID are set
// when the event concerns one.
type Event struct {
	Type      types.EventType `json:"type"`
	UserID    uuid.UUID       `json:"user_id"`
	AgentID   uuid.UUID       `json:"agent_id,omitempty"`
	TaskID    uuid.UUID       `json:"task_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      map[string]any  `json:"data,omitempty"`
}

// Payload returns the event data with task_id and agent_id folded in, the
// shape delivery surfaces put on the wire. It copies: the original map is
// shared by every subscriber of the same event.
func (ev Event) Payload() map[string]any {
	data := make(map[string]any, len(ev.Data)+2)
	for k, v := range ev.Data {
		data[k] = v
	}
	if ev.TaskID != uuid.Nil {
		data["task_id"] = ev.TaskID.String()
	}
	if ev.AgentID != uuid.Nil {
		data["agent_id"] = ev.AgentID.String()
	}
	if len(data) == 0 {
		return nil
	}
	return data
}

// Publisher accepts lifecycle events. Publishing is fire-and-forget:
// delivery failures are the fan-out's problem, never the pipeline's.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Subscriber is one delivery surface (notification hub, webhook dispatcher).
// HandleEvent must not block: surfaces detach internally (buffered queues,
// non-blocking sends) per the fan-out rules.
type Subscriber interface {
	HandleEvent(ctx context.Context, ev Event)
}

// Fanout is the Publisher used in production: it stamps the event and hands
// it to every registered surface in order.
type Fanout struct {
	subs   []Subscriber
	logger *zap.Logger
}

func NewFanout(logger *zap.Logger, subs ...Subscriber) *Fanout {
	return &Fanout{subs: subs, logger: logger.Named("events")}
}

func (f *Fanout) Publish(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	f.logger.Debug("publish event",
		zap.String("type", string(ev.Type)),
		zap.String("user_id", ev.UserID.String()),
		zap.String("task_id", ev.TaskID.String()))
	for _, s := range f.subs {
		s.HandleEvent(ctx, ev)
	}
}

var _ Publisher = (*Fanout)(nil)
