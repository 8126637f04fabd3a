// Package broker carries task lifecycle messages between the producers
// (router, scheduler, approval gate) and the assigner with at-least-once
// semantics. Consumers must be idempotent — the task state guard drops
// duplicate deliveries.
//
// Two implementations: redis streams with consumer groups for multi-process
// deployments, and an in-process channel broker for single-binary runs.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Broker topics. A single ordered stream per topic; messages are keyed by
// agent_id, and global order subsumes per-agent order.
const (
	TopicTaskCreated  = "task.created"
	TopicTaskAssigned = "task.assigned"
	TopicTaskDLQ      = "task.dlq"
)

// ErrPublishTimeout is returned when a publish cannot be accepted before
// the context deadline; the API maps it to unavailable.
var ErrPublishTimeout = errors.New("broker: publish timeout")

// Message is one brokered record.
type Message struct {
	Topic string
	Key   string
	Value []byte
}

// Handler consumes one message. Returning nil acknowledges it; an error
// leaves it for redelivery (redis) or logs and drops it (memory).
type Handler func(ctx context.Context, msg Message) error

// Broker publishes and subscribes topic streams.
type Broker interface {
	// Publish appends a message to the topic.
	Publish(ctx context.Context, topic, key string, value []byte) error

	// Subscribe registers handler in the named consumer group and starts
	// consuming in the background until ctx is cancelled. Messages are
	// delivered to one member of each group.
	Subscribe(ctx context.Context, topic, group string, handler Handler) error
}

// TaskMessage is the JSON value carried on the task topics. Reason is set
// only on dead-letter entries.
type TaskMessage struct {
	TaskID  uuid.UUID `json:"task_id"`
	AgentID uuid.UUID `json:"agent_id"`
	Reason  string    `json:"reason,omitempty"`
}

// PublishTask marshals a TaskMessage keyed by its agent id.
func PublishTask(ctx context.Context, b Broker, topic string, msg TaskMessage) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("broker: marshal task message: %w", err)
	}
	return b.Publish(ctx, topic, msg.AgentID.String(), value)
}

// ParseTaskMessage decodes a TaskMessage value.
func ParseTaskMessage(value []byte) (TaskMessage, error) {
	var msg TaskMessage
	if err := json.Unmarshal(value, &msg); err != nil {
		return msg, fmt.Errorf("broker: unmarshal task message: %w", err)
	}
	if msg.TaskID == uuid.Nil {
		return msg, fmt.Errorf("broker: task message missing task_id")
	}
	return msg, nil
}
