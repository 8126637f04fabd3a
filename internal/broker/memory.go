package broker

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// queueSize is the per-group buffer. Producers block (bounded by their
// context) once a group falls this far behind.
const queueSize = 256

type memGroup struct {
	ch chan Message
}

// memBroker is the in-process fallback used when no broker endpoint is
// configured. Per-topic, per-group buffered channels with one dispatch
// goroutine per subscriber. Delivery is as reliable as the process: nothing
// survives a restart, and a topic without subscribers is a sink.
type memBroker struct {
	mu     sync.Mutex
	groups map[string]map[string]*memGroup // topic → group → queue
	logger *zap.Logger
}

func NewMemory(logger *zap.Logger) Broker {
	return &memBroker{
		groups: make(map[string]map[string]*memGroup),
		logger: logger.Named("broker"),
	}
}

func (b *memBroker) Publish(ctx context.Context, topic, key string, value []byte) error {
	b.mu.Lock()
	groups := make([]*memGroup, 0, len(b.groups[topic]))
	for _, g := range b.groups[topic] {
		groups = append(groups, g)
	}
	b.mu.Unlock()

	if len(groups) == 0 {
		// No consumer group exists (the dead-letter topic in single-process
		// runs). The message has nowhere to go; callers have already logged
		// and counted it.
		b.logger.Debug("publish to topic without subscribers",
			zap.String("topic", topic), zap.String("key", key))
		return nil
	}

	msg := Message{Topic: topic, Key: key, Value: value}
	for _, g := range groups {
		select {
		case g.ch <- msg:
		case <-ctx.Done():
			return ErrPublishTimeout
		}
	}
	return nil
}

func (b *memBroker) Subscribe(ctx context.Context, topic, group string, handler Handler) error {
	b.mu.Lock()
	topicGroups, ok := b.groups[topic]
	if !ok {
		topicGroups = make(map[string]*memGroup)
		b.groups[topic] = topicGroups
	}
	g, ok := topicGroups[group]
	if !ok {
		g = &memGroup{ch: make(chan Message, queueSize)}
		topicGroups[group] = g
	}
	b.mu.Unlock()

	logger := b.logger.With(zap.String("topic", topic), zap.String("group", group))
	go func() {
		logger.Info("broker consumer started")
		for {
			select {
			case <-ctx.Done():
				logger.Info("broker consumer stopped")
				return
			case msg := <-g.ch:
				if err := handler(ctx, msg); err != nil && ctx.Err() == nil {
					logger.Warn("broker: handler failed, dropping message",
						zap.String("key", msg.Key), zap.Error(err))
				}
			}
		}
	}()
	return nil
}
