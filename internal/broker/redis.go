package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	streamPrefix = "taskwire:"

	// readBlock bounds each XREADGROUP call so the consume loop notices
	// context cancellation promptly.
	readBlock = 5 * time.Second

	// readCount is the batch size per read.
	readCount = 16

	// claimMinIdle is how long a pending entry may sit with a dead
	// consumer before another group member claims it.
	claimMinIdle = 30 * time.Second

	// maxStreamLen caps stream growth (approximate trim on XADD).
	maxStreamLen = 10_000
)

type redisBroker struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewRedis returns a Broker backed by redis streams. Each topic maps to one
// stream "taskwire:<topic>"; a single stream keeps global order.
func NewRedis(rdb *redis.Client, logger *zap.Logger) Broker {
	return &redisBroker{rdb: rdb, logger: logger.Named("broker")}
}

func streamName(topic string) string { return streamPrefix + topic }

func (b *redisBroker) Publish(ctx context.Context, topic, key string, value []byte) error {
	err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamName(topic),
		MaxLen: maxStreamLen,
		Approx: true,
		Values: map[string]any{"key": key, "value": value},
	}).Err()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrPublishTimeout, topic)
		}
		return fmt.Errorf("broker: publish %s: %w", topic, err)
	}
	return nil
}

func (b *redisBroker) Subscribe(ctx context.Context, topic, group string, handler Handler) error {
	stream := streamName(topic)

	// Start the group at the beginning so messages published before the
	// first subscriber are not lost. BUSYGROUP means another member
	// already created it.
	err := b.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("broker: create group %s on %s: %w", group, stream, err)
	}

	consumer := group + "-" + uuid.NewString()[:8]
	logger := b.logger.With(
		zap.String("topic", topic),
		zap.String("group", group),
		zap.String("consumer", consumer))

	go b.consume(ctx, stream, topic, group, consumer, handler, logger)
	return nil
}

func (b *redisBroker) consume(ctx context.Context, stream, topic, group, consumer string, handler Handler, logger *zap.Logger) {
	logger.Info("broker consumer started")
	for {
		if ctx.Err() != nil {
			logger.Info("broker consumer stopped")
			return
		}

		// Reclaim entries stuck with consumers that died mid-handling.
		// Keeps at-least-once honest across process crashes.
		claimed, _, err := b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    group,
			Consumer: consumer,
			MinIdle:  claimMinIdle,
			Start:    "0",
			Count:    readCount,
		}).Result()
		if err != nil && ctx.Err() == nil {
			logger.Warn("broker: autoclaim failed", zap.Error(err))
		}
		b.dispatch(ctx, stream, topic, group, claimed, handler, logger)

		streams, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    readCount,
			Block:    readBlock,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue // block window elapsed with nothing new
		}
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("broker consumer stopped")
				return
			}
			logger.Warn("broker: read failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, s := range streams {
			b.dispatch(ctx, stream, topic, group, s.Messages, handler, logger)
		}
	}
}

// dispatch runs the handler for each entry and acknowledges successes.
// Handler errors leave the entry pending for redelivery.
func (b *redisBroker) dispatch(ctx context.Context, stream, topic, group string, entries []redis.XMessage, handler Handler, logger *zap.Logger) {
	for _, entry := range entries {
		msg := Message{Topic: topic}
		if k, ok := entry.Values["key"].(string); ok {
			msg.Key = k
		}
		if v, ok := entry.Values["value"].(string); ok {
			msg.Value = []byte(v)
		}

		if err := handler(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("broker: handler failed, leaving pending",
				zap.String("entry_id", entry.ID), zap.Error(err))
			continue
		}
		if err := b.rdb.XAck(ctx, stream, group, entry.ID).Err(); err != nil && ctx.Err() == nil {
			logger.Warn("broker: ack failed", zap.String("entry_id", entry.ID), zap.Error(err))
		}
	}
}
