package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	onlineSetKey    = "presence:online"
	agentKeyPrefix  = "presence:agent:"
	tokensKeyPrefix = "presence:tokens:"
	revokedPrefix   = "presence:revoked:"
)

type redisStore struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewRedis returns a Store backed by a redis endpoint. The caller owns the
// client's lifecycle.
func NewRedis(rdb *redis.Client, logger *zap.Logger) Store {
	return &redisStore{rdb: rdb, logger: logger.Named("presence")}
}

func agentKey(id uuid.UUID) string  { return agentKeyPrefix + id.String() }
func tokensKey(id uuid.UUID) string { return tokensKeyPrefix + id.String() }
func revokedKey(jti string) string  { return revokedPrefix + jti }

func (s *redisStore) writeEntry(ctx context.Context, agentID uuid.UUID, meta Meta, addToSet bool) error {
	caps := "{}"
	if len(meta.Capabilities) > 0 {
		buf, err := json.Marshal(meta.Capabilities)
		if err != nil {
			return fmt.Errorf("presence: encode capabilities: %w", err)
		}
		caps = string(buf)
	}

	pipe := s.rdb.TxPipeline()
	if addToSet {
		pipe.SAdd(ctx, onlineSetKey, agentID.String())
	}
	pipe.HSet(ctx, agentKey(agentID), map[string]any{
		"status":         "online",
		"platform":       meta.Platform,
		"capabilities":   caps,
		"last_heartbeat": time.Now().UTC().Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, agentKey(agentID), entryTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: write entry: %w", err)
	}
	return nil
}

func (s *redisStore) MarkOnline(ctx context.Context, agentID uuid.UUID, meta Meta) error {
	return s.writeEntry(ctx, agentID, meta, true)
}

func (s *redisStore) Heartbeat(ctx context.Context, agentID uuid.UUID, meta Meta) error {
	// Heartbeats re-add the set membership too: if the set was wiped (redis
	// restart), the next beat restores it.
	return s.writeEntry(ctx, agentID, meta, true)
}

func (s *redisStore) MarkOffline(ctx context.Context, agentID uuid.UUID) error {
	pipe := s.rdb.TxPipeline()
	pipe.SRem(ctx, onlineSetKey, agentID.String())
	pipe.Del(ctx, agentKey(agentID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: mark offline: %w", err)
	}
	return nil
}

func (s *redisStore) Deliverable(ctx context.Context, agentID uuid.UUID) (bool, error) {
	member, err := s.rdb.SIsMember(ctx, onlineSetKey, agentID.String()).Result()
	if err != nil {
		return false, fmt.Errorf("presence: check online set: %w", err)
	}
	if member {
		return true, nil
	}

	// Either representation may have been wiped; the hash carries a TTL so
	// its mere existence implies freshness.
	status, err := s.rdb.HGet(ctx, agentKey(agentID), "status").Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("presence: check agent entry: %w", err)
	}
	return status == "online", nil
}

func (s *redisStore) Online(ctx context.Context) ([]uuid.UUID, error) {
	members, err := s.rdb.SMembers(ctx, onlineSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: list online: %w", err)
	}
	ids := make([]uuid.UUID, 0, len(members))
	for _, m := range members {
		id, err := uuid.Parse(m)
		if err != nil {
			s.logger.Warn("skipping malformed online set member", zap.String("member", m))
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *redisStore) RegisterToken(ctx context.Context, agentID uuid.UUID, jti string, ttl time.Duration) error {
	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, tokensKey(agentID), jti)
	pipe.Expire(ctx, tokensKey(agentID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: register token: %w", err)
	}
	return nil
}

func (s *redisStore) RevokeAgentTokens(ctx context.Context, agentID uuid.UUID) error {
	jtis, err := s.rdb.SMembers(ctx, tokensKey(agentID)).Result()
	if err != nil {
		return fmt.Errorf("presence: list agent tokens: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	for _, jti := range jtis {
		pipe.Set(ctx, revokedKey(jti), "1", revokedTTL)
	}
	pipe.Del(ctx, tokensKey(agentID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: revoke agent tokens: %w", err)
	}
	return nil
}

func (s *redisStore) TokenRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := s.rdb.Exists(ctx, revokedKey(jti)).Result()
	if err != nil {
		return false, fmt.Errorf("presence: check revocation: %w", err)
	}
	return n > 0, nil
}
