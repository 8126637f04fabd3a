package presence

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(zap.NewNop())
	agentID := uuid.New()

	ok, err := s.Deliverable(ctx, agentID)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.MarkOnline(ctx, agentID, Meta{Platform: "linux"}))

	ok, err = s.Deliverable(ctx, agentID)
	require.NoError(t, err)
	assert.True(t, ok)

	online, err := s.Online(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{agentID}, online)

	require.NoError(t, s.MarkOffline(ctx, agentID))

	ok, err = s.Deliverable(ctx, agentID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStoreExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(zap.NewNop())
	agentID := uuid.New()

	now := time.Now()
	s.now = func() time.Time { return now }

	require.NoError(t, s.MarkOnline(ctx, agentID, Meta{}))

	// The TTL representation expires; the janitor then clears the set too.
	now = now.Add(entryTTL + time.Second)
	s.sweep()

	ok, err := s.Deliverable(ctx, agentID)
	require.NoError(t, err)
	assert.False(t, ok)

	// A heartbeat restores deliverability.
	require.NoError(t, s.Heartbeat(ctx, agentID, Meta{Capabilities: map[string]string{"shell": "1"}}))
	ok, err = s.Deliverable(ctx, agentID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryStoreTokenRevocation(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(zap.NewNop())
	agentID := uuid.New()

	require.NoError(t, s.RegisterToken(ctx, agentID, "jti-1", 24*time.Hour))
	require.NoError(t, s.RegisterToken(ctx, agentID, "jti-2", 24*time.Hour))

	revoked, err := s.TokenRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, s.RevokeAgentTokens(ctx, agentID))

	for _, jti := range []string{"jti-1", "jti-2"} {
		revoked, err = s.TokenRevoked(ctx, jti)
		require.NoError(t, err)
		assert.True(t, revoked, "token %s should be revoked", jti)
	}

	// Tokens of other agents are untouched.
	revoked, err = s.TokenRevoked(ctx, "jti-other")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestMemoryStoreRevocationExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(zap.NewNop())
	agentID := uuid.New()

	now := time.Now()
	s.now = func() time.Time { return now }

	require.NoError(t, s.RegisterToken(ctx, agentID, "jti-1", 24*time.Hour))
	require.NoError(t, s.RevokeAgentTokens(ctx, agentID))

	// The deny list outlives the longest token; past that it may expire.
	now = now.Add(revokedTTL + time.Minute)
	revoked, err := s.TokenRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)
}
