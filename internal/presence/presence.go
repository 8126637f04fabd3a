// Package presence answers one question for the routing pipeline: is agent
// X deliverable right now? It keeps two complementary representations — a
// set of online agent ids updated on connect/disconnect, and a per-agent
// metadata hash with a short TTL refreshed by heartbeats — so wiping either
// one degrades accuracy, not availability.
//
// Agent token state (active jti sets, the revocation list) also lives here:
// token liveness is ephemeral routing state, never a relational row.
package presence

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	// entryTTL is how long an agent stays deliverable after its last
	// heartbeat. Heartbeats arrive every 30 s, so this tolerates three
	// missed beats before the TTL demotes the agent.
	entryTTL = 120 * time.Second

	// revokedTTL is how long a revoked jti stays on the deny list. It must
	// outlive the longest agent token (24 h) so a revoked token can never
	// outwait its own revocation.
	revokedTTL = 25 * time.Hour
)

// Meta is the descriptive state recorded for an online agent.
type Meta struct {
	Platform     string
	Capabilities map[string]string
}

// Store is the presence contract. Implementations: a redis-backed store for
// multi-process deployments and an in-memory store for single-process runs.
type Store interface {
	// MarkOnline records a fresh connection for the agent.
	MarkOnline(ctx context.Context, agentID uuid.UUID, meta Meta) error

	// Heartbeat refreshes the agent's freshness window.
	Heartbeat(ctx context.Context, agentID uuid.UUID, meta Meta) error

	// MarkOffline removes the agent from both representations.
	MarkOffline(ctx context.Context, agentID uuid.UUID) error

	// Deliverable reports whether the agent can receive a task right now:
	// set membership OR a fresh metadata entry with status online.
	Deliverable(ctx context.Context, agentID uuid.UUID) (bool, error)

	// Online lists the agents currently considered connected.
	Online(ctx context.Context) ([]uuid.UUID, error)

	// RegisterToken records a minted token id for the agent so revocation
	// can find it later. ttl should match the token lifetime.
	RegisterToken(ctx context.Context, agentID uuid.UUID, jti string, ttl time.Duration) error

	// RevokeAgentTokens moves every active jti of the agent onto the deny
	// list. Channels authenticated with those tokens must be closed by the
	// caller; new handshakes fail the TokenRevoked check.
	RevokeAgentTokens(ctx context.Context, agentID uuid.UUID) error

	// TokenRevoked reports whether the jti is on the deny list.
	TokenRevoked(ctx context.Context, jti string) (bool, error)
}
