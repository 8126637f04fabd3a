// Package registry tracks the live agent channels of this process. It is a
// plain keyed map guarded by a mutex: one channel per agent, newest wins.
// The registry records liveness, it never probes it — a failed send is the
// caller's signal to schedule removal, and the presence layer demotes
// agents independently via TTL.
package registry

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskwire-io/taskwire/internal/metrics"
	"github.com/taskwire-io/taskwire/internal/protocol"
)

// Registry owns the agent-id → connection map. All map access happens under
// the mutex; sends and closes happen outside it.
type Registry struct {
	mu     sync.Mutex
	conns  map[uuid.UUID]*Conn
	logger *zap.Logger
}

func New(logger *zap.Logger) *Registry {
	return &Registry{
		conns:  make(map[uuid.UUID]*Conn),
		logger: logger.Named("registry"),
	}
}

// Register installs conn as the channel for its agent. Any prior connection
// for the same agent is closed with code 4000 "superseded" — the newest
// handshake always wins, so a reconnecting agent is never locked out by its
// own half-dead predecessor.
func (r *Registry) Register(conn *Conn) {
	r.mu.Lock()
	prev := r.conns[conn.agentID]
	r.conns[conn.agentID] = conn
	n := len(r.conns)
	r.mu.Unlock()

	metrics.ActiveAgentConnections.Set(float64(n))

	if prev != nil && prev != conn {
		r.logger.Info("superseding agent channel",
			zap.String("agent_id", conn.agentID.String()))
		prev.Close(protocol.CloseSuperseded, "superseded")
	}
}

// Remove deletes the mapping only if conn is still the registered channel
// for its agent (compare-and-remove). A connection that was superseded must
// not remove its replacement during its own teardown. Reports whether the
// mapping was removed.
func (r *Registry) Remove(conn *Conn) bool {
	r.mu.Lock()
	cur, ok := r.conns[conn.agentID]
	if !ok || cur != conn {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, conn.agentID)
	n := len(r.conns)
	r.mu.Unlock()

	metrics.ActiveAgentConnections.Set(float64(n))
	return true
}

// Lookup returns the live channel for the agent, if any.
func (r *Registry) Lookup(agentID uuid.UUID) (*Conn, bool) {
	r.mu.Lock()
	conn, ok := r.conns[agentID]
	r.mu.Unlock()
	return conn, ok
}

// Len reports the number of registered channels.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// CloseAll closes every registered channel with the given code and clears
// the map. Used on shutdown (code 1000).
func (r *Registry) CloseAll(code int, reason string) {
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = make(map[uuid.UUID]*Conn)
	r.mu.Unlock()

	metrics.ActiveAgentConnections.Set(0)

	for _, c := range conns {
		c.Close(code, reason)
	}
}
