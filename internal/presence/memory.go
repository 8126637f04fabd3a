package presence

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// janitorInterval is how often the in-memory store sweeps expired entries.
// Reads already honor expiry timestamps; the janitor only reclaims memory.
const janitorInterval = 30 * time.Second

type memoryEntry struct {
	meta      Meta
	expiresAt time.Time
}

// MemoryStore is the single-process presence fallback: the same contract as
// the redis store, held in mutex-guarded maps with expiry timestamps.
type MemoryStore struct {
	mu      sync.Mutex
	online  map[uuid.UUID]struct{}
	entries map[uuid.UUID]*memoryEntry
	tokens  map[uuid.UUID]map[string]struct{}
	revoked map[string]time.Time

	now    func() time.Time
	logger *zap.Logger
}

func NewMemory(logger *zap.Logger) *MemoryStore {
	return &MemoryStore{
		online:  make(map[uuid.UUID]struct{}),
		entries: make(map[uuid.UUID]*memoryEntry),
		tokens:  make(map[uuid.UUID]map[string]struct{}),
		revoked: make(map[string]time.Time),
		now:     time.Now,
		logger:  logger.Named("presence"),
	}
}

// Run drives the janitor until ctx is cancelled. Optional: correctness does
// not depend on it, only memory growth.
func (s *MemoryStore) Run(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *MemoryStore) sweep() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, id)
			delete(s.online, id)
		}
	}
	for jti, exp := range s.revoked {
		if now.After(exp) {
			delete(s.revoked, jti)
		}
	}
}

func (s *MemoryStore) MarkOnline(_ context.Context, agentID uuid.UUID, meta Meta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online[agentID] = struct{}{}
	s.entries[agentID] = &memoryEntry{meta: meta, expiresAt: s.now().Add(entryTTL)}
	return nil
}

func (s *MemoryStore) Heartbeat(ctx context.Context, agentID uuid.UUID, meta Meta) error {
	return s.MarkOnline(ctx, agentID, meta)
}

func (s *MemoryStore) MarkOffline(_ context.Context, agentID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.online, agentID)
	delete(s.entries, agentID)
	return nil
}

func (s *MemoryStore) Deliverable(_ context.Context, agentID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.online[agentID]; ok {
		return true, nil
	}
	e, ok := s.entries[agentID]
	return ok && s.now().Before(e.expiresAt), nil
}

func (s *MemoryStore) Online(_ context.Context) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(s.online))
	for id := range s.online {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *MemoryStore) RegisterToken(_ context.Context, agentID uuid.UUID, jti string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.tokens[agentID]
	if !ok {
		set = make(map[string]struct{})
		s.tokens[agentID] = set
	}
	set[jti] = struct{}{}
	return nil
}

func (s *MemoryStore) RevokeAgentTokens(_ context.Context, agentID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp := s.now().Add(revokedTTL)
	for jti := range s.tokens[agentID] {
		s.revoked[jti] = exp
	}
	delete(s.tokens, agentID)
	return nil
}

func (s *MemoryStore) TokenRevoked(_ context.Context, jti string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.revoked[jti]
	return ok && s.now().Before(exp), nil
}

var _ Store = (*MemoryStore)(nil)
