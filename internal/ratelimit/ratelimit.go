// Package ratelimit implements the abuse controls in front of the HTTP API:
// a per-source-IP sliding window limiter with a block cool-off, and a
// per-account login lockout. Both keep their state in memory and expire it
// from a background janitor rather than on the request path.
package ratelimit

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskwire-io/taskwire/internal/metrics"
)

const (
	defaultWindow  = time.Minute
	defaultMax     = 120
	defaultCooloff = 5 * time.Minute

	janitorInterval = time.Minute
)

// Config tunes the sliding window limiter. Zero fields fall back to the
// defaults (120 requests per minute, 5 minute block).
type Config struct {
	Window  time.Duration // span of the sliding window
	Max     int           // requests allowed inside the window
	Cooloff time.Duration // how long a breaching key stays blocked
}

func (c *Config) withDefaults() {
	if c.Window <= 0 {
		c.Window = defaultWindow
	}
	if c.Max <= 0 {
		c.Max = defaultMax
	}
	if c.Cooloff <= 0 {
		c.Cooloff = defaultCooloff
	}
}

type entry struct {
	hits      []time.Time
	blockedAt time.Time
}

// Limiter is a sliding window rate limiter keyed by client IP. A key that
// exceeds Max requests inside Window is blocked for Cooloff; while blocked,
// every request is rejected without touching the window.
type Limiter struct {
	cfg    Config
	logger *zap.Logger

	mu   sync.Mutex
	keys map[string]*entry
	now  func() time.Time // swapped out in tests
}

// New creates a Limiter. Run must be started for state to expire; until then
// the limiter still behaves correctly, it just holds memory for idle keys.
func New(cfg Config, logger *zap.Logger) *Limiter {
	cfg.withDefaults()
	return &Limiter{
		cfg:    cfg,
		logger: logger.Named("ratelimit"),
		keys:   make(map[string]*entry),
		now:    time.Now,
	}
}

// Allow records one request for key and reports whether it is admitted.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.keys[key]
	if !ok {
		l.keys[key] = &entry{hits: []time.Time{now}}
		return true
	}

	if !e.blockedAt.IsZero() {
		if now.Before(e.blockedAt.Add(l.cfg.Cooloff)) {
			return false
		}
		// Cool-off served. Start a fresh window.
		e.blockedAt = time.Time{}
		e.hits = e.hits[:0]
	}

	e.hits = pruneBefore(e.hits, now.Add(-l.cfg.Window))
	e.hits = append(e.hits, now)
	if len(e.hits) > l.cfg.Max {
		e.blockedAt = now
		l.logger.Warn("rate limit breached, blocking source",
			zap.String("key", key),
			zap.Duration("cooloff", l.cfg.Cooloff),
		)
		return false
	}
	return true
}

// Run expires idle windows and served blocks until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, e := range l.keys {
		if !e.blockedAt.IsZero() {
			if now.After(e.blockedAt.Add(l.cfg.Cooloff)) {
				delete(l.keys, key)
			}
			continue
		}
		if e.hits = pruneBefore(e.hits, now.Add(-l.cfg.Window)); len(e.hits) == 0 {
			delete(l.keys, key)
		}
	}
}

// Middleware rejects requests from blocked sources with a plain 429. The
// router is expected to run chi's RealIP middleware first so RemoteAddr
// already reflects the originating client.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(clientIP(r)) {
			metrics.RateLimitedRequests.Inc()
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"rate limit exceeded","code":"rate_limited"}}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// pruneBefore drops timestamps older than cutoff, preserving order.
func pruneBefore(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for ; i < len(hits); i++ {
		if hits[i].After(cutoff) {
			break
		}
	}
	if i == 0 {
		return hits
	}
	return append(hits[:0], hits[i:]...)
}
