package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultLockoutThreshold = 5
	defaultLockoutWindow    = 15 * time.Minute
	defaultLockoutDuration  = 15 * time.Minute
)

// LockoutConfig tunes the per-account login lockout. Zero fields fall back
// to the defaults (5 failures inside 15 minutes lock for 15 minutes).
type LockoutConfig struct {
	Threshold int           // failures inside Window before locking
	Window    time.Duration // span in which failures accumulate
	Duration  time.Duration // how long a locked account stays locked
}

func (c *LockoutConfig) withDefaults() {
	if c.Threshold <= 0 {
		c.Threshold = defaultLockoutThreshold
	}
	if c.Window <= 0 {
		c.Window = defaultLockoutWindow
	}
	if c.Duration <= 0 {
		c.Duration = defaultLockoutDuration
	}
}

type lockEntry struct {
	failures []time.Time
	lockedAt time.Time
}

// Lockout tracks failed logins per account key (the lowercased email) and
// locks the account once the failure threshold is crossed. A successful
// login resets the account's slate.
type Lockout struct {
	cfg    LockoutConfig
	logger *zap.Logger

	mu   sync.Mutex
	keys map[string]*lockEntry
	now  func() time.Time
}

// NewLockout creates a Lockout tracker.
func NewLockout(cfg LockoutConfig, logger *zap.Logger) *Lockout {
	cfg.withDefaults()
	return &Lockout{
		cfg:    cfg,
		logger: logger.Named("lockout"),
		keys:   make(map[string]*lockEntry),
		now:    time.Now,
	}
}

// Locked reports whether the account is currently locked.
func (lo *Lockout) Locked(key string) bool {
	lo.mu.Lock()
	defer lo.mu.Unlock()

	e, ok := lo.keys[key]
	if !ok || e.lockedAt.IsZero() {
		return false
	}
	if lo.now().Before(e.lockedAt.Add(lo.cfg.Duration)) {
		return true
	}
	// Lock served; forget the account entirely.
	delete(lo.keys, key)
	return false
}

// Fail records a failed login and reports whether the account is now locked.
func (lo *Lockout) Fail(key string) bool {
	lo.mu.Lock()
	defer lo.mu.Unlock()

	now := lo.now()
	e, ok := lo.keys[key]
	if !ok {
		e = &lockEntry{}
		lo.keys[key] = e
	}
	if !e.lockedAt.IsZero() {
		return true
	}

	e.failures = pruneBefore(e.failures, now.Add(-lo.cfg.Window))
	e.failures = append(e.failures, now)
	if len(e.failures) >= lo.cfg.Threshold {
		e.lockedAt = now
		lo.logger.Warn("account locked after repeated login failures",
			zap.String("account", key),
			zap.Duration("duration", lo.cfg.Duration),
		)
		return true
	}
	return false
}

// Reset clears all state for the account. Called on successful login.
func (lo *Lockout) Reset(key string) {
	lo.mu.Lock()
	defer lo.mu.Unlock()
	delete(lo.keys, key)
}

// Run expires stale failure windows and served locks until ctx is cancelled.
func (lo *Lockout) Run(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lo.sweep()
		}
	}
}

func (lo *Lockout) sweep() {
	lo.mu.Lock()
	defer lo.mu.Unlock()

	now := lo.now()
	for key, e := range lo.keys {
		if !e.lockedAt.IsZero() {
			if now.After(e.lockedAt.Add(lo.cfg.Duration)) {
				delete(lo.keys, key)
			}
			continue
		}
		if e.failures = pruneBefore(e.failures, now.Add(-lo.cfg.Window)); len(e.failures) == 0 {
			delete(lo.keys, key)
		}
	}
}
