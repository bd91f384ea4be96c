package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/vaultsync/vaultsync/internal/config"
)

// MemoryStore is the ephemeral backend for deployments of many short-lived
// instances with no shared infrastructure. Each instance counts only its own
// traffic, so the limit is best-effort across the fleet.
//
// Capability gap: ConsumedPoints always reports 0 because a per-instance
// count says nothing about the identifier's global attempt history, so the
// login flow applies no progressive delay on this backend.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

type memoryEntry struct {
	count        int
	windowReset  time.Time
	blockedUntil time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
	}
}

func (s *MemoryStore) Consume(_ context.Context, op LimitType, cfg config.LimitConfig, identifier string) (Result, error) {
	now := time.Now()
	key := counterKey(op, identifier)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || (now.After(e.windowReset) && now.After(e.blockedUntil)) {
		e = &memoryEntry{windowReset: now.Add(cfg.Window)}
		s.entries[key] = e
	}

	if now.Before(e.blockedUntil) {
		return Result{
			Allowed:    false,
			Limit:      cfg.MaxAttempts,
			Remaining:  0,
			RetryAfter: e.blockedUntil.Sub(now),
			ResetAt:    e.blockedUntil,
		}, nil
	}

	e.count++
	if e.count > cfg.MaxAttempts {
		retryAfter := e.windowReset.Sub(now)
		resetAt := e.windowReset
		if cfg.Block > 0 {
			e.blockedUntil = now.Add(cfg.Block)
			retryAfter = cfg.Block
			resetAt = e.blockedUntil
		}
		return Result{
			Allowed:    false,
			Limit:      cfg.MaxAttempts,
			Remaining:  0,
			RetryAfter: retryAfter,
			ResetAt:    resetAt,
		}, nil
	}

	return Result{
		Allowed:   true,
		Limit:     cfg.MaxAttempts,
		Remaining: cfg.MaxAttempts - e.count,
		ResetAt:   e.windowReset,
	}, nil
}

func (s *MemoryStore) ConsumedPoints(_ context.Context, _ LimitType, _ string) (int, error) {
	return 0, nil
}

// PurgeExpired drops entries whose window and block have both lapsed. Called
// periodically so an instance that lives longer than expected does not grow
// without bound.
func (s *MemoryStore) PurgeExpired() int {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for key, e := range s.entries {
		if now.After(e.windowReset) && now.After(e.blockedUntil) {
			delete(s.entries, key)
			purged++
		}
	}
	return purged
}
