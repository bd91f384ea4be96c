// Package ratelimit enforces per-operation request budgets.
//
// Counters are keyed by (operation, identifier) so no two operation types
// ever share a bucket. Two backends implement the same Store contract: a
// Redis-backed fixed-window counter for long-running shared deployments, and
// a per-instance in-memory counter for environments with no shared store.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/vaultsync/vaultsync/internal/config"
)

type LimitType string

const (
	LimitLogin     LimitType = "login"
	LimitRegister  LimitType = "register"
	LimitRefresh   LimitType = "refresh"
	LimitSyncRead  LimitType = "sync_read"
	LimitSyncWrite LimitType = "sync_write"
	LimitLogout    LimitType = "logout"
)

// ErrBackendUnavailable wraps backend failures; rejections are reported
// through Result, not as errors.
var ErrBackendUnavailable = errors.New("rate limit backend unavailable")

// Result reports one consume decision plus the header material the caller
// must surface (X-RateLimit-* and Retry-After).
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

type Store interface {
	// Consume spends one point from the (op, identifier) bucket. A rejection
	// is reported in Result, not as an error; errors mean the backend itself
	// failed.
	Consume(ctx context.Context, op LimitType, cfg config.LimitConfig, identifier string) (Result, error)

	// ConsumedPoints reports how many points the identifier has already spent
	// in the current window. Backends that cannot answer return 0, which
	// disables progressive delay.
	ConsumedPoints(ctx context.Context, op LimitType, identifier string) (int, error)
}
