package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/vaultsync/vaultsync/internal/config"
)

// RedisStore is the durable backend: fixed-window counters shared by every
// instance pointed at the same Redis. INCR carries the atomicity, so
// concurrent consumers of one identifier can neither lose an increment nor
// sneak past the limit.
type RedisStore struct {
	client redis.UniversalClient
	logger *logrus.Logger
}

func NewRedisStore(client redis.UniversalClient, logger *logrus.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		logger: logger,
	}
}

func counterKey(op LimitType, identifier string) string {
	return "rl:" + string(op) + ":" + identifier
}

func blockKey(op LimitType, identifier string) string {
	return "rlb:" + string(op) + ":" + identifier
}

func (s *RedisStore) Consume(ctx context.Context, op LimitType, cfg config.LimitConfig, identifier string) (Result, error) {
	// An active block rejects before touching the counter.
	blockTTL, err := s.client.PTTL(ctx, blockKey(op, identifier)).Result()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if blockTTL > 0 {
		return Result{
			Allowed:    false,
			Limit:      cfg.MaxAttempts,
			Remaining:  0,
			RetryAfter: blockTTL,
			ResetAt:    time.Now().Add(blockTTL),
		}, nil
	}

	key := counterKey(op, identifier)
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	if count == 1 {
		if err := s.client.Expire(ctx, key, cfg.Window).Err(); err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
	}

	windowTTL, err := s.client.PTTL(ctx, key).Result()
	if err != nil || windowTTL < 0 {
		windowTTL = cfg.Window
	}
	resetAt := time.Now().Add(windowTTL)

	if count > int64(cfg.MaxAttempts) {
		retryAfter := windowTTL
		if cfg.Block > 0 {
			// First rejection in the window arms the block; SetNX keeps a
			// racing rejection from extending it.
			if err := s.client.SetNX(ctx, blockKey(op, identifier), "1", cfg.Block).Err(); err != nil {
				s.logger.WithError(err).WithField("op", op).Warn("Failed to arm rate limit block")
			} else {
				retryAfter = cfg.Block
				resetAt = time.Now().Add(cfg.Block)
			}
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
		Remaining: cfg.MaxAttempts - int(count),
		ResetAt:   resetAt,
	}, nil
}

func (s *RedisStore) ConsumedPoints(ctx context.Context, op LimitType, identifier string) (int, error) {
	count, err := s.client.Get(ctx, counterKey(op, identifier)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return int(count), nil
}
