package store

import (
	"context"
	"time"
)

// Store is the narrow set of atomic primitives shared state lives behind:
// counters, TTL keys, scored windows and session sets. Breaker state, sessions
// and attempt counters are plain keyed records here so that every orchestrator
// instance sees the same state.
type Store interface {
	Incr(ctx context.Context, key string) (int64, error)
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	ExpireAt(ctx context.Context, key string, at time.Time) error

	// CompareAndDelete removes key only if it still holds value. Used for
	// lease-lock release so a lock holder cannot free a lease it lost.
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error
	ZCount(ctx context.Context, key string, min, max float64) (int64, error)
	// ZPopByScore atomically removes and returns up to limit members with
	// score <= max, lowest score first.
	ZPopByScore(ctx context.Context, key string, max float64, limit int64) ([]string, error)

	SAdd(ctx context.Context, key, member string) error
	SRem(ctx context.Context, key, member string) error
	SCard(ctx context.Context, key string) (int64, error)
	SMembers(ctx context.Context, key string) ([]string, error)
}
