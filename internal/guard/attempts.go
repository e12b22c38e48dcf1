package guard

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"payrail/internal/store"
)

// AttemptLimiter throttles withdrawal attempts per user per UTC calendar day,
// independent of monetary limits. The counter key expires at the next UTC
// midnight; the TTL is set when the counter is created and never renewed, so
// the limit is strictly per calendar day.
type AttemptLimiter struct {
	store store.Store
	nowFn func() time.Time
}

func NewAttemptLimiter(st store.Store) *AttemptLimiter {
	return &AttemptLimiter{store: st, nowFn: time.Now}
}

func (l *AttemptLimiter) key(userID string) string {
	return "withdrawal:attempts:" + userID
}

// Increment bumps the user's daily counter and returns the new count.
func (l *AttemptLimiter) Increment(ctx context.Context, userID string) (int64, error) {
	key := l.key(userID)
	count, err := l.store.Incr(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("limiter: increment attempts: %w", err)
	}
	if count == 1 {
		if err := l.store.ExpireAt(ctx, key, nextUTCMidnight(l.nowFn())); err != nil {
			return 0, fmt.Errorf("limiter: set counter expiry: %w", err)
		}
	}
	return count, nil
}

// CheckLimit fails once the user has already made max attempts today.
func (l *AttemptLimiter) CheckLimit(ctx context.Context, userID string, max int64) error {
	count, err := l.Attempts(ctx, userID)
	if err != nil {
		return err
	}
	if count >= max {
		return ErrDailyLimitReached
	}
	return nil
}

func (l *AttemptLimiter) Attempts(ctx context.Context, userID string) (int64, error) {
	raw, err := l.store.Get(ctx, l.key(userID))
	if err != nil {
		return 0, fmt.Errorf("limiter: read attempts: %w", err)
	}
	if raw == "" {
		return 0, nil
	}
	count, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("limiter: corrupt counter value %q: %w", raw, err)
	}
	return count, nil
}

func (l *AttemptLimiter) Reset(ctx context.Context, userID string) error {
	return l.store.Del(ctx, l.key(userID))
}

func nextUTCMidnight(now time.Time) time.Time {
	utc := now.UTC()
	return time.Date(utc.Year(), utc.Month(), utc.Day()+1, 0, 0, 0, 0, time.UTC)
}
