package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"payrail/internal/store"
)

var (
	ErrConcurrentWithdrawal = errors.New("another withdrawal is already in progress")
	ErrDailyLimitReached    = errors.New("daily withdrawal attempt limit reached")
)

const sessionTTL = 5 * time.Minute

// ConcurrencyGuard tracks which withdrawals a user has in flight. It is a
// liveness guard, not a correctness lock: the TTL lets a crashed worker's
// stale session self-heal instead of locking the user out, and actual mutual
// exclusion for balance mutation comes from the lease lock.
type ConcurrencyGuard struct {
	store store.Store
}

func NewConcurrencyGuard(st store.Store) *ConcurrencyGuard {
	return &ConcurrencyGuard{store: st}
}

func (g *ConcurrencyGuard) key(userID string) string {
	return "withdrawal:sessions:" + userID
}

// StartSession registers the transaction as in flight and refreshes the TTL.
func (g *ConcurrencyGuard) StartSession(ctx context.Context, userID, transactionID string) error {
	key := g.key(userID)
	if err := g.store.SAdd(ctx, key, transactionID); err != nil {
		return fmt.Errorf("guard: start session: %w", err)
	}
	if err := g.store.Expire(ctx, key, sessionTTL); err != nil {
		return fmt.Errorf("guard: refresh session ttl: %w", err)
	}
	return nil
}

// EndSession removes the transaction from the active set. The set itself is
// deleted once empty so no orphaned keys linger.
func (g *ConcurrencyGuard) EndSession(ctx context.Context, userID, transactionID string) error {
	key := g.key(userID)
	if err := g.store.SRem(ctx, key, transactionID); err != nil {
		return fmt.Errorf("guard: end session: %w", err)
	}
	n, err := g.store.SCard(ctx, key)
	if err != nil {
		return fmt.Errorf("guard: count sessions: %w", err)
	}
	if n == 0 {
		return g.store.Del(ctx, key)
	}
	return nil
}

// CheckAndBlockConcurrent fails if the user already has any withdrawal in flight.
func (g *ConcurrencyGuard) CheckAndBlockConcurrent(ctx context.Context, userID string) error {
	active, err := g.HasActiveSession(ctx, userID)
	if err != nil {
		return err
	}
	if active {
		return ErrConcurrentWithdrawal
	}
	return nil
}

func (g *ConcurrencyGuard) HasActiveSession(ctx context.Context, userID string) (bool, error) {
	n, err := g.store.SCard(ctx, g.key(userID))
	if err != nil {
		return false, fmt.Errorf("guard: check sessions: %w", err)
	}
	return n > 0, nil
}

func (g *ConcurrencyGuard) ClearAllSessions(ctx context.Context, userID string) error {
	return g.store.Del(ctx, g.key(userID))
}
