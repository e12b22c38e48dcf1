package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"payrail/internal/store"
)

// ErrNotAcquired means the lock stayed contended through the whole retry
// budget. Callers fail closed: no partial state exists past this point.
var ErrNotAcquired = errors.New("lock: could not acquire lease")

type Config struct {
	TTL     time.Duration
	Retries uint64
	Backoff time.Duration
}

func DefaultConfig() Config {
	return Config{
		TTL:     30 * time.Second,
		Retries: 5,
		Backoff: 500 * time.Millisecond,
	}
}

// Locker hands out lease-based locks in the shared store: a random token under
// a TTL key, released only by the holder via compare-and-delete.
type Locker struct {
	store store.Store
	cfg   Config
}

func New(st store.Store, cfg Config) *Locker {
	return &Locker{store: st, cfg: cfg}
}

type Lease struct {
	locker *Locker
	key    string
	token  string
}

func (l *Locker) key(name string) string {
	return "lock:" + name
}

// Acquire takes the lease, retrying on contention with constant backoff.
func (l *Locker) Acquire(ctx context.Context, name string) (*Lease, error) {
	token := uuid.NewString()
	key := l.key(name)

	backoff := retry.WithMaxRetries(l.cfg.Retries, retry.NewConstant(l.cfg.Backoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		ok, err := l.store.SetNX(ctx, key, token, l.cfg.TTL)
		if err != nil {
			return retry.RetryableError(err)
		}
		if !ok {
			return retry.RetryableError(ErrNotAcquired)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotAcquired) {
			return nil, ErrNotAcquired
		}
		return nil, fmt.Errorf("lock: acquire %s: %w", name, err)
	}
	return &Lease{locker: l, key: key, token: token}, nil
}

// Release frees the lease if this holder still owns it. Losing the lease to
// TTL expiry is logged, not an error: the work already happened.
func (le *Lease) Release(ctx context.Context) error {
	ok, err := le.locker.store.CompareAndDelete(ctx, le.key, le.token)
	if err != nil {
		return fmt.Errorf("lock: release %s: %w", le.key, err)
	}
	if !ok {
		slog.Warn("lock: lease expired before release", "key", le.key)
	}
	return nil
}

// WithLock runs fn while holding the named lease and guarantees release on
// every exit path. Release uses a detached context so a cancelled request
// still frees the lease.
func (l *Locker) WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	lease, err := l.Acquire(ctx, name)
	if err != nil {
		return err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			slog.Error("lock: release failed", "key", lease.key, "error", err)
		}
	}()
	return fn(ctx)
}
