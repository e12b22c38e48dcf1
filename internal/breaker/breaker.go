package breaker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"

	"payrail/internal/store"
)

type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// EventPublisher receives alert-worthy breaker transitions.
type EventPublisher interface {
	Publish(topic string, data []byte) error
}

type Config struct {
	Window              time.Duration
	MinSamples          int64
	FailureThreshold    float64
	OpenDuration        time.Duration
	MaxHalfOpenAttempts int64
	TrialTTL            time.Duration
}

func DefaultConfig() Config {
	return Config{
		Window:              15 * time.Minute,
		MinSamples:          10,
		FailureThreshold:    0.5,
		OpenDuration:        5 * time.Minute,
		MaxHalfOpenAttempts: 3,
		TrialTTL:            time.Minute,
	}
}

// CircuitBreaker tracks per-provider health in a shared store. Outcomes land in
// two scored series (success/failure) pruned to a sliding window; once enough
// samples exist a failure ratio at or above the threshold opens the breaker.
// Missing state reads as CLOSED: blocking is the unusual path, so the breaker
// fails open rather than locking out a provider on a lost key.
type CircuitBreaker struct {
	store store.Store
	cfg   Config
	bus   EventPublisher
	nowFn func() time.Time
}

func New(st store.Store, cfg Config, bus EventPublisher) *CircuitBreaker {
	return &CircuitBreaker{store: st, cfg: cfg, bus: bus, nowFn: time.Now}
}

type Decision struct {
	Allowed bool
	State   State
	Reason  string
}

type Stats struct {
	State       State      `json:"state"`
	Successes   int64      `json:"successes"`
	Failures    int64      `json:"failures"`
	FailureRate float64    `json:"failure_rate"`
	OpenedAt    *time.Time `json:"opened_at,omitempty"`
}

func (b *CircuitBreaker) successKey(provider string) string {
	return "breaker:" + provider + ":success"
}

func (b *CircuitBreaker) failureKey(provider string) string {
	return "breaker:" + provider + ":failure"
}

func (b *CircuitBreaker) stateKey(provider string) string {
	return "breaker:" + provider + ":state"
}

func (b *CircuitBreaker) openedAtKey(provider string) string {
	return "breaker:" + provider + ":opened_at"
}

func (b *CircuitBreaker) trialsKey(provider string) string {
	return "breaker:" + provider + ":trials"
}

// RecordOutcome appends the outcome to the provider's window and re-evaluates
// the failure ratio.
func (b *CircuitBreaker) RecordOutcome(ctx context.Context, provider string, success bool) error {
	now := b.nowFn()
	key := b.failureKey(provider)
	if success {
		key = b.successKey(provider)
	}
	if err := b.store.ZAdd(ctx, key, float64(now.UnixMilli()), uuid.NewString()); err != nil {
		return fmt.Errorf("breaker: record outcome: %w", err)
	}

	cutoff := float64(now.Add(-b.cfg.Window).UnixMilli())
	if err := b.store.ZRemRangeByScore(ctx, b.successKey(provider), 0, cutoff); err != nil {
		return fmt.Errorf("breaker: prune success window: %w", err)
	}
	if err := b.store.ZRemRangeByScore(ctx, b.failureKey(provider), 0, cutoff); err != nil {
		return fmt.Errorf("breaker: prune failure window: %w", err)
	}

	return b.evaluate(ctx, provider, now)
}

func (b *CircuitBreaker) evaluate(ctx context.Context, provider string, now time.Time) error {
	successes, err := b.store.ZCount(ctx, b.successKey(provider), 0, math.Inf(1))
	if err != nil {
		return err
	}
	failures, err := b.store.ZCount(ctx, b.failureKey(provider), 0, math.Inf(1))
	if err != nil {
		return err
	}

	total := successes + failures
	if total < b.cfg.MinSamples {
		// Too few samples to react to; noise must not trip the breaker.
		return nil
	}

	state, err := b.currentState(ctx, provider)
	if err != nil {
		return err
	}
	ratio := float64(failures) / float64(total)

	if ratio >= b.cfg.FailureThreshold {
		if state != StateOpen {
			return b.open(ctx, provider, now, ratio)
		}
		return nil
	}

	if state == StateHalfOpen {
		slog.Info("breaker: provider recovered, closing",
			"provider", provider, "failure_rate", ratio)
		return b.store.Del(ctx, b.stateKey(provider), b.openedAtKey(provider), b.trialsKey(provider))
	}
	return nil
}

func (b *CircuitBreaker) open(ctx context.Context, provider string, now time.Time, ratio float64) error {
	if err := b.store.Set(ctx, b.stateKey(provider), string(StateOpen), 0); err != nil {
		return err
	}
	if err := b.store.Set(ctx, b.openedAtKey(provider), strconv.FormatInt(now.Unix(), 10), 0); err != nil {
		return err
	}
	if err := b.store.Del(ctx, b.trialsKey(provider)); err != nil {
		return err
	}

	slog.Warn("breaker: opened for provider", "provider", provider, "failure_rate", ratio)
	if b.bus != nil {
		payload, _ := json.Marshal(map[string]interface{}{
			"provider":     provider,
			"failure_rate": ratio,
			"opened_at":    now.UTC(),
		})
		if err := b.bus.Publish("breaker.opened", payload); err != nil {
			slog.Error("breaker: failed to publish open alert", "provider", provider, "error", err)
		}
	}
	return nil
}

// CanProceed reports whether a call to the provider may go ahead right now.
func (b *CircuitBreaker) CanProceed(ctx context.Context, provider string) (Decision, error) {
	state, err := b.currentState(ctx, provider)
	if err != nil {
		return Decision{}, err
	}

	switch state {
	case StateClosed:
		return Decision{Allowed: true, State: StateClosed}, nil

	case StateOpen:
		openedAt, err := b.openedAt(ctx, provider)
		if err != nil {
			return Decision{}, err
		}
		if openedAt != nil && b.nowFn().Sub(*openedAt) < b.cfg.OpenDuration {
			return Decision{
				State:  StateOpen,
				Reason: "provider temporarily unavailable",
			}, nil
		}
		// Open period elapsed (or opened_at lost): start recovery testing.
		if err := b.store.Set(ctx, b.stateKey(provider), string(StateHalfOpen), 0); err != nil {
			return Decision{}, err
		}
		if err := b.store.Del(ctx, b.trialsKey(provider)); err != nil {
			return Decision{}, err
		}
		return b.tryHalfOpen(ctx, provider)

	case StateHalfOpen:
		return b.tryHalfOpen(ctx, provider)
	}
	return Decision{Allowed: true, State: StateClosed}, nil
}

func (b *CircuitBreaker) tryHalfOpen(ctx context.Context, provider string) (Decision, error) {
	trials, err := b.store.Incr(ctx, b.trialsKey(provider))
	if err != nil {
		return Decision{}, err
	}
	// Every trial refreshes the counter's TTL; the trial budget only resets
	// after a full quiet interval, not on a timer started at the first trial.
	if err := b.store.Expire(ctx, b.trialsKey(provider), b.cfg.TrialTTL); err != nil {
		return Decision{}, err
	}
	if trials <= b.cfg.MaxHalfOpenAttempts {
		return Decision{Allowed: true, State: StateHalfOpen}, nil
	}
	return Decision{
		State:  StateHalfOpen,
		Reason: "provider recovery testing in progress",
	}, nil
}

// ForceOpen trips the breaker manually, stamping opened_at so the usual
// open-duration recovery applies.
func (b *CircuitBreaker) ForceOpen(ctx context.Context, provider string) error {
	now := b.nowFn()
	if err := b.store.Set(ctx, b.stateKey(provider), string(StateOpen), 0); err != nil {
		return err
	}
	if err := b.store.Set(ctx, b.openedAtKey(provider), strconv.FormatInt(now.Unix(), 10), 0); err != nil {
		return err
	}
	slog.Warn("breaker: forced open", "provider", provider)
	return nil
}

// ForceClose resets the breaker to CLOSED and clears the outcome window.
func (b *CircuitBreaker) ForceClose(ctx context.Context, provider string) error {
	slog.Info("breaker: forced close", "provider", provider)
	return b.store.Del(ctx,
		b.stateKey(provider),
		b.openedAtKey(provider),
		b.trialsKey(provider),
		b.successKey(provider),
		b.failureKey(provider),
	)
}

func (b *CircuitBreaker) Stats(ctx context.Context, provider string) (Stats, error) {
	state, err := b.currentState(ctx, provider)
	if err != nil {
		return Stats{}, err
	}
	successes, err := b.store.ZCount(ctx, b.successKey(provider), 0, math.Inf(1))
	if err != nil {
		return Stats{}, err
	}
	failures, err := b.store.ZCount(ctx, b.failureKey(provider), 0, math.Inf(1))
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{State: state, Successes: successes, Failures: failures}
	if total := successes + failures; total > 0 {
		stats.FailureRate = float64(failures) / float64(total)
	}
	if openedAt, err := b.openedAt(ctx, provider); err == nil && openedAt != nil {
		stats.OpenedAt = openedAt
	}
	return stats, nil
}

func (b *CircuitBreaker) currentState(ctx context.Context, provider string) (State, error) {
	raw, err := b.store.Get(ctx, b.stateKey(provider))
	if err != nil {
		return StateClosed, err
	}
	switch State(raw) {
	case StateOpen:
		return StateOpen, nil
	case StateHalfOpen:
		return StateHalfOpen, nil
	}
	return StateClosed, nil
}

func (b *CircuitBreaker) openedAt(ctx context.Context, provider string) (*time.Time, error) {
	raw, err := b.store.Get(ctx, b.openedAtKey(provider))
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}
	unix, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, nil
	}
	t := time.Unix(unix, 0).UTC()
	return &t, nil
}
