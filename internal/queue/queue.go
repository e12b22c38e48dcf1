package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"payrail/internal/store"
)

// Handler processes one dequeued job payload.
type Handler func(ctx context.Context, payload []byte) error

type envelope struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// Queue is a delayed job queue on a scored set in the shared store: the score
// is the job's ready-time, workers atomically pop members whose score has
// passed. Any instance can enqueue; one worker group drains.
type Queue struct {
	store        store.Store
	name         string
	pollInterval time.Duration
	nowFn        func() time.Time
}

func New(st store.Store, name string) *Queue {
	return &Queue{
		store:        st,
		name:         name,
		pollInterval: time.Second,
		nowFn:        time.Now,
	}
}

func (q *Queue) key() string {
	return "queue:" + q.name
}

// Enqueue schedules payload to become due after delay.
func (q *Queue) Enqueue(ctx context.Context, payload interface{}, delay time.Duration) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("queue: marshal payload: %w", err)
	}
	member, err := json.Marshal(envelope{ID: uuid.NewString(), Payload: raw})
	if err != nil {
		return fmt.Errorf("queue: marshal envelope: %w", err)
	}
	readyAt := q.nowFn().Add(delay)
	if err := q.store.ZAdd(ctx, q.key(), float64(readyAt.UnixMilli()), string(member)); err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	return nil
}

// Process drains due jobs until ctx is cancelled, running at most concurrency
// handlers at once. Handler errors are logged, not returned: retry policy
// belongs to the handler (it re-enqueues itself if it wants another go).
func (q *Queue) Process(ctx context.Context, handler Handler, concurrency int) error {
	g := new(errgroup.Group)
	g.SetLimit(concurrency)

	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	slog.Info("queue: worker started", "queue", q.name, "concurrency", concurrency)

	for {
		select {
		case <-ctx.Done():
			slog.Info("queue: worker draining", "queue", q.name)
			return g.Wait()
		case <-ticker.C:
			now := q.nowFn()
			members, err := q.store.ZPopByScore(ctx, q.key(), float64(now.UnixMilli()), int64(concurrency))
			if err != nil {
				slog.Error("queue: failed to pop due jobs", "queue", q.name, "error", err)
				continue
			}
			for _, m := range members {
				member := m
				g.Go(func() error {
					var env envelope
					if err := json.Unmarshal([]byte(member), &env); err != nil {
						slog.Error("queue: dropping malformed job", "queue", q.name, "error", err)
						return nil
					}
					if err := handler(ctx, env.Payload); err != nil {
						slog.Error("queue: job handler failed",
							"queue", q.name, "job_id", env.ID, "error", err)
					}
					return nil
				})
			}
		}
	}
}
