package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"payrail/internal/model"
	"payrail/internal/provider"
	"payrail/internal/queue"
)

const (
	// QueueName is the delayed queue the poller drains.
	QueueName = "withdrawal-status"

	maxPollAttempts = 10
	maxPollDelay    = 20 * time.Minute
	pollConcurrency = 5

	reviewReason = "max polling attempts reached"
)

type TransactionReader interface {
	FindByID(ctx context.Context, id string) (*model.Transaction, error)
}

// Resolver is the orchestrator's terminal-state surface: the poller never
// mutates ledger or escrow state itself.
type Resolver interface {
	FinalizeCompleted(ctx context.Context, transactionID string) error
	FinalizeFailed(ctx context.Context, transactionID, reason string) error
	EscalateReview(ctx context.Context, transactionID, reason string) error
}

type StatusChecker interface {
	GetTransactionStatus(ctx context.Context, reference string) (*provider.StatusResult, error)
}

// StatusPoller re-resolves withdrawals whose provider outcome was ambiguous.
// Polls back off linearly (attempt × 1 min, capped at 20 min); a withdrawal
// still unresolved after the attempt budget goes to manual review.
type StatusPoller struct {
	queue        *queue.Queue
	transactions TransactionReader
	provider     StatusChecker
	resolver     Resolver
}

func NewStatusPoller(q *queue.Queue, transactions TransactionReader, p StatusChecker, r Resolver) *StatusPoller {
	return &StatusPoller{
		queue:        q,
		transactions: transactions,
		provider:     p,
		resolver:     r,
	}
}

func pollDelay(attempt int) time.Duration {
	d := time.Duration(attempt) * time.Minute
	if d > maxPollDelay {
		d = maxPollDelay
	}
	return d
}

// QueueStatusPoll schedules a status check. Implements the orchestrator's
// Poller port.
func (w *StatusPoller) QueueStatusPoll(ctx context.Context, job model.StatusPollJob) error {
	if job.Attempt < 1 {
		job.Attempt = 1
	}
	slog.Info("queueing status poll",
		"transaction_id", job.TransactionID, "attempt", job.Attempt, "delay", pollDelay(job.Attempt))
	return w.queue.Enqueue(ctx, job, pollDelay(job.Attempt))
}

// Start drains the poll queue until ctx is cancelled. Implements the
// infrastructure.Server interface.
func (w *StatusPoller) Start(ctx context.Context) error {
	return w.queue.Process(ctx, w.handle, pollConcurrency)
}

// Stop implements the infrastructure.Server interface (shutdown is via ctx).
func (w *StatusPoller) Stop(ctx context.Context) error {
	return nil
}

func (w *StatusPoller) handle(ctx context.Context, payload []byte) error {
	var job model.StatusPollJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("poller: malformed job: %w", err)
	}
	return w.process(ctx, job)
}

func (w *StatusPoller) process(ctx context.Context, job model.StatusPollJob) error {
	txn, err := w.transactions.FindByID(ctx, job.TransactionID)
	if err != nil {
		return w.retryOrEscalate(ctx, job, err)
	}
	if txn.Status != model.StatusPending {
		// Already resolved by another path.
		slog.Info("status poll skipped, transaction no longer pending",
			"transaction_id", job.TransactionID, "status", txn.Status)
		return nil
	}

	status, err := w.provider.GetTransactionStatus(ctx, job.Reference)
	if err != nil {
		return w.retryOrEscalate(ctx, job, err)
	}

	switch status.Status {
	case provider.StatusSuccess:
		if err := w.resolver.FinalizeCompleted(ctx, job.TransactionID); err != nil {
			return w.retryOrEscalate(ctx, job, err)
		}
		return nil

	case provider.StatusFailed:
		if err := w.resolver.FinalizeFailed(ctx, job.TransactionID, status.Message); err != nil {
			return w.retryOrEscalate(ctx, job, err)
		}
		return nil

	default:
		if job.Attempt >= maxPollAttempts {
			return w.resolver.EscalateReview(ctx, job.TransactionID, reviewReason)
		}
		job.Attempt++
		return w.QueueStatusPoll(ctx, job)
	}
}

// retryOrEscalate handles errors in the polling machinery itself. Exhaustion
// escalates to review exactly like the still-pending case: an unresolved
// transaction must never just fall off the radar.
func (w *StatusPoller) retryOrEscalate(ctx context.Context, job model.StatusPollJob, cause error) error {
	if job.Attempt >= maxPollAttempts {
		slog.Error("status poll exhausted with infrastructure error",
			"transaction_id", job.TransactionID, "attempt", job.Attempt, "error", cause)
		return w.resolver.EscalateReview(ctx, job.TransactionID, reviewReason)
	}
	slog.Warn("status poll failed, requeueing",
		"transaction_id", job.TransactionID, "attempt", job.Attempt, "error", cause)
	job.Attempt++
	return w.QueueStatusPoll(ctx, job)
}
