package nats

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"

	"payrail/internal/model"
)

// WithdrawalService is the orchestrator surface the command handler needs.
type WithdrawalService interface {
	Withdraw(ctx context.Context, req model.WithdrawalRequest) (*model.WalletEntry, error)
}

// Handler subscribes to NATS command topics and delegates to the withdrawal
// service. Commands are fire-and-forget: outcomes surface as withdrawals.*
// events, never as replies.
type Handler struct {
	svc  WithdrawalService
	nc   *nats.Conn
	subs []*nats.Subscription
}

func NewHandler(svc WithdrawalService, nc *nats.Conn) *Handler {
	return &Handler{svc: svc, nc: nc}
}

// Start subscribes to command topics and blocks until ctx is cancelled (graceful shutdown).
func (h *Handler) Start(ctx context.Context) error {
	sub, err := h.nc.QueueSubscribe("commands.withdraw", "payrail_group", func(m *nats.Msg) {
		h.handleWithdraw(ctx, m.Data)
	})
	if err != nil {
		return err
	}
	h.subs = append(h.subs, sub)

	slog.Info("NATS command handler is running")

	// Block until context is cancelled.
	<-ctx.Done()
	slog.Info("NATS command handler shutting down, draining subscriptions...")

	for _, s := range h.subs {
		_ = s.Drain()
	}
	return nil
}

func (h *Handler) Stop(ctx context.Context) error {
	for _, s := range h.subs {
		_ = s.Unsubscribe()
	}
	return nil
}

func (h *Handler) handleWithdraw(ctx context.Context, data []byte) {
	var req model.WithdrawalRequest
	if err := json.Unmarshal(data, &req); err != nil {
		slog.Error("nats: failed to unmarshal withdraw command", "error", err)
		return
	}
	if req.UserID == "" || req.Amount <= 0 || req.IdempotencyKey == "" {
		slog.Error("nats: withdraw command missing required fields", "user_id", req.UserID)
		return
	}
	if _, err := h.svc.Withdraw(ctx, req); err != nil {
		slog.Error("nats: withdraw failed", "error", err, "user_id", req.UserID)
	}
}
