package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"payrail/internal/breaker"
	"payrail/internal/guard"
	"payrail/internal/model"
	"payrail/internal/repository"
	"payrail/internal/service"
)

// WithdrawalService is the orchestrator surface the API exposes.
type WithdrawalService interface {
	Withdraw(ctx context.Context, req model.WithdrawalRequest) (*model.WalletEntry, error)
	Get(ctx context.Context, transactionID string) (*model.Transaction, *model.WalletEntry, error)
}

// BreakerAdmin is the operator surface for per-provider circuit state.
type BreakerAdmin interface {
	Stats(ctx context.Context, provider string) (breaker.Stats, error)
	ForceOpen(ctx context.Context, provider string) error
	ForceClose(ctx context.Context, provider string) error
}

type Handler struct {
	svc      WithdrawalService
	breakers BreakerAdmin
}

func NewHandler(svc WithdrawalService, breakers BreakerAdmin) *Handler {
	return &Handler{svc: svc, breakers: breakers}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("POST /withdrawals", h.Withdraw)
	mux.HandleFunc("GET /withdrawals/{id}", h.GetWithdrawal)
	mux.HandleFunc("GET /breakers/{provider}", h.BreakerStats)
	mux.HandleFunc("POST /breakers/{provider}/open", h.BreakerOpen)
	mux.HandleFunc("POST /breakers/{provider}/close", h.BreakerClose)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req model.WithdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	// Header takes precedence over the body field.
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}
	if req.UserID == "" || req.Amount <= 0 || req.IdempotencyKey == "" {
		h.respondError(w, http.StatusBadRequest, "user_id, amount and idempotency key are required")
		return
	}

	entry, err := h.svc.Withdraw(r.Context(), req)
	if err != nil {
		h.respondError(w, statusFor(err), err.Error())
		return
	}
	// PENDING means accepted but not yet settled.
	status := http.StatusOK
	if entry.Status == model.StatusPending {
		status = http.StatusAccepted
	}
	h.respondJSON(w, status, entry)
}

func (h *Handler) GetWithdrawal(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	txn, entry, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, statusFor(err), err.Error())
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"transaction": txn,
		"entry":       entry,
	})
}

func (h *Handler) BreakerStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.breakers.Stats(r.Context(), r.PathValue("provider"))
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.respondJSON(w, http.StatusOK, stats)
}

func (h *Handler) BreakerOpen(w http.ResponseWriter, r *http.Request) {
	if err := h.breakers.ForceOpen(r.Context(), r.PathValue("provider")); err != nil {
		h.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"state": string(breaker.StateOpen)})
}

func (h *Handler) BreakerClose(w http.ResponseWriter, r *http.Request) {
	if err := h.breakers.ForceClose(r.Context(), r.PathValue("provider")); err != nil {
		h.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"state": string(breaker.StateClosed)})
}

// statusFor maps orchestration errors onto HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrAmountOutOfRange),
		errors.Is(err, service.ErrBankAccountInvalid):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrIdempotencyMismatch),
		errors.Is(err, service.ErrFailedAttemptReplay),
		errors.Is(err, guard.ErrConcurrentWithdrawal):
		return http.StatusConflict
	case errors.Is(err, guard.ErrDailyLimitReached):
		return http.StatusTooManyRequests
	case errors.Is(err, repository.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, repository.ErrWalletNotFound),
		errors.Is(err, repository.ErrTransactionNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, service.ErrTransferFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
