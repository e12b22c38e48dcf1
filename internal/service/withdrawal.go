package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"payrail/internal/breaker"
	"payrail/internal/guard"
	"payrail/internal/lock"
	"payrail/internal/model"
	"payrail/internal/provider"
	"payrail/internal/repository"
)

// Limits are the tier limits applied before any side effect.
type Limits struct {
	MinWithdrawal    int64
	MaxWithdrawal    int64
	MaxDailyAttempts int64
}

// Withdrawals orchestrates the withdrawal saga: reserve into escrow, call the
// provider, classify the outcome, and bring every transaction to a terminal,
// auditable state. Ambiguous provider failures are never reverted; they are
// handed to the status poller.
type Withdrawals struct {
	transactions TransactionStore
	wallets      WalletStore
	provider     provider.Provider
	verifier     AccountVerifier
	notifier     Notifier
	poller       Poller
	breaker      *breaker.CircuitBreaker
	guard        *guard.ConcurrencyGuard
	limiter      *guard.AttemptLimiter
	locker       *lock.Locker

	limits        Limits
	sourceAccount string
	nowFn         func() time.Time
}

type Deps struct {
	Transactions TransactionStore
	Wallets      WalletStore
	Provider     provider.Provider
	Verifier     AccountVerifier
	Notifier     Notifier
	Poller       Poller
	Breaker      *breaker.CircuitBreaker
	Guard        *guard.ConcurrencyGuard
	Limiter      *guard.AttemptLimiter
	Locker       *lock.Locker

	Limits        Limits
	SourceAccount string
}

func NewWithdrawals(d Deps) *Withdrawals {
	return &Withdrawals{
		transactions:  d.Transactions,
		wallets:       d.Wallets,
		provider:      d.Provider,
		verifier:      d.Verifier,
		notifier:      d.Notifier,
		poller:        d.Poller,
		breaker:       d.Breaker,
		guard:         d.Guard,
		limiter:       d.Limiter,
		locker:        d.Locker,
		limits:        d.Limits,
		sourceAccount: d.SourceAccount,
		nowFn:         time.Now,
	}
}

// SetPoller breaks the construction cycle between the orchestrator and the
// status poller: the poller needs the orchestrator's finalize methods, the
// orchestrator needs the poller's queue.
func (s *Withdrawals) SetPoller(p Poller) {
	s.poller = p
}

// Withdraw runs the full saga for one withdrawal request. A PENDING return is
// not an error: the transfer was accepted and its outcome will be confirmed
// asynchronously.
func (s *Withdrawals) Withdraw(ctx context.Context, req model.WithdrawalRequest) (*model.WalletEntry, error) {
	// Idempotency replay: a prior attempt under the same key is returned
	// unchanged, except a FAILED one, which needs a fresh key (resuming a
	// failed attempt under the same key is ambiguous).
	existing, err := s.transactions.FindEntryByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}
	if existing != nil {
		if existing.Status == model.StatusFailed {
			return nil, ErrFailedAttemptReplay
		}
		if existing.Amount != -req.Amount ||
			existing.BankCode != req.BankCode ||
			existing.AccountNumber != req.AccountNumber {
			return nil, ErrIdempotencyMismatch
		}
		slog.Info("idempotent replay", "user_id", req.UserID,
			"transaction_id", existing.TransactionID, "status", existing.Status)
		return existing, nil
	}

	// Pre-checks: everything here fails before any side effect.
	if req.Amount < s.limits.MinWithdrawal || req.Amount > s.limits.MaxWithdrawal {
		return nil, ErrAmountOutOfRange
	}
	wallet, err := s.wallets.GetByUser(ctx, req.UserID, req.Currency)
	if err != nil {
		return nil, err
	}
	if wallet.Balance < req.Amount {
		return nil, repository.ErrInsufficientBalance
	}
	resolvedName, err := s.verifier.ResolveAccount(ctx, req.BankCode, req.AccountNumber)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBankAccountInvalid, err)
	}
	if req.AccountName == "" {
		req.AccountName = resolvedName
	}
	if err := s.limiter.CheckLimit(ctx, req.UserID, s.limits.MaxDailyAttempts); err != nil {
		return nil, err
	}
	if _, err := s.limiter.Increment(ctx, req.UserID); err != nil {
		return nil, err
	}

	// Concurrency gate: reject before taking the lock at all.
	if err := s.guard.CheckAndBlockConcurrent(ctx, req.UserID); err != nil {
		return nil, err
	}

	lockName := fmt.Sprintf("withdraw:%s:%s:%s", req.UserID, wallet.ID, req.IdempotencyKey)
	var entry *model.WalletEntry
	err = s.locker.WithLock(ctx, lockName, func(ctx context.Context) error {
		var runErr error
		entry, runErr = s.run(ctx, wallet, req)
		return runErr
	})
	if errors.Is(err, lock.ErrNotAcquired) {
		return nil, ErrServiceUnavailable
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// run is steps 5-14 of the saga, executed under the lease lock.
func (s *Withdrawals) run(ctx context.Context, wallet *model.Wallet, req model.WithdrawalRequest) (*model.WalletEntry, error) {
	now := s.nowFn().UTC()
	txID := uuid.NewString()

	txn := &model.Transaction{
		ID:             txID,
		UserID:         req.UserID,
		Amount:         -req.Amount,
		Currency:       req.Currency,
		Status:         model.StatusInitiated,
		Reference:      "wd_" + uuid.NewString(),
		IdempotencyKey: req.IdempotencyKey,
		InitiatedAt:    now,
	}
	entry := &model.WalletEntry{
		TransactionID: txID,
		WalletID:      wallet.ID,
		UserID:        req.UserID,
		Amount:        -req.Amount,
		Currency:      req.Currency,
		Status:        model.StatusInitiated,
		BalanceBefore: wallet.Balance,
		BalanceAfter:  wallet.Balance - req.Amount,
		Provider:      s.provider.Name(),
		BankCode:      req.BankCode,
		AccountNumber: req.AccountNumber,
		AccountName:   req.AccountName,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.transactions.CreateWithEntry(ctx, txn, entry); err != nil {
		if errors.Is(err, repository.ErrDuplicateKey) {
			// Lost a same-key race past the replay lookup: the other request's
			// records already exist, so this is a replay after all.
			prior, lookupErr := s.transactions.FindEntryByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey)
			if lookupErr == nil && prior != nil {
				if prior.Status == model.StatusFailed {
					return nil, ErrFailedAttemptReplay
				}
				slog.Info("idempotent replay after create race", "user_id", req.UserID,
					"transaction_id", prior.TransactionID, "status", prior.Status)
				return prior, nil
			}
		}
		return nil, fmt.Errorf("create ledger records: %w", err)
	}

	if err := s.guard.StartSession(ctx, req.UserID, txID); err != nil {
		s.failAndRevert(ctx, txn, entry, "could not register withdrawal session")
		return nil, fmt.Errorf("start session: %w", err)
	}
	// Guaranteed cleanup: the session ends on every exit path, successful or
	// not, so a user is never stuck behind their own finished withdrawal.
	defer func() {
		if err := s.guard.EndSession(context.WithoutCancel(ctx), req.UserID, txID); err != nil {
			slog.Error("failed to end withdrawal session",
				"user_id", req.UserID, "transaction_id", txID, "error", err)
		}
	}()

	result, err := s.execute(ctx, txn, entry, req)
	if err != nil {
		if s.catchUnhandled(ctx, txn, entry, err) {
			return nil, fmt.Errorf("%w: %v", ErrOrchestrationFailed, err)
		}
		return nil, err
	}
	return result, nil
}

// execute is the side-effecting core: float check, escrow reservation,
// provider call, outcome classification. Every failure path below either
// terminates the transaction itself or defers to polling.
func (s *Withdrawals) execute(ctx context.Context, txn *model.Transaction, entry *model.WalletEntry, req model.WithdrawalRequest) (*model.WalletEntry, error) {
	providerName := s.provider.Name()

	// Provider-side float check. Nothing is reserved yet, so a shortfall here
	// fails the withdrawal outright with a retryable message.
	bal, err := s.provider.CheckLedgerBalance(ctx, s.sourceAccount, req.Amount, req.Currency)
	if err != nil {
		s.fail(ctx, txn, entry, "provider balance check failed")
		return nil, fmt.Errorf("%w: provider balance check: %v", ErrServiceUnavailable, err)
	}
	if !bal.HasSufficientBalance {
		slog.Error("provider float below requested amount",
			"provider", providerName, "available", bal.AvailableBalance, "requested", req.Amount)
		s.fail(ctx, txn, entry, "provider liquidity shortfall")
		return nil, ErrServiceUnavailable
	}

	// Reserve: debit the wallet into escrow. From here on every failure path
	// has a compensating release.
	if err := s.wallets.ReserveEscrow(ctx, txn.ID, entry.WalletID, req.Amount); err != nil {
		s.fail(ctx, txn, entry, "balance reservation failed")
		if errors.Is(err, repository.ErrInsufficientBalance) {
			return nil, repository.ErrInsufficientBalance
		}
		return nil, fmt.Errorf("reserve escrow: %w", err)
	}

	s.notifier.WithdrawalInitiated(ctx, entry)

	if err := s.transactions.MarkStatus(ctx, txn.ID, model.StatusPending, ""); err != nil {
		s.failAndRevert(ctx, txn, entry, "could not mark transaction pending")
		return nil, fmt.Errorf("mark pending: %w", err)
	}
	txn.Status = model.StatusPending
	entry.Status = model.StatusPending

	decision, err := s.breaker.CanProceed(ctx, providerName)
	if err != nil {
		s.failAndRevert(ctx, txn, entry, "breaker check failed")
		return nil, fmt.Errorf("breaker check: %w", err)
	}
	if !decision.Allowed {
		s.failAndRevert(ctx, txn, entry, decision.Reason)
		return nil, fmt.Errorf("%w: %s", ErrServiceUnavailable, decision.Reason)
	}

	res, err := s.provider.TransferToExternalAccount(ctx, provider.TransferRequest{
		Reference:     txn.Reference,
		Amount:        req.Amount,
		Currency:      req.Currency,
		BankCode:      req.BankCode,
		AccountNumber: req.AccountNumber,
		AccountName:   req.AccountName,
		Narration:     req.Narration,
	})
	if err != nil {
		if provider.Classify(err) == provider.CategoryValidation {
			// Provably never executed: safe to revert.
			s.recordOutcome(ctx, providerName, false)
			s.failAndRevert(ctx, txn, entry, err.Error())
			return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
		// Unknown outcome: the transfer may have gone through. No revert, no
		// breaker failure; the poller will find out.
		slog.Warn("ambiguous provider failure, deferring to status poll",
			"transaction_id", txn.ID, "provider", providerName, "error", err)
		s.queuePoll(ctx, txn, entry)
		return entry, nil
	}
	if res.ProviderRef != "" {
		if err := s.transactions.SetProviderRef(ctx, txn.ID, res.ProviderRef); err != nil {
			slog.Error("failed to store provider ref",
				"transaction_id", txn.ID, "provider_ref", res.ProviderRef, "error", err)
		}
		entry.ProviderRef = res.ProviderRef
	}

	status, err := s.provider.GetTransactionStatus(ctx, txn.Reference)
	if err != nil {
		if provider.IsNetwork(err) {
			s.queuePoll(ctx, txn, entry)
			return entry, nil
		}
		s.recordOutcome(ctx, providerName, false)
		s.failAndRevert(ctx, txn, entry, err.Error())
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	switch status.Status {
	case provider.StatusFailed:
		s.recordOutcome(ctx, providerName, false)
		s.failAndRevert(ctx, txn, entry, status.Message)
		return nil, fmt.Errorf("%w: %s", ErrTransferFailed, status.Message)

	case provider.StatusSuccess:
		s.recordOutcome(ctx, providerName, true)
		if err := s.complete(ctx, txn, entry); err != nil {
			return nil, err
		}
		return entry, nil

	default:
		// The call itself succeeded; settlement is merely slow.
		s.recordOutcome(ctx, providerName, true)
		s.queuePoll(ctx, txn, entry)
		return entry, nil
	}
}

// FinalizeCompleted resolves a pending transaction as settled: completed
// records, escrow zeroed without refund, breaker success, notifications.
func (s *Withdrawals) FinalizeCompleted(ctx context.Context, transactionID string) error {
	txn, err := s.transactions.FindByID(ctx, transactionID)
	if err != nil {
		return err
	}
	entry, err := s.transactions.FindEntryByTransactionID(ctx, transactionID)
	if err != nil {
		return err
	}
	s.recordOutcome(ctx, entry.Provider, true)
	return s.complete(ctx, txn, entry)
}

// FinalizeFailed resolves a pending transaction as failed: breaker failure,
// terminal FAILED records, escrow reverted to the wallet.
func (s *Withdrawals) FinalizeFailed(ctx context.Context, transactionID, reason string) error {
	txn, err := s.transactions.FindByID(ctx, transactionID)
	if err != nil {
		return err
	}
	entry, err := s.transactions.FindEntryByTransactionID(ctx, transactionID)
	if err != nil {
		return err
	}
	s.recordOutcome(ctx, entry.Provider, false)
	s.failAndRevert(ctx, txn, entry, reason)
	return nil
}

// EscalateReview parks a transaction for manual resolution: money is neither
// confirmed moved nor reverted, so escrow stays untouched.
func (s *Withdrawals) EscalateReview(ctx context.Context, transactionID, reason string) error {
	entry, err := s.transactions.FindEntryByTransactionID(ctx, transactionID)
	if err != nil {
		return err
	}
	if err := s.transactions.MarkStatus(ctx, transactionID, model.StatusReview, reason); err != nil {
		return err
	}
	entry.Status = model.StatusReview
	slog.Warn("withdrawal escalated to manual review",
		"transaction_id", transactionID, "reason", reason)
	s.notifier.WithdrawalInReview(ctx, entry, reason)
	return nil
}

// Get returns a transaction with its wallet entry for status observation.
func (s *Withdrawals) Get(ctx context.Context, transactionID string) (*model.Transaction, *model.WalletEntry, error) {
	txn, err := s.transactions.FindByID(ctx, transactionID)
	if err != nil {
		return nil, nil, err
	}
	entry, err := s.transactions.FindEntryByTransactionID(ctx, transactionID)
	if err != nil {
		return nil, nil, err
	}
	return txn, entry, nil
}

func (s *Withdrawals) complete(ctx context.Context, txn *model.Transaction, entry *model.WalletEntry) error {
	if err := s.transactions.MarkStatus(ctx, txn.ID, model.StatusCompleted, ""); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	if err := s.wallets.SettleEscrow(ctx, txn.ID); err != nil {
		return fmt.Errorf("settle escrow: %w", err)
	}
	txn.Status = model.StatusCompleted
	entry.Status = model.StatusCompleted
	slog.Info("withdrawal completed",
		"transaction_id", txn.ID, "user_id", txn.UserID, "amount", txn.Amount)
	s.notifier.WithdrawalCompleted(ctx, entry)
	return nil
}

// fail marks the transaction FAILED without touching escrow (used before any
// reservation exists).
func (s *Withdrawals) fail(ctx context.Context, txn *model.Transaction, entry *model.WalletEntry, reason string) {
	ctx = context.WithoutCancel(ctx)
	if err := s.transactions.MarkStatus(ctx, txn.ID, model.StatusFailed, reason); err != nil {
		slog.Error("failed to mark transaction failed",
			"transaction_id", txn.ID, "error", err)
	}
	txn.Status = model.StatusFailed
	entry.Status = model.StatusFailed
	s.notifier.WithdrawalFailed(ctx, entry, reason)
}

// failAndRevert is the compensating action paired with every post-reservation
// failure: terminal FAILED records plus an idempotent escrow release.
func (s *Withdrawals) failAndRevert(ctx context.Context, txn *model.Transaction, entry *model.WalletEntry, reason string) {
	ctx = context.WithoutCancel(ctx)
	s.fail(ctx, txn, entry, reason)
	if err := s.wallets.ReleaseEscrow(ctx, txn.ID); err != nil && !errors.Is(err, repository.ErrEscrowNotFound) {
		slog.Error("escrow revert failed",
			"transaction_id", txn.ID, "error", err)
	}
}

func (s *Withdrawals) queuePoll(ctx context.Context, txn *model.Transaction, entry *model.WalletEntry) {
	job := model.StatusPollJob{
		TransactionID: txn.ID,
		UserID:        txn.UserID,
		Reference:     txn.Reference,
		Provider:      entry.Provider,
		Attempt:       1,
	}
	if err := s.poller.QueueStatusPoll(context.WithoutCancel(ctx), job); err != nil {
		slog.Error("failed to queue status poll",
			"transaction_id", txn.ID, "error", err)
	}
}

func (s *Withdrawals) recordOutcome(ctx context.Context, providerName string, success bool) {
	if err := s.breaker.RecordOutcome(context.WithoutCancel(ctx), providerName, success); err != nil {
		slog.Error("failed to record breaker outcome",
			"provider", providerName, "success", success, "error", err)
	}
}

// catchUnhandled is the last-resort path: if execute failed without bringing
// the transaction to a terminal state, force it there and revert. Returns
// true when it had to step in, so the caller surfaces a generic failure.
func (s *Withdrawals) catchUnhandled(ctx context.Context, txn *model.Transaction, entry *model.WalletEntry, cause error) bool {
	ctx = context.WithoutCancel(ctx)
	current, err := s.transactions.FindByID(ctx, txn.ID)
	if err != nil {
		slog.Error("could not re-check transaction after failure",
			"transaction_id", txn.ID, "error", err)
		return false
	}
	switch current.Status {
	case model.StatusCompleted, model.StatusFailed, model.StatusReview:
		return false
	}
	slog.Error("unhandled orchestration failure",
		"transaction_id", txn.ID, "error", cause)
	s.notifier.PlatformFailure(ctx, "withdrawal_orchestration", cause)
	s.failAndRevert(ctx, txn, entry, cause.Error())
	return true
}
