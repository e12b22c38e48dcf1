package service

import (
	"context"

	"payrail/internal/model"
)

// TransactionStore persists ledger intent records and their wallet entries.
// Multi-row writes are all-or-nothing.
type TransactionStore interface {
	CreateWithEntry(ctx context.Context, txn *model.Transaction, entry *model.WalletEntry) error
	FindByID(ctx context.Context, id string) (*model.Transaction, error)
	FindEntryByIdempotencyKey(ctx context.Context, userID, key string) (*model.WalletEntry, error)
	FindEntryByTransactionID(ctx context.Context, transactionID string) (*model.WalletEntry, error)
	MarkStatus(ctx context.Context, id string, status model.TransactionStatus, reason string) error
	SetProviderRef(ctx context.Context, transactionID, providerRef string) error
}

// WalletStore owns balances and the escrow ledger keyed by transaction id.
type WalletStore interface {
	GetByUser(ctx context.Context, userID, currency string) (*model.Wallet, error)
	ReserveEscrow(ctx context.Context, transactionID, walletID string, amount int64) error
	ReleaseEscrow(ctx context.Context, transactionID string) error
	SettleEscrow(ctx context.Context, transactionID string) error
	EscrowAmount(ctx context.Context, transactionID string) (int64, error)
}

// AccountVerifier checks destination bank details before any money moves.
type AccountVerifier interface {
	ResolveAccount(ctx context.Context, bankCode, accountNumber string) (string, error)
}

// Notifier fans lifecycle events out to users and operators. All methods are
// best-effort: a lost notification never changes the saga outcome.
type Notifier interface {
	WithdrawalInitiated(ctx context.Context, entry *model.WalletEntry)
	WithdrawalCompleted(ctx context.Context, entry *model.WalletEntry)
	WithdrawalFailed(ctx context.Context, entry *model.WalletEntry, reason string)
	WithdrawalInReview(ctx context.Context, entry *model.WalletEntry, reason string)
	PlatformFailure(ctx context.Context, stage string, err error)
}

// Poller schedules asynchronous status reconciliation for ambiguous outcomes.
type Poller interface {
	QueueStatusPoll(ctx context.Context, job model.StatusPollJob) error
}
