package model

import "time"

type TransactionStatus string

const (
	StatusInitiated TransactionStatus = "INITIATED"
	StatusPending   TransactionStatus = "PENDING"
	StatusCompleted TransactionStatus = "COMPLETED"
	StatusFailed    TransactionStatus = "FAILED"
	StatusReview    TransactionStatus = "REVIEW"
)

// Transaction is the immutable ledger intent record for one withdrawal attempt.
// Amount is in signed integer minor units (a withdrawal carries a negative amount).
type Transaction struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id"`
	Amount         int64             `json:"amount"`
	Currency       string            `json:"currency"`
	Status         TransactionStatus `json:"status"`
	Reference      string            `json:"reference"`
	IdempotencyKey string            `json:"idempotency_key"`
	FailureReason  string            `json:"failure_reason,omitempty"`
	InitiatedAt    time.Time         `json:"initiated_at"`
	ProcessedAt    *time.Time        `json:"processed_at,omitempty"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	FailedAt       *time.Time        `json:"failed_at,omitempty"`
}

// WalletEntry is the user-facing accounting leg tied 1:1 to a Transaction.
// While the transaction is INITIATED/PENDING, BalanceAfter reflects the reserved
// state of the wallet, not the provider-confirmed one.
type WalletEntry struct {
	TransactionID string            `json:"transaction_id"`
	WalletID      string            `json:"wallet_id"`
	UserID        string            `json:"user_id"`
	Amount        int64             `json:"amount"`
	Currency      string            `json:"currency"`
	Status        TransactionStatus `json:"status"`
	BalanceBefore int64             `json:"balance_before"`
	BalanceAfter  int64             `json:"balance_after"`
	Provider      string            `json:"provider"`
	ProviderRef   string            `json:"provider_ref,omitempty"`
	BankCode      string            `json:"bank_code"`
	AccountNumber string            `json:"account_number"`
	AccountName   string            `json:"account_name"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

type Wallet struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	Currency string `json:"currency"`
	Balance  int64  `json:"balance"`
}

type WithdrawalRequest struct {
	UserID         string `json:"user_id"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	BankCode       string `json:"bank_code"`
	AccountNumber  string `json:"account_number"`
	AccountName    string `json:"account_name"`
	Narration      string `json:"narration,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
}

// WithdrawalEvent is published on the bus at every lifecycle transition.
type WithdrawalEvent struct {
	TransactionID string            `json:"transaction_id"`
	UserID        string            `json:"user_id"`
	Amount        int64             `json:"amount"`
	Currency      string            `json:"currency"`
	Status        TransactionStatus `json:"status"`
	Reference     string            `json:"reference"`
	Provider      string            `json:"provider"`
	Reason        string            `json:"reason,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// StatusPollJob is the payload queued for asynchronous status reconciliation.
type StatusPollJob struct {
	TransactionID string `json:"transaction_id"`
	UserID        string `json:"user_id"`
	Reference     string `json:"reference"`
	Provider      string `json:"provider"`
	Attempt       int    `json:"attempt"`
}
