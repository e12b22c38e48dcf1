package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"payrail/internal/model"
)

type TransactionRepo struct {
	db *pgxpool.Pool
}

func NewTransactionRepo(db *pgxpool.Pool) *TransactionRepo {
	return &TransactionRepo{db: db}
}

// CreateWithEntry inserts the transaction and its wallet entry in one
// database transaction so a half-created withdrawal can never be observed.
func (r *TransactionRepo) CreateWithEntry(ctx context.Context, txn *model.Transaction, entry *model.WalletEntry) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO transactions
			(id, user_id, amount, currency, status, reference, idempotency_key, initiated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		txn.ID, txn.UserID, txn.Amount, txn.Currency, txn.Status,
		txn.Reference, txn.IdempotencyKey, txn.InitiatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert transaction: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO wallet_entries
			(transaction_id, wallet_id, user_id, amount, currency, status,
			 balance_before, balance_after, provider, bank_code, account_number,
			 account_name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)`,
		entry.TransactionID, entry.WalletID, entry.UserID, entry.Amount,
		entry.Currency, entry.Status, entry.BalanceBefore, entry.BalanceAfter,
		entry.Provider, entry.BankCode, entry.AccountNumber, entry.AccountName,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert wallet entry: %w", err)
	}

	return tx.Commit(ctx)
}

func (r *TransactionRepo) FindByID(ctx context.Context, id string) (*model.Transaction, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, user_id, amount, currency, status, reference, idempotency_key,
		       COALESCE(failure_reason, ''), initiated_at, processed_at, completed_at, failed_at
		FROM transactions WHERE id = $1`, id)

	var txn model.Transaction
	err := row.Scan(&txn.ID, &txn.UserID, &txn.Amount, &txn.Currency, &txn.Status,
		&txn.Reference, &txn.IdempotencyKey, &txn.FailureReason,
		&txn.InitiatedAt, &txn.ProcessedAt, &txn.CompletedAt, &txn.FailedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find transaction: %w", err)
	}
	return &txn, nil
}

// FindEntryByIdempotencyKey returns (nil, nil) when no prior attempt exists.
func (r *TransactionRepo) FindEntryByIdempotencyKey(ctx context.Context, userID, key string) (*model.WalletEntry, error) {
	row := r.db.QueryRow(ctx, `
		SELECT e.transaction_id, e.wallet_id, e.user_id, e.amount, e.currency,
		       e.status, e.balance_before, e.balance_after, e.provider,
		       COALESCE(e.provider_ref, ''), e.bank_code, e.account_number,
		       e.account_name, e.created_at, e.updated_at
		FROM wallet_entries e
		JOIN transactions t ON t.id = e.transaction_id
		WHERE t.user_id = $1 AND t.idempotency_key = $2`, userID, key)

	entry, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return entry, err
}

func (r *TransactionRepo) FindEntryByTransactionID(ctx context.Context, transactionID string) (*model.WalletEntry, error) {
	row := r.db.QueryRow(ctx, `
		SELECT transaction_id, wallet_id, user_id, amount, currency, status,
		       balance_before, balance_after, provider, COALESCE(provider_ref, ''),
		       bank_code, account_number, account_name, created_at, updated_at
		FROM wallet_entries WHERE transaction_id = $1`, transactionID)

	entry, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return entry, err
}

func scanEntry(row pgx.Row) (*model.WalletEntry, error) {
	var entry model.WalletEntry
	err := row.Scan(&entry.TransactionID, &entry.WalletID, &entry.UserID,
		&entry.Amount, &entry.Currency, &entry.Status, &entry.BalanceBefore,
		&entry.BalanceAfter, &entry.Provider, &entry.ProviderRef,
		&entry.BankCode, &entry.AccountNumber, &entry.AccountName,
		&entry.CreatedAt, &entry.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// MarkStatus moves the transaction and its wallet entry to status together,
// stamping the matching timestamp column.
func (r *TransactionRepo) MarkStatus(ctx context.Context, id string, status model.TransactionStatus, reason string) error {
	now := time.Now().UTC()

	var column string
	switch status {
	case model.StatusPending:
		column = "processed_at"
	case model.StatusCompleted:
		column = "completed_at"
	case model.StatusFailed, model.StatusReview:
		column = "failed_at"
	}

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `UPDATE transactions SET status = $2, failure_reason = NULLIF($3, '') WHERE id = $1`
	if column != "" {
		query = fmt.Sprintf(
			`UPDATE transactions SET status = $2, failure_reason = NULLIF($3, ''), %s = $4 WHERE id = $1`,
			column)
	}
	var tag pgconn.CommandTag
	if column != "" {
		tag, err = tx.Exec(ctx, query, id, status, reason, now)
	} else {
		tag, err = tx.Exec(ctx, query, id, status, reason)
	}
	if err != nil {
		return fmt.Errorf("update transaction status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}

	_, err = tx.Exec(ctx,
		`UPDATE wallet_entries SET status = $2, updated_at = $3 WHERE transaction_id = $1`,
		id, status, now)
	if err != nil {
		return fmt.Errorf("update wallet entry status: %w", err)
	}

	return tx.Commit(ctx)
}

// SetProviderRef records the provider-side reference on the wallet entry once
// the transfer call has been accepted.
func (r *TransactionRepo) SetProviderRef(ctx context.Context, transactionID, providerRef string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE wallet_entries SET provider_ref = $2, updated_at = now() WHERE transaction_id = $1`,
		transactionID, providerRef)
	if err != nil {
		return fmt.Errorf("set provider ref: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}
