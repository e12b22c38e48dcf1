package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"payrail/internal/model"
)

type WalletRepo struct {
	db *pgxpool.Pool
}

func NewWalletRepo(db *pgxpool.Pool) *WalletRepo {
	return &WalletRepo{db: db}
}

func (r *WalletRepo) GetByUser(ctx context.Context, userID, currency string) (*model.Wallet, error) {
	row := r.db.QueryRow(ctx,
		`SELECT id, user_id, currency, balance FROM wallets WHERE user_id = $1 AND currency = $2`,
		userID, currency)

	var w model.Wallet
	err := row.Scan(&w.ID, &w.UserID, &w.Currency, &w.Balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load wallet: %w", err)
	}
	return &w, nil
}

// ReserveEscrow atomically debits the wallet and records the reservation.
// The conditional debit is the real balance check: a concurrent spend that
// drained the wallet between the fast-fail check and here is caught by the
// WHERE clause, not by a stale read.
func (r *WalletRepo) ReserveEscrow(ctx context.Context, transactionID, walletID string, amount int64) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE wallets SET balance = balance - $2 WHERE id = $1 AND balance >= $2`,
		walletID, amount)
	if err != nil {
		return fmt.Errorf("debit wallet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientBalance
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO escrow_reservations (transaction_id, wallet_id, amount, created_at)
		VALUES ($1, $2, $3, $4)`,
		transactionID, walletID, amount, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert escrow reservation: %w", err)
	}

	return tx.Commit(ctx)
}

// ReleaseEscrow moves the reserved amount back to the wallet. Releasing a
// reservation that is already zero is a no-op; the release happens exactly
// once no matter how many revert paths fire.
func (r *WalletRepo) ReleaseEscrow(ctx context.Context, transactionID string) error {
	return r.closeReservation(ctx, transactionID, true)
}

// SettleEscrow zeroes the reservation without refunding the wallet: the money
// left through the provider.
func (r *WalletRepo) SettleEscrow(ctx context.Context, transactionID string) error {
	return r.closeReservation(ctx, transactionID, false)
}

func (r *WalletRepo) closeReservation(ctx context.Context, transactionID string, refund bool) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var amount int64
	var walletID string
	err = tx.QueryRow(ctx, `
		SELECT amount, wallet_id FROM escrow_reservations
		WHERE transaction_id = $1 FOR UPDATE`, transactionID).Scan(&amount, &walletID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrEscrowNotFound
	}
	if err != nil {
		return fmt.Errorf("lock escrow reservation: %w", err)
	}

	if amount == 0 {
		slog.Info("escrow already released, skipping", "transaction_id", transactionID)
		return tx.Commit(ctx)
	}

	if refund {
		_, err = tx.Exec(ctx,
			`UPDATE wallets SET balance = balance + $2 WHERE id = $1`,
			walletID, amount)
		if err != nil {
			return fmt.Errorf("refund wallet: %w", err)
		}
	}

	_, err = tx.Exec(ctx, `
		UPDATE escrow_reservations SET amount = 0, released_at = $2
		WHERE transaction_id = $1`, transactionID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("close escrow reservation: %w", err)
	}

	return tx.Commit(ctx)
}

// EscrowAmount returns 0 for a missing reservation.
func (r *WalletRepo) EscrowAmount(ctx context.Context, transactionID string) (int64, error) {
	var amount int64
	err := r.db.QueryRow(ctx,
		`SELECT amount FROM escrow_reservations WHERE transaction_id = $1`,
		transactionID).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read escrow amount: %w", err)
	}
	return amount, nil
}
