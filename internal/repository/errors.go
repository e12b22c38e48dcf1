package repository

import "errors"

var (
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrEscrowNotFound      = errors.New("escrow reservation not found")
	ErrDuplicateKey        = errors.New("idempotency key already used")
)
