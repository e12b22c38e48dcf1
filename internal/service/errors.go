package service

import "errors"

var (
	ErrAmountOutOfRange    = errors.New("withdrawal amount outside allowed limits")
	ErrFailedAttemptReplay = errors.New("previous attempt with this idempotency key failed, retry with a new key")
	ErrIdempotencyMismatch = errors.New("idempotency key reused with a different payload")
	ErrBankAccountInvalid  = errors.New("bank account could not be verified")
	ErrServiceUnavailable  = errors.New("withdrawal service temporarily unavailable")
	ErrTransferFailed      = errors.New("withdrawal failed at provider")
	ErrOrchestrationFailed = errors.New("withdrawal could not be processed")
)
