package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorCategory splits provider failures by what they imply about the
// transfer's fate. The boundary decides whether escrow may be reverted, so it
// lives here as one auditable predicate instead of scattered conditionals.
type ErrorCategory int

const (
	// CategoryAmbiguous: the transfer may have been accepted despite the
	// error. Never revert; defer to status polling.
	CategoryAmbiguous ErrorCategory = iota
	// CategoryValidation: the call provably never reached the provider's
	// execution path. Safe to revert immediately.
	CategoryValidation
)

// APIError is a provider rejection carrying the upstream HTTP status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider rejected request (%d): %s", e.StatusCode, e.Message)
}

// Messages that mark a pre-execution rejection regardless of status code.
var validationPatterns = []string{
	"insufficient balance",
	"insufficient funds",
	"account not found",
	"could not be resolved",
	"invalid account",
	"invalid bank code",
	"invalid amount",
	"below minimum",
}

// Classify decides whether err is safe to revert on. Anything not provably a
// pre-execution rejection is ambiguous.
func Classify(err error) ErrorCategory {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
		return CategoryValidation
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range validationPatterns {
		if strings.Contains(msg, pattern) {
			return CategoryValidation
		}
	}
	return CategoryAmbiguous
}

// IsNetwork reports timeouts and transport-level failures, the cases where the
// request may or may not have arrived at all.
func IsNetwork(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
