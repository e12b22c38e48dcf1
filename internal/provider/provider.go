package provider

import "context"

type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
	StatusPending Status = "PENDING"
)

type TransferRequest struct {
	Reference     string `json:"reference"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	BankCode      string `json:"bank_code"`
	AccountNumber string `json:"account_number"`
	AccountName   string `json:"account_name"`
	Narration     string `json:"narration,omitempty"`
}

type TransferResult struct {
	ProviderRef string `json:"provider_ref"`
}

type StatusResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

type BalanceResult struct {
	HasSufficientBalance bool  `json:"has_sufficient_balance"`
	AvailableBalance     int64 `json:"available_balance"`
}

// Provider is the settlement provider the orchestrator moves money through.
type Provider interface {
	Name() string
	TransferToExternalAccount(ctx context.Context, req TransferRequest) (*TransferResult, error)
	GetTransactionStatus(ctx context.Context, reference string) (*StatusResult, error)
	CheckLedgerBalance(ctx context.Context, account string, amount int64, currency string) (*BalanceResult, error)
}
