package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client talks JSON over HTTP to the settlement provider's API. The request
// timeout bounds every call; a timeout surfaces as a net error and lands in
// the ambiguous category, never as a silent hang.
type Client struct {
	name    string
	baseURL string
	secret  string
	http    *http.Client
}

func NewClient(name, baseURL, secret string, timeout time.Duration) *Client {
	return &Client{
		name:    name,
		baseURL: baseURL,
		secret:  secret,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) Name() string {
	return c.name
}

func (c *Client) TransferToExternalAccount(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	var result TransferResult
	if err := c.do(ctx, http.MethodPost, "/transfers", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) GetTransactionStatus(ctx context.Context, reference string) (*StatusResult, error) {
	var result StatusResult
	path := "/transfers/" + url.PathEscape(reference) + "/status"
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) CheckLedgerBalance(ctx context.Context, account string, amount int64, currency string) (*BalanceResult, error) {
	var payload struct {
		AvailableBalance int64 `json:"available_balance"`
	}
	path := fmt.Sprintf("/balance?account=%s&currency=%s",
		url.QueryEscape(account), url.QueryEscape(currency))
	if err := c.do(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return nil, err
	}
	return &BalanceResult{
		HasSufficientBalance: payload.AvailableBalance >= amount,
		AvailableBalance:     payload.AvailableBalance,
	}, nil
}

// ResolveAccount verifies destination bank details, returning the registered
// account name.
func (c *Client) ResolveAccount(ctx context.Context, bankCode, accountNumber string) (string, error) {
	var payload struct {
		AccountName string `json:"account_name"`
	}
	path := fmt.Sprintf("/banks/resolve?bank_code=%s&account_number=%s",
		url.QueryEscape(bankCode), url.QueryEscape(accountNumber))
	if err := c.do(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return "", err
	}
	return payload.AccountName, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("provider: marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("provider: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("provider: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Message string `json:"message"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if err := json.Unmarshal(raw, &apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = string(raw)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: apiErr.Message}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("provider: decode response: %w", err)
	}
	return nil
}
