/**
 * @description
 * This package provides a client for the external payment processor used to pay
 * creators out. It covers transfers (created with a caller-supplied idempotency key),
 * transfer lookup by that key for reconciliation, and connected-account retrieval
 * for payout destination checks. Requests are paced with a token bucket so bursts
 * of settlement work never exceed the processor's published request rate.
 *
 * @dependencies
 * - golang.org/x/time/rate: Client-side request pacing.
 */
package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Transfer statuses reported by the processor.
const (
	TransferStatusPending   = "pending"
	TransferStatusPaid      = "paid"
	TransferStatusFailed    = "failed"
	TransferStatusCancelled = "canceled"
)

// ErrTransferNotFound is returned by FindTransferByIdempotencyKey when no transfer exists.
var ErrTransferNotFound = errors.New("processor transfer not found")

// Client is a client for the processor API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewClient creates a processor client. ratePerSecond <= 0 disables pacing.
func NewClient(baseURL, apiKey string, ratePerSecond float64, logger *slog.Logger) *Client {
	limit := rate.Inf
	burst := 0
	if ratePerSecond > 0 {
		limit = rate.Limit(ratePerSecond)
		burst = int(ratePerSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &Client{
		BaseURL: strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
}

// TransferRequest is the input to CreateTransfer.
type TransferRequest struct {
	Amount         int64             `json:"amount"`
	Currency       string            `json:"currency"`
	Destination    string            `json:"destination"`
	Description    string            `json:"description,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	IdempotencyKey string            `json:"-"`
}

// Transfer is a processor transfer record.
type Transfer struct {
	ID             string            `json:"id"`
	Status         string            `json:"status"`
	Amount         int64             `json:"amount"`
	Currency       string            `json:"currency"`
	Destination    string            `json:"destination"`
	IdempotencyKey string            `json:"idempotency_key"`
	FailureCode    string            `json:"failure_code,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Failed reports whether the processor declared the transfer failed.
func (t *Transfer) Failed() bool {
	return t.Status == TransferStatusFailed || t.Status == TransferStatusCancelled
}

// Paid reports whether funds have moved. Any other status that is not Failed is
// still in flight.
func (t *Transfer) Paid() bool {
	return t.Status == TransferStatusPaid
}

// Account is a connected payout account.
type Account struct {
	ID               string `json:"id"`
	PayoutsEnabled   bool   `json:"payouts_enabled"`
	DetailsSubmitted bool   `json:"details_submitted"`
}

// Verified reports whether the account can receive payouts.
func (a *Account) Verified() bool {
	return a.PayoutsEnabled && a.DetailsSubmitted
}

type transferList struct {
	Data []Transfer `json:"data"`
}

// CreateTransfer moves amount to destination. The idempotency key must stay the same
// for every attempt of the same logical payout.
func (c *Client) CreateTransfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return nil, errors.New("processor transfer requires an idempotency key")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transfer request: %w", err)
	}

	var transfer Transfer
	if err := c.do(ctx, "create_transfer", http.MethodPost, "/v1/transfers", body, req.IdempotencyKey, &transfer); err != nil {
		return nil, err
	}
	return &transfer, nil
}

// FindTransferByIdempotencyKey returns the transfer created with key, if any.
func (c *Client) FindTransferByIdempotencyKey(ctx context.Context, key string) (*Transfer, error) {
	path := "/v1/transfers?idempotency_key=" + url.QueryEscape(key)
	var list transferList
	if err := c.do(ctx, "find_transfer", http.MethodGet, path, nil, "", &list); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}
	if len(list.Data) == 0 {
		return nil, ErrTransferNotFound
	}
	return &list.Data[0], nil
}

// RetrieveAccount fetches a connected account.
func (c *Client) RetrieveAccount(ctx context.Context, accountID string) (*Account, error) {
	var account Account
	if err := c.do(ctx, "retrieve_account", http.MethodGet, "/v1/accounts/"+url.PathEscape(accountID), nil, "", &account); err != nil {
		return nil, err
	}
	return &account, nil
}

// do is the shared request helper.
func (c *Client) do(ctx context.Context, op, method, path string, payload []byte, idempotencyKey string, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &TransportError{Op: op, Err: err}
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Op: op, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := newAPIError(resp.StatusCode, resp.Header.Get("Retry-After"), bodyBytes)
		c.logger.Warn("processor returned non-2xx response",
			"component", "processor_client",
			"op", op,
			"status", resp.StatusCode,
			"code", apiErr.Code,
			"message", apiErr.Message,
		)
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}
