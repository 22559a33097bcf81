/**
 * @description
 * This package provides a JSON/HTTP client for the mobile-money aggregator
 * endpoints used by Orange Money, MTN MoMo and Moov Money. Each provider is
 * reached through its own base URL and API key; the request and response
 * envelopes are shared.
 *
 * @dependencies
 * - net/http, encoding/json: Standard Go libraries.
 */
package momoclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Currency is the only currency handled by the engine.
const Currency = "XOF"

// Client is a client for one provider's API.
type Client struct {
	Provider   string
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new provider API client.
func NewClient(provider, baseURL, apiKey string) *Client {
	return &Client{
		Provider: provider,
		BaseURL:  strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		APIKey:   strings.TrimSpace(apiKey),
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// HoldRequest reserves funds on the payer's wallet in favour of the custodian.
type HoldRequest struct {
	Reference string `json:"reference"`
	PayerID   string `json:"payer_id"`
	MSISDN    string `json:"msisdn"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
}

// TransferRequest moves funds between two wallets.
type TransferRequest struct {
	Reference  string `json:"reference"`
	FromParty  string `json:"from_party,omitempty"`
	FromMSISDN string `json:"from_msisdn"`
	ToParty    string `json:"to_party,omitempty"`
	ToMSISDN   string `json:"to_msisdn"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
}

// RefundRequest returns held or custodial funds to the payer.
type RefundRequest struct {
	Reference string `json:"reference"`
	PayerID   string `json:"payer_id"`
	MSISDN    string `json:"msisdn"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
}

// TransactionResponse is returned by every money endpoint and by status queries.
type TransactionResponse struct {
	TransactionID string `json:"transaction_id"`
	Reference     string `json:"reference"`
	Status        string `json:"status"`
	ErrorCode     string `json:"error_code,omitempty"`
	Message       string `json:"message,omitempty"`
}

// ErrorResponse represents an error body from the provider API.
type ErrorResponse struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *ErrorResponse) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("mobile money api error (status %d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("mobile money api error (status %d)", e.StatusCode)
}

// IsServerSide reports whether the provider failed on its side (5xx or throttled).
func (e *ErrorResponse) IsServerSide() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Hold asks the provider to block funds on the payer's wallet.
func (c *Client) Hold(ctx context.Context, req HoldRequest) (*TransactionResponse, error) {
	req.Currency = Currency
	return c.post(ctx, "hold", "/v1/collections/holds", req.Reference, req)
}

// Transfer asks the provider to move funds between wallets.
func (c *Client) Transfer(ctx context.Context, req TransferRequest) (*TransactionResponse, error) {
	req.Currency = Currency
	return c.post(ctx, "transfer", "/v1/transfers", req.Reference, req)
}

// Refund asks the provider to return funds to the payer.
func (c *Client) Refund(ctx context.Context, req RefundRequest) (*TransactionResponse, error) {
	req.Currency = Currency
	return c.post(ctx, "refund", "/v1/refunds", req.Reference, req)
}

// GetTransaction fetches the authoritative status of a provider transaction.
func (c *Client) GetTransaction(ctx context.Context, transactionID string) (*TransactionResponse, error) {
	endpoint := c.BaseURL + "/v1/transactions/" + url.PathEscape(transactionID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create status request: %w", err)
	}
	c.setHeaders(req, "")

	return c.do(req, "get_transaction")
}

// GetTransactionByReference fetches a transaction by the reference it was submitted with.
func (c *Client) GetTransactionByReference(ctx context.Context, reference string) (*TransactionResponse, error) {
	endpoint := c.BaseURL + "/v1/transactions?" + url.Values{"reference": {reference}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create status request: %w", err)
	}
	c.setHeaders(req, reference)

	return c.do(req, "get_transaction_by_reference")
}

// IsNotFound reports whether err is the provider saying it has no such transaction.
func IsNotFound(err error) bool {
	var apiErr *ErrorResponse
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

func (c *Client) post(ctx context.Context, op, path, reference string, payload interface{}) (*TransactionResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setHeaders(req, reference)

	return c.do(req, op)
}

func (c *Client) setHeaders(req *http.Request, reference string) {
	req.Header.Set("Accept", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	if reference != "" {
		req.Header.Set("X-Reference-Id", reference)
	}
}

func (c *Client) do(req *http.Request, op string) (*TransactionResponse, error) {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute %s request: %w", op, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := ErrorResponse{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=momo_client provider=%s op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", c.Provider, op, resp.StatusCode)
		} else {
			log.Printf("level=warn component=momo_client provider=%s op=%s status=%d code=%q message=%q", c.Provider, op, resp.StatusCode, errResp.Code, errResp.Message)
		}
		errResp.StatusCode = resp.StatusCode
		return nil, &errResp
	}

	var successResp TransactionResponse
	if err := json.Unmarshal(bodyBytes, &successResp); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return &successResp, nil
}
