// Package bridge is a minimal client for the Bridge payment rail.
package bridge

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	SandboxBaseURL    = "https://api.sandbox.bridge.xyz/v1"
	ProductionBaseURL = "https://api.bridge.xyz/v1"
)

// Transfer is the rail's transfer resource.
type Transfer struct {
	ID                  string  `json:"id"`
	Status              string  `json:"status"`
	Amount              float64 `json:"amount"`
	Currency            string  `json:"currency"`
	SourceWalletID      string  `json:"source_wallet_id"`
	DestinationWalletID string  `json:"destination_wallet_id"`
	CreatedAt           string  `json:"created_at"`
}

// TransferRequest describes a transfer to create. IdempotencyKey makes
// retried submissions safe; callers key it by their own transaction id.
type TransferRequest struct {
	SourceWalletID      string
	DestinationWalletID string
	Amount              float64
	Currency            string
	IdempotencyKey      string
}

type Customer struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Status string `json:"status"`
}

type Wallet struct {
	ID         string  `json:"id"`
	CustomerID string  `json:"customer_id"`
	Currency   string  `json:"currency"`
	Balance    float64 `json:"balance"`
}

// Transferrer is the slice of the rail API the consensus engine needs.
type Transferrer interface {
	CreateTransfer(ctx context.Context, req TransferRequest) (Transfer, error)
}

// APIError wraps non-2xx rail responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bridge api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
}

// Client talks to the Bridge REST API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client for the given environment ("sandbox" or "production").
func New(environment, apiKey string) *Client {
	base := SandboxBaseURL
	if environment == "production" {
		base = ProductionBaseURL
	}
	return &Client{
		BaseURL: base,
		APIKey:  apiKey,
		Timeout: 30 * time.Second,
	}
}

// CreateTransfer submits a transfer. The idempotency key is forwarded so the
// rail deduplicates retries of the same logical transfer.
func (c *Client) CreateTransfer(ctx context.Context, req TransferRequest) (Transfer, error) {
	body := map[string]any{
		"source_wallet_id":      req.SourceWalletID,
		"destination_wallet_id": req.DestinationWalletID,
		"amount":                req.Amount,
		"currency":              req.Currency,
	}
	headers := map[string]string{}
	if req.IdempotencyKey != "" {
		headers["Idempotency-Key"] = req.IdempotencyKey
	}
	var resp Transfer
	err := c.do(ctx, http.MethodPost, "transfers", headers, body, &resp)
	return resp, err
}

// GetTransfer fetches a transfer by id.
func (c *Client) GetTransfer(ctx context.Context, id string) (Transfer, error) {
	var resp Transfer
	err := c.do(ctx, http.MethodGet, "transfers/"+url.PathEscape(id), nil, nil, &resp)
	return resp, err
}

// CreateCustomer registers a customer on the rail.
func (c *Client) CreateCustomer(ctx context.Context, name, email string) (Customer, error) {
	var resp Customer
	err := c.do(ctx, http.MethodPost, "customers", nil, map[string]any{"name": name, "email": email}, &resp)
	return resp, err
}

// CreateWallet provisions a wallet for a customer.
func (c *Client) CreateWallet(ctx context.Context, customerID, currency string) (Wallet, error) {
	var resp Wallet
	err := c.do(ctx, http.MethodPost, "wallets", nil, map[string]any{"customer_id": customerID, "currency": currency}, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, headers map[string]string, body, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var envelope struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(b, &envelope) == nil && envelope.Message != "" {
			apiErr.Code = envelope.Code
			apiErr.Message = envelope.Message
		} else {
			apiErr.Message = string(b)
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// SignPayload computes the hex HMAC-SHA256 webhook signature for a payload.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookSignature checks an inbound webhook signature in constant time.
func VerifyWebhookSignature(payload []byte, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}
	want, err := hex.DecodeString(SignPayload(payload, secret))
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return false
	}
	return hmac.Equal(want, got)
}
