package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrUnknownAccount    = errors.New("unknown wallet account")
	ErrInvalidAmount     = errors.New("amount must be positive")
)

// Client talks to the external ledger service. Every mutation carries an
// Idempotency-Key header so retries never double-apply.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:9090"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

type transferRequest struct {
	UserID uuid.UUID `json:"user_id"`
	Amount int64     `json:"amount"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *Client) Debit(ctx context.Context, idempotencyKey string, userID uuid.UUID, amount int64) error {
	return c.post(ctx, "/v1/debits", idempotencyKey, userID, amount)
}

func (c *Client) Credit(ctx context.Context, idempotencyKey string, userID uuid.UUID, amount int64) error {
	return c.post(ctx, "/v1/credits", idempotencyKey, userID, amount)
}

func (c *Client) post(ctx context.Context, path, idempotencyKey string, userID uuid.UUID, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	body, err := json.Marshal(transferRequest{UserID: userID, Amount: amount})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("wallet %s: %w", path, err)
	}
	defer resp.Body.Close()

	// 409 means the key was already applied with the same body.
	if resp.StatusCode < 300 || resp.StatusCode == http.StatusConflict {
		return nil
	}

	var payload errorResponse
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	switch resp.StatusCode {
	case http.StatusPaymentRequired:
		return ErrInsufficientFunds
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrUnknownAccount, userID)
	}
	return fmt.Errorf("wallet %s non-2xx: %d %s", path, resp.StatusCode, payload.Code)
}
