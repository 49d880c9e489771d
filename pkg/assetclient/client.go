/**
 * @description
 * This package provides a client for a remote custody API. It moves funds
 * between parties and the engine's custody account through book transfers and
 * reads custody balances. Insufficient-balance rejections are surfaced as
 * ErrInsufficientFunds so callers can classify them.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package assetclient

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

	"github.com/google/uuid"
)

var ErrInsufficientFunds = errors.New("custody api: insufficient funds")

// Client is a client for the custody API.
type Client struct {
	BaseURL    string
	APIKey     string
	Account    string
	HTTPClient *http.Client
}

// NewClient creates a new custody API client acting for the given custody account.
func NewClient(baseURL, apiKey, account string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		APIKey:  apiKey,
		Account: account,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// TransferRequest is the payload for a book transfer.
type TransferRequest struct {
	Reference string `json:"reference"`
	From      string `json:"from"`
	To        string `json:"to"`
	Asset     string `json:"asset"`
	Amount    int64  `json:"amount"`
}

// TransferResponse is the custody API's answer to a book transfer.
type TransferResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// BalanceResponse carries a single account balance.
type BalanceResponse struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Balance int64  `json:"balance"`
}

// ErrorResponse represents an error from the custody API.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("custody api error: %s - %s", e.Code, e.Message)
}

// TransferIn moves funds from a party into the custody account.
func (c *Client) TransferIn(ctx context.Context, from, asset string, amount int64) error {
	_, err := c.doTransfer(ctx, TransferRequest{
		Reference: uuid.NewString(),
		From:      from,
		To:        c.Account,
		Asset:     asset,
		Amount:    amount,
	})
	return err
}

// TransferOut releases funds from the custody account to a party.
func (c *Client) TransferOut(ctx context.Context, to, asset string, amount int64) error {
	_, err := c.doTransfer(ctx, TransferRequest{
		Reference: uuid.NewString(),
		From:      c.Account,
		To:        to,
		Asset:     asset,
		Amount:    amount,
	})
	return err
}

// CustodyBalance returns the custody account's balance in asset.
func (c *Client) CustodyBalance(ctx context.Context, asset string) (int64, error) {
	endpoint := fmt.Sprintf("%s/v1/accounts/%s/balances?asset=%s", c.BaseURL, url.PathEscape(c.Account), url.QueryEscape(asset))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create balance request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to execute balance request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("failed to read balance response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, c.decodeError("get_balance", resp.StatusCode, bodyBytes)
	}

	var balance BalanceResponse
	if err := json.Unmarshal(bodyBytes, &balance); err != nil {
		return 0, fmt.Errorf("failed to decode balance response: %w", err)
	}
	return balance.Balance, nil
}

func (c *Client) doTransfer(ctx context.Context, payload TransferRequest) (*TransferResponse, error) {
	if c.BaseURL == "" {
		return nil, fmt.Errorf("custody api base url is empty")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transfer request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/transfers", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create transfer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", payload.Reference)
	c.setHeaders(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute transfer request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read transfer response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.decodeError("transfer", resp.StatusCode, bodyBytes)
	}

	var transfer TransferResponse
	if err := json.Unmarshal(bodyBytes, &transfer); err != nil {
		return nil, fmt.Errorf("failed to decode transfer response: %w", err)
	}
	return &transfer, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	if key := strings.TrimSpace(c.APIKey); key != "" {
		req.Header.Set("X-Internal-API-Key", key)
	}
}

func (c *Client) decodeError(op string, status int, body []byte) error {
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Code == "" {
		log.Printf("level=warn component=custody_client op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", op, status)
		if status == http.StatusPaymentRequired {
			return ErrInsufficientFunds
		}
		return fmt.Errorf("custody api returned error status %d", status)
	}
	log.Printf("level=warn component=custody_client op=%s status=%d code=%s message=%q", op, status, errResp.Code, errResp.Message)
	if status == http.StatusPaymentRequired || errResp.Code == "insufficient_funds" {
		return fmt.Errorf("%w: %s", ErrInsufficientFunds, errResp.Message)
	}
	return &errResp
}
