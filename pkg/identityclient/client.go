/**
 * @description
 * This package provides a client for a remote identity and delegation registry.
 * It answers whether an actor may act on a principal's behalf.
 */
package identityclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a client for the identity registry.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new identity registry client.
func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// AuthorizationResponse is the registry's verdict for a principal/actor pair.
type AuthorizationResponse struct {
	Authorized bool `json:"authorized"`
}

// IsAuthorized reports whether actor may act for principal. A principal is always
// authorized to act for itself.
func (c *Client) IsAuthorized(ctx context.Context, principal, actor string) (bool, error) {
	if principal == actor {
		return true, nil
	}
	if c.baseURL == "" {
		return false, fmt.Errorf("identity service base url is empty")
	}

	endpoint := fmt.Sprintf("%s/internal/principals/%s/delegates/%s",
		c.baseURL, url.PathEscape(principal), url.PathEscape(actor))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("X-Internal-API-Key", strings.TrimSpace(c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to execute request to identity service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode >= 400 {
		return false, fmt.Errorf("identity service returned error status %d", resp.StatusCode)
	}

	var response AuthorizationResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return false, fmt.Errorf("failed to decode response: %w", err)
	}
	return response.Authorized, nil
}
