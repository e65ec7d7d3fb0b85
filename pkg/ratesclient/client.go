/**
 * @description
 * This package provides a client for a Frankfurter-style exchange rates API. It only
 * knows how to make the HTTP call and decode the payload; caching, retries and
 * mapping failures to domain outcomes live with the caller.
 */
package ratesclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Client is a client for the rates API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new rates API client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// LatestRatesResponse is the payload of GET /latest. Rates are quoted as units of
// each listed currency per one unit of Base.
type LatestRatesResponse struct {
	Amount decimal.Decimal            `json:"amount"`
	Base   string                     `json:"base"`
	Date   string                     `json:"date"`
	Rates  map[string]decimal.Decimal `json:"rates"`
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("rates api returned status %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether retrying the request could succeed.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Latest fetches the latest rates relative to base.
func (c *Client) Latest(ctx context.Context, base string) (*LatestRatesResponse, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("rates api base url is empty")
	}

	endpoint := fmt.Sprintf("%s/latest?from=%s", c.baseURL, url.QueryEscape(base))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request to rates api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var response LatestRatesResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &response, nil
}
