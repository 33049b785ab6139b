package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the Bloom platform.
type Config struct {
	APIURL    string // Base URL, e.g. "http://localhost:8080"
	APIKey    string // Optional API key for authenticated endpoints
	AccountID string // Account the tools operate on behalf of
}

// BloomClient is a pure HTTP client for the Bloom platform API.
type BloomClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewBloomClient creates a new client for the Bloom platform.
func NewBloomClient(cfg Config) *BloomClient {
	return &BloomClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the platform.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the platform and returns the response body.
func (c *BloomClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// GetBalance returns the account's current points balance.
func (c *BloomClient) GetBalance(ctx context.Context) (json.RawMessage, error) {
	path := "/v1/accounts/" + c.cfg.AccountID + "/balance"
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}

// GetLedgerHistory returns the account's most recent ledger entries.
func (c *BloomClient) GetLedgerHistory(ctx context.Context, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/accounts/" + c.cfg.AccountID + "/ledger"
	return c.doRequest(ctx, http.MethodGet, path, q, nil)
}

// CreateInvestment starts a new investment for the account.
func (c *BloomClient) CreateInvestment(ctx context.Context, projectRef, investType string, amountCents int64) (json.RawMessage, error) {
	body := map[string]any{
		"accountId":   c.cfg.AccountID,
		"projectRef":  projectRef,
		"type":        investType,
		"amountCents": amountCents,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/investments", nil, body)
}

// GetInvestment fetches a single investment by ID.
func (c *BloomClient) GetInvestment(ctx context.Context, investmentID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/investments/"+investmentID, nil, nil)
}

// ListQuests returns the active quests.
func (c *BloomClient) ListQuests(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/quests", nil, nil)
}

// ListQuestProgress returns the account's progress across quests.
func (c *BloomClient) ListQuestProgress(ctx context.Context) (json.RawMessage, error) {
	path := "/v1/accounts/" + c.cfg.AccountID + "/quests"
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}

// ClaimReward claims a completed quest's reward for the account.
func (c *BloomClient) ClaimReward(ctx context.Context, questID string) (json.RawMessage, error) {
	path := "/v1/accounts/" + c.cfg.AccountID + "/quests/" + questID + "/claim"
	return c.doRequest(ctx, http.MethodPost, path, nil, nil)
}
