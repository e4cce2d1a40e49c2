package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradepulse/config"
	"tradepulse/logger"
	"tradepulse/models"
)

// Client issues authenticated reads against the trading backend. An
// unauthorized response is retried exactly once after a session refresh;
// every other status passes through unchanged.
type Client struct {
	baseURL     string
	refreshPath string
	httpClient  *http.Client
	log         *logger.Entry

	mu    sync.RWMutex
	token string
}

// NewClient builds a backend client from configuration.
func NewClient(cfg config.BackendConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:     cfg.BaseURL,
		refreshPath: cfg.RefreshPath,
		httpClient:  &http.Client{Timeout: timeout},
		log:         logger.GetLogger().WithComponent("fetch"),
		token:       cfg.Token,
	}
}

// Token returns the current bearer credential.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) setToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Do performs one request and applies the single-refresh policy on 401. The
// caller owns the returned response body.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values) (*http.Response, error) {
	resp, err := c.issue(ctx, method, path, query)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	if err := c.refresh(ctx); err != nil {
		c.log.WithError(err).Warn("session refresh failed, returning unauthorized response")
		return resp, nil
	}
	resp.Body.Close()

	return c.issue(ctx, method, path, query)
}

func (c *Client) issue(ctx context.Context, method, path string, query url.Values) (*http.Response, error) {
	u := c.baseURL + "/" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.httpClient.Do(req)
}

// refresh rotates the bearer credential through the session side channel.
func (c *Client) refresh(ctx context.Context) error {
	u := c.baseURL + "/" + c.refreshPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("refresh request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("refresh rejected with status %d", resp.StatusCode)
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode refresh response: %w", err)
	}
	if body.Token == "" {
		return fmt.Errorf("refresh response carried no token")
	}

	c.setToken(body.Token)
	c.log.Debug("session credential rotated")
	return nil
}

// getJSON issues a GET and decodes a 2xx JSON body into out.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	resp, err := c.Do(ctx, http.MethodGet, path, query)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s returned status %d", path, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	logger.RecordSourceFetch(path, len(data))
	return nil
}

// ListAccounts fetches the account and receiver list.
func (c *Client) ListAccounts(ctx context.Context) (*models.AccountsResponse, error) {
	var out models.AccountsResponse
	if err := c.getJSON(ctx, "accounts/list", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AccountMetrics fetches the live metrics rows for one account.
func (c *Client) AccountMetrics(ctx context.Context, accountID string, limit int) ([]map[string]interface{}, error) {
	query := url.Values{"limit": {strconv.Itoa(limit)}}
	var out models.ItemsResponse
	if err := c.getJSON(ctx, "accounts/"+accountID+"/metrics", query, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// AccountHistory fetches historical snapshot rows for one account within an
// optional time range.
func (c *Client) AccountHistory(ctx context.Context, accountID string, limit int, from, to time.Time) ([]map[string]interface{}, error) {
	query := url.Values{"limit": {strconv.Itoa(limit)}}
	if !from.IsZero() {
		query.Set("from", from.UTC().Format(time.RFC3339))
	}
	if !to.IsZero() {
		query.Set("to", to.UTC().Format(time.RFC3339))
	}
	var out models.ItemsResponse
	if err := c.getJSON(ctx, "accounts/"+accountID+"/history", query, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// AccountTrades fetches trades for one account in the given state.
func (c *Client) AccountTrades(ctx context.Context, accountID string, state models.TradeState, limit int) ([]models.TradeRecord, error) {
	query := url.Values{
		"state": {string(state)},
		"limit": {strconv.Itoa(limit)},
	}
	var out models.TradesResponse
	if err := c.getJSON(ctx, "accounts/"+accountID+"/trades", query, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}
