package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client talks to a running sitewatch server.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// APIError is returned when the server answers with a non-2xx status.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// NewClient builds a Client for baseURL. A nil httpClient gets a 30s timeout.
func NewClient(baseURL, apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    httpClient,
	}
}

// AddSite registers rawURL for monitoring.
func (c *Client) AddSite(ctx context.Context, rawURL string, intervalMinutes int) (SiteView, error) {
	var out SiteView
	err := c.do(ctx, http.MethodPost, "/v1/sites", nil, siteRequest{URL: rawURL, IntervalMinutes: intervalMinutes}, &out)
	return out, err
}

// RemoveSite stops monitoring rawURL.
func (c *Client) RemoveSite(ctx context.Context, rawURL string) error {
	return c.do(ctx, http.MethodDelete, "/v1/sites", url.Values{"url": {rawURL}}, nil, nil)
}

// ListSites fetches one page of sites.
func (c *Client) ListSites(ctx context.Context, page, pageSize int) (PageView, error) {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if pageSize > 0 {
		q.Set("page_size", strconv.Itoa(pageSize))
	}
	var out PageView
	err := c.do(ctx, http.MethodGet, "/v1/sites", q, nil, &out)
	return out, err
}

// Status fetches the state of rawURL.
func (c *Client) Status(ctx context.Context, rawURL string) (SiteView, error) {
	var out SiteView
	err := c.do(ctx, http.MethodGet, "/v1/sites/status", url.Values{"url": {rawURL}}, nil, &out)
	return out, err
}

// CheckNow asks the server to check rawURL immediately.
func (c *Client) CheckNow(ctx context.Context, rawURL string) (SiteView, error) {
	var out SiteView
	err := c.do(ctx, http.MethodPost, "/v1/sites/check", url.Values{"url": {rawURL}}, nil, &out)
	return out, err
}

// UpdateInterval changes the check interval of rawURL.
func (c *Client) UpdateInterval(ctx context.Context, rawURL string, intervalMinutes int) (SiteView, error) {
	var out SiteView
	err := c.do(ctx, http.MethodPatch, "/v1/sites/interval", nil, siteRequest{URL: rawURL, IntervalMinutes: intervalMinutes}, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr errorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Error == "" {
			apiErr.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: apiErr.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
