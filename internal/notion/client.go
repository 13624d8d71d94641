// Package notion is a minimal Notion API client covering the surface the
// sync pipeline needs: pages, database queries, block appends, and direct
// file uploads.
package notion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

const (
	defaultBaseURL = "https://api.notion.com/v1"
	apiVersion     = "2022-06-28"

	// maxAttempts bounds one logical API call; persistent failure is
	// surfaced to the caller, whose retry budget lives in the sync store.
	maxAttempts    = 5
	maxBackoffSecs = 60
	defaultTimeout = 120 * time.Second
)

// Client talks to the Notion API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	maxUpload  int64
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithBaseURL overrides the API endpoint. Used by tests.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) {
		c.baseURL = u
	}
}

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithMaxUpload overrides the per-file upload size limit.
func WithMaxUpload(limit int64) ClientOption {
	return func(c *Client) {
		if limit > 0 {
			c.maxUpload = limit
		}
	}
}

// NewClient creates a Notion API client with the given integration token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		baseURL:    defaultBaseURL,
		token:      token,
		maxUpload:  MaxUploadBytes,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NotFoundError indicates a 404 response, usually a deleted page.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("notion: not found: %s", e.Path)
}

// APIError carries a non-retryable error response.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("notion: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// request performs one logical API call with retries. Rate limits honor
// Retry-After; server and network errors use exponential backoff with
// jitter. Client errors other than 429 fail immediately.
func (c *Client) request(ctx context.Context, method, path string, bodyBytes []byte) ([]byte, error) {
	reqURL := c.baseURL + path

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := c.backoffFor(attempt, lastErr)
			c.logger.Debug("retrying notion request", "attempt", attempt, "backoff", backoff, "path", path)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		var body io.Reader
		if bodyBytes != nil {
			body = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		c.setHeaders(req)
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("http request: %w", err)
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return respBody, nil
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = &retryAfterError{delay: retryAfter(resp)}
			c.logger.Debug("notion rate limited", "path", path, "attempt", attempt)
			continue

		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("server error (%d)", resp.StatusCode)
			continue

		case resp.StatusCode == http.StatusNotFound:
			return nil, &NotFoundError{Path: path}

		default:
			apiErr := &APIError{StatusCode: resp.StatusCode}
			if err := json.Unmarshal(respBody, apiErr); err != nil {
				apiErr.Message = firstChars(string(respBody), 300)
			}
			return nil, apiErr
		}
	}

	return nil, fmt.Errorf("notion: max attempts exceeded: %w", lastErr)
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Notion-Version", apiVersion)
}

// retryAfterError carries the server-directed delay from a 429.
type retryAfterError struct {
	delay time.Duration
}

func (e *retryAfterError) Error() string {
	return fmt.Sprintf("rate limited (429), retry after %s", e.delay)
}

// backoffFor prefers the server's Retry-After over computed backoff.
func (c *Client) backoffFor(attempt int, lastErr error) time.Duration {
	if ra, ok := lastErr.(*retryAfterError); ok && ra.delay > 0 {
		return ra.delay
	}
	base := float64(uint(1) << uint(attempt))
	if base > maxBackoffSecs {
		base = maxBackoffSecs
	}
	jittered := 0.5*base + rand.Float64()*0.5*base
	return time.Duration(jittered * float64(time.Second))
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return time.Second
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	return c.request(ctx, http.MethodGet, path, nil)
}

func (c *Client) post(ctx context.Context, path string, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return c.request(ctx, http.MethodPost, path, body)
}

func (c *Client) patch(ctx context.Context, path string, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return c.request(ctx, http.MethodPatch, path, body)
}

func firstChars(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
