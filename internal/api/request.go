package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rickgao/mcap-resolver/internal/upstream"
)

// maxBody bounds how much of an upstream response is read.
const maxBody = 4 << 20

// APIError represents a non-2xx response from an upstream.
type APIError struct {
	StatusCode int
	Message    string
	Body       []byte
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// IsRetryable returns true if the error should trigger a retry.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// Get performs a GET request and decodes the JSON body into result. Errors
// are classified *upstream.Error values wrapping an *APIError where the
// server answered.
func (c *Client) Get(ctx context.Context, path string, query url.Values, result any) error {
	return c.guard.Do(ctx, func(ctx context.Context) error {
		body, err := c.doRequest(ctx, http.MethodGet, path, query)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(body, result); err != nil {
			return upstream.Upstream(http.StatusOK, fmt.Errorf("unmarshal response: %w", err))
		}
		return nil
	})
}

// doRequest performs a single HTTP request with the given method and path.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values) ([]byte, error) {
	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, nil)
	if err != nil {
		return nil, upstream.NotFound(fmt.Errorf("create request: %w", err))
	}

	req.Header.Set("Accept", "application/json")
	for name, values := range c.headers {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
			Body:       body,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
		c.logger.Debug("upstream returned error status",
			"source", c.guard.Name(),
			"path", path,
			"status", resp.StatusCode,
			"retryable", apiErr.IsRetryable(),
		)
		return nil, upstream.FromStatus(resp.StatusCode, apiErr.RetryAfter, apiErr)
	}

	return body, nil
}

// parseRetryAfter reads a Retry-After header given in seconds or as an HTTP
// date. It returns 0 when the header is absent or unparseable.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
