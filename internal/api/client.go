package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/rickgao/mcap-resolver/internal/upstream"
)

// Client performs JSON GET requests against one HTTP upstream. Every request
// goes through the upstream guard, so rate, concurrency and retry budgets
// are shared by all callers of the same Client.
type Client struct {
	baseURL    string
	headers    http.Header
	httpClient *http.Client
	guard      *upstream.Client
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a client for baseURL guarded by guard. A nil guard gets
// an unlimited guard named after the host.
func NewClient(baseURL string, guard *upstream.Client, opts ...ClientOption) *Client {
	if guard == nil {
		guard = upstream.New(baseURL)
	}
	c := &Client{
		baseURL: baseURL,
		headers: make(http.Header),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		guard:  guard,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// WithAPIKey sends key in header on every request. An empty key is ignored.
func WithAPIKey(header, key string) ClientOption {
	return func(c *Client) {
		if key != "" {
			c.headers.Set(header, key)
		}
	}
}

// WithHeader sets a static request header.
func WithHeader(name, value string) ClientOption {
	return func(c *Client) {
		c.headers.Set(name, value)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// Name returns the guard's upstream name.
func (c *Client) Name() string { return c.guard.Name() }
