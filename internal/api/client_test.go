package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rickgao/mcap-resolver/internal/upstream"
)

func fastGuard() *upstream.Client {
	return upstream.New("test", upstream.WithPolicy(upstream.RetryPolicy{
		MaxAttempts: 3,
		Base:        time.Millisecond,
		Max:         5 * time.Millisecond,
		MaxHint:     5 * time.Millisecond,
	}))
}

// TestNewClient tests client construction with various options.
func TestNewClient(t *testing.T) {
	t.Run("default values", func(t *testing.T) {
		c := NewClient("https://api.example.com", nil)

		if c.baseURL != "https://api.example.com" {
			t.Errorf("baseURL = %q, want %q", c.baseURL, "https://api.example.com")
		}
		if c.httpClient.Timeout != 30*time.Second {
			t.Errorf("Timeout = %v, want %v", c.httpClient.Timeout, 30*time.Second)
		}
		if c.guard == nil {
			t.Error("guard should not be nil")
		}
		if c.logger == nil {
			t.Error("logger should not be nil")
		}
	})

	t.Run("with api key option", func(t *testing.T) {
		c := NewClient("https://api.example.com", nil, WithAPIKey("x-cg-pro-api-key", "secret"))
		if got := c.headers.Get("x-cg-pro-api-key"); got != "secret" {
			t.Errorf("header = %q, want %q", got, "secret")
		}
	})

	t.Run("empty api key is ignored", func(t *testing.T) {
		c := NewClient("https://api.example.com", nil, WithAPIKey("x-api-key", ""))
		if len(c.headers) != 0 {
			t.Errorf("headers = %v, want empty", c.headers)
		}
	})

	t.Run("with logger option", func(t *testing.T) {
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
		c := NewClient("https://api.example.com", nil, WithLogger(logger))
		if c.logger != logger {
			t.Error("logger not set correctly")
		}
	})

	t.Run("with custom HTTP client", func(t *testing.T) {
		customClient := &http.Client{Timeout: 10 * time.Second}
		c := NewClient("https://api.example.com", nil, WithHTTPClient(customClient))
		if c.httpClient != customClient {
			t.Error("custom HTTP client not set")
		}
	})
}

// TestAPIError tests the APIError type.
func TestAPIError(t *testing.T) {
	err := &APIError{StatusCode: 404, Message: "Not Found"}
	if err.Error() != "api error 404: Not Found" {
		t.Errorf("Error() = %q", err.Error())
	}

	tests := []struct {
		code     int
		expected bool
	}{
		{500, true},
		{503, true},
		{429, true},
		{400, false},
		{404, false},
		{200, false},
	}
	for _, tt := range tests {
		err := &APIError{StatusCode: tt.code}
		if got := err.IsRetryable(); got != tt.expected {
			t.Errorf("IsRetryable() for status %d = %v, want %v", tt.code, got, tt.expected)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"5", 5 * time.Second},
		{"-1", 0},
		{"soon", 0},
		{now.Add(10 * time.Second).Format(http.TimeFormat), 10 * time.Second},
		{now.Add(-10 * time.Second).Format(http.TimeFormat), 0},
	}
	for _, tt := range tests {
		if got := parseRetryAfter(tt.in, now); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

// TestGet tests request building, decoding and retry classification.
func TestGet(t *testing.T) {
	t.Run("decodes body and sends headers", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Accept") != "application/json" {
				t.Errorf("Accept header = %q", r.Header.Get("Accept"))
			}
			if got := r.Header.Get("User-Agent"); got != "resolver-test" {
				t.Errorf("User-Agent = %q", got)
			}
			if r.Header.Get("x-api-key") != "k" {
				t.Errorf("x-api-key = %q, want %q", r.Header.Get("x-api-key"), "k")
			}
			if r.URL.Path != "/price" || r.URL.Query().Get("ids") != "abc" {
				t.Errorf("url = %s", r.URL)
			}
			w.Write([]byte(`{"price": "1.25"}`))
		}))
		defer server.Close()

		c := NewClient(server.URL, fastGuard(), WithAPIKey("x-api-key", "k"), WithHeader("User-Agent", "resolver-test"))
		var out struct {
			Price string `json:"price"`
		}
		if err := c.Get(context.Background(), "/price", url.Values{"ids": {"abc"}}, &out); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if out.Price != "1.25" {
			t.Errorf("Price = %q, want %q", out.Price, "1.25")
		}
	})

	t.Run("retries on 5xx and succeeds", func(t *testing.T) {
		var attempts int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&attempts, 1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.Write([]byte(`{}`))
		}))
		defer server.Close()

		c := NewClient(server.URL, fastGuard())
		var out map[string]any
		if err := c.Get(context.Background(), "/x", nil, &out); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if attempts != 3 {
			t.Errorf("attempts = %d, want 3", attempts)
		}
	})

	t.Run("429 is retried", func(t *testing.T) {
		var attempts int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&attempts, 1) == 1 {
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			w.Write([]byte(`{}`))
		}))
		defer server.Close()

		c := NewClient(server.URL, fastGuard())
		var out map[string]any
		if err := c.Get(context.Background(), "/x", nil, &out); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if attempts != 2 {
			t.Errorf("attempts = %d, want 2", attempts)
		}
	})

	t.Run("404 is not retried", func(t *testing.T) {
		var attempts int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&attempts, 1)
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error": "unknown token"}`))
		}))
		defer server.Close()

		c := NewClient(server.URL, fastGuard())
		var out map[string]any
		err := c.Get(context.Background(), "/x", nil, &out)
		if !errors.Is(err, upstream.ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("expected *APIError in chain, got %T", err)
		}
		if !strings.Contains(string(apiErr.Body), "unknown token") {
			t.Errorf("Body = %q", apiErr.Body)
		}
		if attempts != 1 {
			t.Errorf("attempts = %d, want 1", attempts)
		}
	})

	t.Run("max retries exceeded", func(t *testing.T) {
		var attempts int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&attempts, 1)
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		c := NewClient(server.URL, fastGuard())
		var out map[string]any
		err := c.Get(context.Background(), "/x", nil, &out)
		if !errors.Is(err, upstream.ErrUpstream) {
			t.Fatalf("err = %v, want ErrUpstream", err)
		}
		if attempts != 3 {
			t.Errorf("attempts = %d, want 3", attempts)
		}
	})

	t.Run("malformed body is an upstream error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`not json`))
		}))
		defer server.Close()

		c := NewClient(server.URL, fastGuard())
		var out map[string]any
		if err := c.Get(context.Background(), "/x", nil, &out); !errors.Is(err, upstream.ErrUpstream) {
			t.Errorf("err = %v, want ErrUpstream", err)
		}
	})

	t.Run("context cancellation", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{}`))
		}))
		defer server.Close()

		c := NewClient(server.URL, fastGuard())
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		var out map[string]any
		if err := c.Get(ctx, "/x", nil, &out); !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	})
}
