package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rickgao/mcap-resolver/internal/config"
	"github.com/rickgao/mcap-resolver/internal/feed"
	"github.com/rickgao/mcap-resolver/internal/model"
	"github.com/rickgao/mcap-resolver/internal/poller"
	"github.com/rickgao/mcap-resolver/internal/service"
	"github.com/rickgao/mcap-resolver/internal/watchlist"
)

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	logger := slog.Default()

	svc, err := service.Build(context.Background(), config.Default(), logger)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(svc.Close)

	watch := watchlist.New(watchlist.DefaultConfig(), logger, model.NativeMint)
	p := poller.New(poller.DefaultConfig(), watch, svc.Pools, svc.Supply, logger)
	pricer, err := feed.NewPricer(feed.DefaultPricerConfig(), svc.Resolver, feed.LogSink{}, watch, logger)
	if err != nil {
		t.Fatalf("NewPricer: %v", err)
	}
	return createHealthHandler(svc, pricer, watch, p, logger)
}

func TestHealthHandler(t *testing.T) {
	h := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Status     string         `json:"status"`
		Components map[string]any `json:"components"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "healthy" {
		t.Errorf("status = %q, want healthy", body.Status)
	}
	if body.Components["cache"] != "connected" {
		t.Errorf("cache component = %v", body.Components["cache"])
	}
	if _, ok := body.Components["cache_stats"]; !ok {
		t.Error("missing cache_stats")
	}
}

func TestDebugEndpoints(t *testing.T) {
	h := newTestHandler(t)

	tests := []struct {
		path string
		keys []string
	}{
		{"/debug/cache", []string{"cache", "ladder", "upstream", "ttl"}},
		{"/debug/feed", []string{"pricer", "watched"}},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d", rec.Code)
			}
			var body map[string]json.RawMessage
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			for _, k := range tt.keys {
				if _, ok := body[k]; !ok {
					t.Errorf("missing key %q", k)
				}
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	ctx := context.Background()
	if !newLogger("debug").Enabled(ctx, slog.LevelDebug) {
		t.Error("debug level should enable debug")
	}
	if newLogger("warn").Enabled(ctx, slog.LevelInfo) {
		t.Error("warn level should not enable info")
	}
	if !newLogger("bogus").Enabled(ctx, slog.LevelInfo) {
		t.Error("unknown level should fall back to info")
	}
}
