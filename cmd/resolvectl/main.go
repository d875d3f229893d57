// resolvectl resolves the market cap of one mint and prints the result as JSON.
// Usage: go run ./cmd/resolvectl -mint <mint> [-slot N] [-timestamp T] [-config path]
//
// -timestamp accepts unix seconds or RFC 3339. Without -config the built-in
// defaults are used (public RPC, no durable cache, no database).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/rickgao/mcap-resolver/internal/cache"
	"github.com/rickgao/mcap-resolver/internal/config"
	"github.com/rickgao/mcap-resolver/internal/service"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	mint := flag.String("mint", "", "token mint address")
	slot := flag.Uint64("slot", 0, "slot to resolve at (0 = latest)")
	timestamp := flag.String("timestamp", "", "unix seconds or RFC 3339 time")
	invalidate := flag.Bool("invalidate", false, "drop cached results for -mint before resolving")
	verbose := flag.Bool("verbose", false, "log at debug level to stderr")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if *mint == "" {
		fmt.Fprintln(os.Stderr, "resolvectl: -mint is required")
		flag.Usage()
		os.Exit(2)
	}

	ts, err := parseTimestamp(*timestamp)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolvectl: %v\n", err)
		os.Exit(2)
	}

	_ = godotenv.Load()

	cfg := config.Default()
	if *configPath != "" {
		cfg, err = config.LoadAndValidate(*configPath)
		if err != nil {
			logger.Error("failed to load config", "error", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	svc, err := service.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build resolver", "error", err)
		os.Exit(1)
	}
	defer svc.Close()

	if *invalidate {
		n, err := svc.Cache.Invalidate(ctx, cache.MintPattern(svc.Cache.Prefix(), *mint))
		if err != nil {
			logger.Error("failed to invalidate cache", "error", err)
			os.Exit(1)
		}
		logger.Info("invalidated cached results", "mint", *mint, "keys", n)
	}

	var slotPtr *uint64
	if *slot > 0 {
		slotPtr = slot
	}

	result := svc.Resolver.Resolve(ctx, *mint, slotPtr, ts)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		logger.Error("failed to encode result", "error", err)
		os.Exit(1)
	}
}

// parseTimestamp accepts unix seconds or RFC 3339. An empty string means no
// timestamp.
func parseTimestamp(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		t := time.Unix(secs, 0).UTC()
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("invalid -timestamp %q: want unix seconds or RFC 3339", s)
	}
	return &t, nil
}
