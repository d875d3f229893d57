package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/rickgao/mcap-resolver/internal/config"
	"github.com/rickgao/mcap-resolver/internal/feed"
	"github.com/rickgao/mcap-resolver/internal/model"
	"github.com/rickgao/mcap-resolver/internal/poller"
	"github.com/rickgao/mcap-resolver/internal/service"
	"github.com/rickgao/mcap-resolver/internal/version"
	"github.com/rickgao/mcap-resolver/internal/watchlist"
)

func main() {
	configPath := flag.String("config", "configs/resolver.example.yaml", "path to config file")
	flag.Parse()

	// Best effort: a missing .env is normal in production.
	_ = godotenv.Load()

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	logger.Info("starting resolver",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
		"instance_id", cfg.Instance.ID,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	svc, err := service.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build resolver", "error", err)
		os.Exit(1)
	}
	defer svc.Close()

	// Watchlist; SOL is always polled so the native price has history.
	watch := watchlist.New(watchlist.Config{IdleWindow: cfg.Poller.IdleWindow}, logger, model.NativeMint)
	if err := watch.Start(ctx); err != nil {
		logger.Error("failed to start watchlist", "error", err)
		os.Exit(1)
	}

	snapPoller := poller.New(poller.Config{
		Interval:    cfg.Poller.Interval,
		Concurrency: cfg.Poller.Concurrency,
		Timeout:     cfg.Poller.Timeout,
	}, watch, svc.Pools, svc.Supply, logger)
	if err := snapPoller.Start(ctx); err != nil {
		logger.Error("failed to start poller", "error", err)
		os.Exit(1)
	}

	kafkaCfg := feed.KafkaConfig{
		Brokers:     cfg.Feed.Kafka.Brokers,
		TradesTopic: cfg.Feed.Kafka.TradesTopic,
		PricedTopic: cfg.Feed.Kafka.PricedTopic,
		Group:       cfg.Feed.Kafka.Group,
	}

	var sink feed.Sink = feed.LogSink{Logger: logger}
	var kafkaSink *feed.KafkaSink
	if len(kafkaCfg.Brokers) > 0 && kafkaCfg.PricedTopic != "" {
		kafkaSink = feed.NewKafkaSink(kafkaCfg)
		sink = kafkaSink
	}

	pricer, err := feed.NewPricer(feed.PricerConfig{
		BatchSize:     cfg.Feed.BatchSize,
		FlushInterval: cfg.Feed.FlushInterval,
		BufferSize:    cfg.Feed.BufferSize,
		DedupSize:     cfg.Feed.DedupSize,
	}, svc.Resolver, sink, watch, logger)
	if err != nil {
		logger.Error("failed to create pricer", "error", err)
		os.Exit(1)
	}
	if err := pricer.Start(ctx); err != nil {
		logger.Error("failed to start pricer", "error", err)
		os.Exit(1)
	}

	var sources []feed.Source
	if len(kafkaCfg.Brokers) > 0 {
		sources = append(sources, feed.NewKafkaSource(kafkaCfg, logger))
	}
	if cfg.Feed.WSURL != "" {
		sources = append(sources, feed.NewWSSource(feed.WSConfig{URL: cfg.Feed.WSURL}, logger))
	}
	if len(sources) == 0 {
		logger.Warn("no trade source configured, serving health endpoints only")
	}

	sourcesDone := make(chan struct{})
	go func() {
		defer close(sourcesDone)
		runSources(ctx, sources, pricer.Accept, logger)
	}()

	healthPort := cfg.Health.Port
	healthServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", healthPort),
		Handler: createHealthHandler(svc, pricer, watch, snapPoller, logger),
	}
	go func() {
		logger.Info("starting health server", "port", healthPort)
		if err := healthServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health server error", "error", err)
		}
	}()

	logger.Info("resolver running",
		"instance_id", cfg.Instance.ID,
		"sources", len(sources),
		"health_url", fmt.Sprintf("http://localhost:%d/health", healthPort),
	)

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	<-sourcesDone
	pricer.Stop(shutdownCtx)
	if kafkaSink != nil {
		if err := kafkaSink.Close(); err != nil {
			logger.Warn("close kafka sink", "error", err)
		}
	}
	snapPoller.Stop(shutdownCtx)
	watch.Stop(shutdownCtx)
	healthServer.Shutdown(shutdownCtx)

	logger.Info("resolver stopped", "pricer", pricer.Stats(), "ladder", svc.Resolver.Stats())
}

// newLogger installs a text handler at level. Validate has already
// checked the level name.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// runSources runs every source until ctx ends. A source that fails is
// logged and restarted after a pause.
func runSources(ctx context.Context, sources []feed.Source, emit func(model.TradeRecord), logger *slog.Logger) {
	done := make(chan struct{}, len(sources))
	for _, src := range sources {
		go func(src feed.Source) {
			defer func() { done <- struct{}{} }()
			for {
				err := src.Run(ctx, emit)
				if ctx.Err() != nil {
					return
				}
				logger.Error("trade source failed, restarting", "source", src.Name(), "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(5 * time.Second):
				}
			}
		}(src)
	}
	for range sources {
		<-done
	}
}

// createHealthHandler creates the HTTP handler for health checks.
func createHealthHandler(svc *service.Service, pricer *feed.Pricer, watch *watchlist.Watchlist, snapPoller *poller.Poller, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		for name, err := range svc.Ping(ctx) {
			if err == nil {
				health.Components[name] = "connected"
				continue
			}
			health.Components[name] = map[string]string{
				"status": "disconnected",
				"error":  err.Error(),
			}
			// The cache falls back to memory; only the database is fatal.
			if name == "cache" {
				if health.Status == "healthy" {
					health.Status = "degraded"
				}
			} else {
				health.Status = "unhealthy"
			}
		}

		health.Components["cache_stats"] = svc.Cache.Stats()
		health.Components["watchlist"] = map[string]any{
			"mints": watch.Len(),
		}
		health.Components["poller"] = map[string]any{
			"cycles": snapPoller.Cycles(),
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(health); err != nil {
			logger.Debug("write health response", "error", err)
		}
	})

	mux.HandleFunc("/debug/cache", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"cache":    svc.Cache.Stats(),
			"ladder":   svc.Resolver.Stats(),
			"upstream": svc.UpstreamStats(),
			"ttl": map[model.Confidence]string{
				model.ConfidenceHigh:        svc.Cache.TTLFor(model.ConfidenceHigh).String(),
				model.ConfidenceEstimated:   svc.Cache.TTLFor(model.ConfidenceEstimated).String(),
				model.ConfidenceUnavailable: svc.Cache.TTLFor(model.ConfidenceUnavailable).String(),
			},
		})
	})

	mux.HandleFunc("/debug/feed", func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{
			"pricer":  pricer.Stats(),
			"watched": watch.Active(),
		}
		if svc.Snapshots != nil {
			body["snapshots"] = svc.Snapshots.Stats()
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(body)
	})

	return mux
}
