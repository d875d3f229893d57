package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/mcap-resolver/internal/api"
	"github.com/rickgao/mcap-resolver/internal/auth"
	"github.com/rickgao/mcap-resolver/internal/cache"
	"github.com/rickgao/mcap-resolver/internal/chain"
	"github.com/rickgao/mcap-resolver/internal/config"
	"github.com/rickgao/mcap-resolver/internal/database"
	"github.com/rickgao/mcap-resolver/internal/ladder"
	"github.com/rickgao/mcap-resolver/internal/pool"
	"github.com/rickgao/mcap-resolver/internal/source"
	"github.com/rickgao/mcap-resolver/internal/upstream"
)

// clockSize is the number of slot block times remembered by the clock.
const clockSize = 16384

// userAgent identifies the resolver to HTTP upstreams.
const userAgent = "mcap-resolver/1"

// Service holds the wired components of a resolver.
type Service struct {
	Config    *config.ResolverConfig
	Cache     *cache.Layer
	Clock     *chain.SlotClock
	Supply    *chain.SupplyResolver
	Pools     *pool.Reader
	Sources   []source.Source
	Resolver  *ladder.Resolver
	Snapshots *database.SnapshotRepo // nil without a database

	guards []*upstream.Client
	redis  *cache.RedisStore
	db     *pgxpool.Pool
	logger *slog.Logger
}

// Build wires a Service. A configured database must be reachable; the
// durable cache may be down, in which case the in-process store serves
// until it returns.
func Build(ctx context.Context, cfg *config.ResolverConfig, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{Config: cfg, logger: logger}

	// Snapshot history
	var (
		reserves pool.SnapshotStore = pool.NewMemorySnapshots()
		supplyOpts = []chain.SupplyOption{
			chain.WithCommitment(chain.ParseCommitment(cfg.RPC.Commitment)),
			chain.WithSupplyLogger(logger),
		}
	)
	if cfg.Database.Timescale.Configured() {
		db, err := database.Connect(ctx, cfg.Database.Timescale)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		if err := database.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		s.db = db
		s.Snapshots = database.NewSnapshotRepo(db, cfg.Pools.SlotBucket, logger)
		reserves = s.Snapshots
		supplyOpts = append(supplyOpts, chain.WithHistory(s.Snapshots))
	} else {
		logger.Info("no database configured, keeping snapshots in memory")
	}

	// Cache
	layerOpts := []cache.LayerOption{
		cache.WithPrefix(cfg.Cache.KeyPrefix),
		cache.WithTTLPolicy(cache.TTLPolicy{
			High:        cfg.Cache.TTLHigh,
			Estimated:   cfg.Cache.TTLEstimated,
			Unavailable: cfg.Cache.TTLUnavailable,
			Max:         cfg.Cache.MaxTTL,
		}),
		cache.WithNativeTTL(cfg.Pools.NativePriceTTL),
		cache.WithReconnectInterval(cfg.Cache.ReconnectInterval),
		cache.WithOpTimeout(cfg.Cache.OpTimeout),
		cache.WithLogger(logger),
	}
	if cfg.Cache.RedisURL != "" {
		store, err := cache.DialRedis(cfg.Cache.RedisURL)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.redis = store
		layerOpts = append(layerOpts, cache.WithDurable(store))
	}
	layer, err := cache.NewLayer(cfg.Cache.LocalSize, layerOpts...)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("create cache: %w", err)
	}
	s.Cache = layer
	if err := layer.Ping(ctx); err != nil {
		logger.Warn("durable cache unreachable, serving from memory", "err", err)
	}

	// Chain
	rpcGuard := s.guard("rpc", upstream.ExponentialPolicy(cfg.RPC.MaxRetries, 500*time.Millisecond),
		cfg.RPC.RatePerSec, cfg.RPC.Burst, cfg.RPC.Concurrency, cfg.RPC.Timeout)
	rpcClient := chain.NewRPC(cfg.RPC.URL)
	s.Clock = chain.NewSlotClock(rpcClient, rpcGuard, clockSize, logger)
	s.Supply = chain.NewSupplyResolver(rpcClient, rpcGuard, supplyOpts...)

	// AMM pools
	indexClient, err := s.apiClient("pool_index", cfg.Pools.Index)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Pools = pool.NewReader(pool.NewHTTPLister(indexClient),
		pool.WithMinTVL(cfg.Pools.MinTVLUSD),
		pool.WithSnapshots(reserves),
		pool.WithNativeCache(layer),
		pool.WithSlotSource(s.Clock),
		pool.WithBucketWidth(cfg.Pools.SlotBucket),
		pool.WithQuoteMints(cfg.Pools.QuoteMints),
		pool.WithReaderLogger(logger),
	)

	// External sources, in ladder order
	if sc := cfg.Sources.DirectQuote; sc.IsEnabled() {
		client, err := s.apiClient(source.NameDirectQuote, sc.SourceConfig)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.Sources = append(s.Sources, source.NewDirectQuote(client, s.Supply, sc.ProbeAmount, logger))
	}
	if sc := cfg.Sources.Aggregator; sc.IsEnabled() {
		client, err := s.apiClient(source.NameAggregator, sc.SourceConfig)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.Sources = append(s.Sources, source.NewAggregator(client, s.Pools, sc.Platform, sc.MinVolumeNative, sc.TopN))
	}
	if sc := cfg.Sources.Listing; sc.IsEnabled() {
		client, err := s.apiClient(source.NameListing, sc)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.Sources = append(s.Sources, source.NewListing(client, s.Pools))
	}

	s.Resolver = ladder.New(layer, s.Supply, s.Pools,
		ladder.WithSources(s.Sources...),
		ladder.WithClock(s.Clock),
		ladder.WithDeadline(cfg.Resolver.Deadline),
		ladder.WithBatchConcurrency(cfg.Feed.ResolveConcurrency),
		ladder.WithBucketWidth(cfg.Pools.SlotBucket),
		ladder.WithLogger(logger),
	)

	names := make([]string, len(s.Sources))
	for i, src := range s.Sources {
		names[i] = src.Name()
	}
	logger.Info("resolver wired",
		"sources", names,
		"durable_cache", cfg.Cache.RedisURL != "",
		"database", s.db != nil,
	)
	return s, nil
}

// guard creates and remembers an upstream guard.
func (s *Service) guard(name string, policy upstream.RetryPolicy, perSec float64, burst, concurrency int, timeout time.Duration) *upstream.Client {
	g := upstream.New(name,
		upstream.WithRate(perSec, burst),
		upstream.WithConcurrency(concurrency),
		upstream.WithTimeout(timeout),
		upstream.WithPolicy(policy),
		upstream.WithLogger(s.logger),
	)
	s.guards = append(s.guards, g)
	return g
}

// apiClient builds a guarded JSON client for an HTTP upstream. A source
// that requires a key fails here when none can be loaded.
func (s *Service) apiClient(name string, sc config.SourceConfig) (*api.Client, error) {
	policy := upstream.RetryPolicy{
		MaxAttempts: sc.MaxRetries,
		Backoff:     sc.Backoff,
		MaxHint:     30 * time.Second,
	}
	if len(policy.Backoff) == 0 {
		policy.Backoff = config.DefaultBackoff
	}
	g := s.guard(name, policy, sc.RatePerSec, sc.Burst, sc.Concurrency, sc.Timeout)

	opts := []api.ClientOption{
		api.WithLogger(s.logger),
		api.WithHeader("User-Agent", userAgent),
	}
	if sc.RequireKey || sc.APIKey != "" || sc.APIKeyFile != "" {
		key, err := auth.LoadAPIKey(name, sc.APIKeyHeader, sc.APIKey, sc.APIKeyFile)
		if err != nil {
			return nil, err
		}
		s.logger.Debug("loaded api key", "key", key.String())
		opts = append(opts, key.ClientOption())
	}
	return api.NewClient(sc.BaseURL, g, opts...), nil
}

// Ping checks the durable cache and the database.
func (s *Service) Ping(ctx context.Context) map[string]error {
	out := map[string]error{"cache": s.Cache.Ping(ctx)}
	if s.db != nil {
		out["timescaledb"] = s.db.Ping(ctx)
	}
	return out
}

// UpstreamStats reports attempts and failures per guarded upstream.
func (s *Service) UpstreamStats() map[string][2]int64 {
	out := make(map[string][2]int64, len(s.guards))
	for _, g := range s.guards {
		calls, failures := g.Stats()
		out[g.Name()] = [2]int64{calls, failures}
	}
	return out
}

// Close releases the database pool and the redis client.
func (s *Service) Close() {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Warn("close redis", "err", err)
		}
	}
	if s.db != nil {
		s.db.Close()
	}
}
