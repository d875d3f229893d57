package config

import (
	"time"

	"github.com/rickgao/mcap-resolver/internal/model"
)

// Default values for optional configuration fields.
const (
	DefaultLogLevel          = "info"
	DefaultRPCURL            = "https://api.mainnet-beta.solana.com"
	DefaultRPCTimeout        = 10 * time.Second
	DefaultMaxRetries        = 3
	DefaultRPCConcurrency    = 8
	DefaultCommitment        = "finalized"
	DefaultPoolIndexURL      = "https://api-v3.raydium.io"
	DefaultMinTVLUSD         = 5000
	DefaultNativePriceTTL    = 60 * time.Second
	DefaultSlotBucket        = 9000
	DefaultDirectQuoteURL    = "https://lite-api.jup.ag"
	DefaultProbeAmount       = 100
	DefaultAggregatorURL     = "https://api.coingecko.com/api/v3"
	DefaultAggregatorHeader  = "x-cg-demo-api-key"
	DefaultPlatform          = "solana"
	DefaultMinVolumeNative   = 10
	DefaultTopN              = 3
	DefaultListingURL        = "https://api.dexscreener.com"
	DefaultAPIKeyHeader      = "x-api-key"
	DefaultSourceTimeout     = 10 * time.Second
	DefaultSourceConcurrency = 4
	DefaultKeyPrefix         = "mc:v1:"
	DefaultTTLHigh           = 720 * time.Hour
	DefaultTTLEstimated      = 24 * time.Hour
	DefaultTTLUnavailable    = 10 * time.Minute
	DefaultMaxTTL            = 720 * time.Hour
	DefaultLocalSize         = 10000
	DefaultReconnectInterval = 5 * time.Second
	DefaultCacheOpTimeout    = 500 * time.Millisecond
	DefaultDBPort            = 5432
	DefaultDBSSLMode         = "prefer"
	DefaultMaxConns          = 10
	DefaultMinConns          = 2
	DefaultPollInterval      = 5 * time.Minute
	DefaultPollConcurrency   = 8
	DefaultPollTimeout       = 30 * time.Second
	DefaultIdleWindow        = 24 * time.Hour
	DefaultTradesTopic       = "trades"
	DefaultPricedTopic       = "priced-trades"
	DefaultConsumerGroup     = "mcap-resolver"
	DefaultBatchSize         = 100
	DefaultFlushInterval     = 1 * time.Second
	DefaultBufferSize        = 10000
	DefaultResolveConc       = 16
	DefaultDedupSize         = 100000
	DefaultDeadline          = 30 * time.Second
	DefaultHealthPort        = 8080
)

// DefaultBackoff is the fixed retry sequence used by price sources.
var DefaultBackoff = []time.Duration{time.Second, 2 * time.Second, 5 * time.Second}

func (c *ResolverConfig) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}

	// RPC defaults
	if c.RPC.URL == "" {
		c.RPC.URL = DefaultRPCURL
	}
	if c.RPC.Timeout == 0 {
		c.RPC.Timeout = DefaultRPCTimeout
	}
	if c.RPC.MaxRetries == 0 {
		c.RPC.MaxRetries = DefaultMaxRetries
	}
	if c.RPC.Concurrency == 0 {
		c.RPC.Concurrency = DefaultRPCConcurrency
	}
	if c.RPC.Commitment == "" {
		c.RPC.Commitment = DefaultCommitment
	}

	// Pool defaults
	applySourceDefaults(&c.Pools.Index, DefaultPoolIndexURL, DefaultAPIKeyHeader)
	if c.Pools.MinTVLUSD == 0 {
		c.Pools.MinTVLUSD = DefaultMinTVLUSD
	}
	if c.Pools.NativePriceTTL == 0 {
		c.Pools.NativePriceTTL = DefaultNativePriceTTL
	}
	if c.Pools.SlotBucket == 0 {
		c.Pools.SlotBucket = DefaultSlotBucket
	}
	if len(c.Pools.QuoteMints) == 0 {
		c.Pools.QuoteMints = []string{model.USDCMint, model.NativeMint}
	}

	// Source defaults
	applySourceDefaults(&c.Sources.DirectQuote.SourceConfig, DefaultDirectQuoteURL, DefaultAPIKeyHeader)
	if c.Sources.DirectQuote.ProbeAmount == 0 {
		c.Sources.DirectQuote.ProbeAmount = DefaultProbeAmount
	}
	applySourceDefaults(&c.Sources.Aggregator.SourceConfig, DefaultAggregatorURL, DefaultAggregatorHeader)
	if c.Sources.Aggregator.Platform == "" {
		c.Sources.Aggregator.Platform = DefaultPlatform
	}
	if c.Sources.Aggregator.MinVolumeNative == 0 {
		c.Sources.Aggregator.MinVolumeNative = DefaultMinVolumeNative
	}
	if c.Sources.Aggregator.TopN == 0 {
		c.Sources.Aggregator.TopN = DefaultTopN
	}
	applySourceDefaults(&c.Sources.Listing, DefaultListingURL, DefaultAPIKeyHeader)

	// Cache defaults
	if c.Cache.KeyPrefix == "" {
		c.Cache.KeyPrefix = DefaultKeyPrefix
	}
	if c.Cache.TTLHigh == 0 {
		c.Cache.TTLHigh = DefaultTTLHigh
	}
	if c.Cache.TTLEstimated == 0 {
		c.Cache.TTLEstimated = DefaultTTLEstimated
	}
	if c.Cache.TTLUnavailable == 0 {
		c.Cache.TTLUnavailable = DefaultTTLUnavailable
	}
	if c.Cache.MaxTTL == 0 {
		c.Cache.MaxTTL = DefaultMaxTTL
	}
	if c.Cache.LocalSize == 0 {
		c.Cache.LocalSize = DefaultLocalSize
	}
	if c.Cache.ReconnectInterval == 0 {
		c.Cache.ReconnectInterval = DefaultReconnectInterval
	}
	if c.Cache.OpTimeout == 0 {
		c.Cache.OpTimeout = DefaultCacheOpTimeout
	}

	// Database defaults
	applyDBDefaults(&c.Database.Timescale)

	// Poller defaults
	if c.Poller.Interval == 0 {
		c.Poller.Interval = DefaultPollInterval
	}
	if c.Poller.Concurrency == 0 {
		c.Poller.Concurrency = DefaultPollConcurrency
	}
	if c.Poller.Timeout == 0 {
		c.Poller.Timeout = DefaultPollTimeout
	}
	if c.Poller.IdleWindow == 0 {
		c.Poller.IdleWindow = DefaultIdleWindow
	}

	// Feed defaults
	if c.Feed.Kafka.TradesTopic == "" {
		c.Feed.Kafka.TradesTopic = DefaultTradesTopic
	}
	if c.Feed.Kafka.PricedTopic == "" {
		c.Feed.Kafka.PricedTopic = DefaultPricedTopic
	}
	if c.Feed.Kafka.Group == "" {
		c.Feed.Kafka.Group = DefaultConsumerGroup
	}
	if c.Feed.BatchSize == 0 {
		c.Feed.BatchSize = DefaultBatchSize
	}
	if c.Feed.FlushInterval == 0 {
		c.Feed.FlushInterval = DefaultFlushInterval
	}
	if c.Feed.BufferSize == 0 {
		c.Feed.BufferSize = DefaultBufferSize
	}
	if c.Feed.ResolveConcurrency == 0 {
		c.Feed.ResolveConcurrency = DefaultResolveConc
	}
	if c.Feed.DedupSize == 0 {
		c.Feed.DedupSize = DefaultDedupSize
	}

	if c.Resolver.Deadline == 0 {
		c.Resolver.Deadline = DefaultDeadline
	}
	if c.Health.Port == 0 {
		c.Health.Port = DefaultHealthPort
	}
}

func applySourceDefaults(s *SourceConfig, baseURL, header string) {
	if s.BaseURL == "" {
		s.BaseURL = baseURL
	}
	if s.APIKeyHeader == "" {
		s.APIKeyHeader = header
	}
	if s.Timeout == 0 {
		s.Timeout = DefaultSourceTimeout
	}
	if s.Concurrency == 0 {
		s.Concurrency = DefaultSourceConcurrency
	}
	if s.MaxRetries == 0 {
		s.MaxRetries = DefaultMaxRetries
	}
	if len(s.Backoff) == 0 {
		s.Backoff = append([]time.Duration(nil), DefaultBackoff...)
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
