package config

import "time"

// ResolverConfig is the root configuration for a resolver instance.
type ResolverConfig struct {
	Instance InstanceConfig `yaml:"instance"`
	Log      LogConfig      `yaml:"log"`
	RPC      RPCConfig      `yaml:"rpc"`
	Pools    PoolsConfig    `yaml:"pools"`
	Sources  SourcesConfig  `yaml:"sources"`
	Cache    CacheConfig    `yaml:"cache"`
	Database DatabaseConfig `yaml:"database"`
	Poller   PollerConfig   `yaml:"poller"`
	Feed     FeedConfig     `yaml:"feed"`
	Resolver ResolveConfig  `yaml:"resolver"`
	Health   HealthConfig   `yaml:"health"`
}

// InstanceConfig identifies this resolver.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// RPCConfig holds Solana JSON-RPC settings.
type RPCConfig struct {
	URL         string        `yaml:"url"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"max_retries"`
	RatePerSec  float64       `yaml:"rate_per_sec"`
	Burst       int           `yaml:"burst"`
	Concurrency int           `yaml:"concurrency"`
	Commitment  string        `yaml:"commitment"` // processed, confirmed, finalized
}

// PoolsConfig holds AMM reader settings.
type PoolsConfig struct {
	Index          SourceConfig  `yaml:"index"`
	MinTVLUSD      float64       `yaml:"min_tvl_usd"`
	NativePriceTTL time.Duration `yaml:"native_price_ttl"`
	SlotBucket     uint64        `yaml:"slot_bucket"`
	QuoteMints     []string      `yaml:"quote_mints"`
}

// SourceConfig holds the settings shared by every HTTP upstream.
type SourceConfig struct {
	Enabled      *bool           `yaml:"enabled"`
	BaseURL      string          `yaml:"base_url"`
	APIKey       string          `yaml:"api_key"`
	APIKeyFile   string          `yaml:"api_key_file"`
	APIKeyHeader string          `yaml:"api_key_header"`
	RequireKey   bool            `yaml:"require_key"`
	Timeout      time.Duration   `yaml:"timeout"`
	RatePerSec   float64         `yaml:"rate_per_sec"`
	Burst        int             `yaml:"burst"`
	Concurrency  int             `yaml:"concurrency"`
	MaxRetries   int             `yaml:"max_retries"`
	Backoff      []time.Duration `yaml:"backoff"`
}

// IsEnabled reports whether the source should be registered.
func (s SourceConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// SourcesConfig holds the external price sources in ladder order.
type SourcesConfig struct {
	DirectQuote DirectQuoteConfig `yaml:"direct_quote"`
	Aggregator  AggregatorConfig  `yaml:"aggregator"`
	Listing     SourceConfig      `yaml:"listing"`
}

// DirectQuoteConfig configures the swap-simulation source.
type DirectQuoteConfig struct {
	SourceConfig `yaml:",inline"`
	ProbeAmount  float64 `yaml:"probe_amount"` // quote-token units spent in the simulated swap
}

// AggregatorConfig configures the multi-exchange aggregator source.
type AggregatorConfig struct {
	SourceConfig    `yaml:",inline"`
	Platform        string  `yaml:"platform"`
	MinVolumeNative float64 `yaml:"min_volume_native"`
	TopN            int     `yaml:"top_n"`
}

// CacheConfig holds the two-tier cache settings.
type CacheConfig struct {
	RedisURL          string        `yaml:"redis_url"`
	KeyPrefix         string        `yaml:"key_prefix"`
	TTLHigh           time.Duration `yaml:"ttl_high"`
	TTLEstimated      time.Duration `yaml:"ttl_estimated"`
	TTLUnavailable    time.Duration `yaml:"ttl_unavailable"`
	MaxTTL            time.Duration `yaml:"max_ttl"`
	LocalSize         int           `yaml:"local_size"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	OpTimeout         time.Duration `yaml:"op_timeout"`
}

// DatabaseConfig holds the TimescaleDB connection for reserve and supply
// snapshots. Snapshots are kept in memory when no host is configured.
type DatabaseConfig struct {
	Timescale DBConfig `yaml:"timescale"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// Configured reports whether a database host was given.
func (db DBConfig) Configured() bool {
	return db.Host != ""
}

// PollerConfig holds snapshot poller settings.
type PollerConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Concurrency int           `yaml:"concurrency"`
	Timeout     time.Duration `yaml:"timeout"`
	IdleWindow  time.Duration `yaml:"idle_window"`
}

// FeedConfig holds trade intake and priced-trade output settings.
type FeedConfig struct {
	Kafka              KafkaConfig   `yaml:"kafka"`
	WSURL              string        `yaml:"ws_url"`
	BatchSize          int           `yaml:"batch_size"`
	FlushInterval      time.Duration `yaml:"flush_interval"`
	BufferSize         int           `yaml:"buffer_size"`
	ResolveConcurrency int           `yaml:"resolve_concurrency"`
	DedupSize          int           `yaml:"dedup_size"`
}

// KafkaConfig holds broker settings. Kafka is disabled when no brokers are set.
type KafkaConfig struct {
	Brokers     []string `yaml:"brokers"`
	TradesTopic string   `yaml:"trades_topic"`
	PricedTopic string   `yaml:"priced_topic"`
	Group       string   `yaml:"group"`
}

// ResolveConfig holds orchestrator settings.
type ResolveConfig struct {
	Deadline time.Duration `yaml:"deadline"`
}

// HealthConfig holds the health server settings.
type HealthConfig struct {
	Port int `yaml:"port"`
}
