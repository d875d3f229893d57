package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *ResolverConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error, got %q", c.Log.Level)
	}

	if c.RPC.URL == "" {
		return errors.New("rpc.url is required")
	}
	switch c.RPC.Commitment {
	case "processed", "confirmed", "finalized":
	default:
		return fmt.Errorf("rpc.commitment must be one of processed, confirmed, finalized, got %q", c.RPC.Commitment)
	}
	if c.RPC.Concurrency < 1 {
		return errors.New("rpc.concurrency must be >= 1")
	}

	if c.Pools.MinTVLUSD < 0 {
		return errors.New("pools.min_tvl_usd must be >= 0")
	}
	if err := c.Pools.Index.validate("pools.index"); err != nil {
		return err
	}

	if err := c.Sources.DirectQuote.validate("sources.direct_quote"); err != nil {
		return err
	}
	if c.Sources.DirectQuote.ProbeAmount <= 0 {
		return errors.New("sources.direct_quote.probe_amount must be > 0")
	}
	if err := c.Sources.Aggregator.validate("sources.aggregator"); err != nil {
		return err
	}
	if c.Sources.Aggregator.TopN < 1 {
		return errors.New("sources.aggregator.top_n must be >= 1")
	}
	if c.Sources.Aggregator.MinVolumeNative < 0 {
		return errors.New("sources.aggregator.min_volume_native must be >= 0")
	}
	if err := c.Sources.Listing.validate("sources.listing"); err != nil {
		return err
	}

	if c.Cache.MaxTTL < c.Cache.TTLUnavailable {
		return fmt.Errorf("cache.max_ttl (%v) cannot be less than cache.ttl_unavailable (%v)", c.Cache.MaxTTL, c.Cache.TTLUnavailable)
	}
	if c.Cache.LocalSize < 1 {
		return errors.New("cache.local_size must be >= 1")
	}

	if c.Database.Timescale.Configured() {
		if err := c.Database.Timescale.validate("database.timescale"); err != nil {
			return err
		}
	}

	if c.Poller.Concurrency < 1 {
		return errors.New("poller.concurrency must be >= 1")
	}

	if c.Feed.BatchSize < 1 {
		return errors.New("feed.batch_size must be >= 1")
	}
	if c.Feed.BufferSize < 1 {
		return errors.New("feed.buffer_size must be >= 1")
	}
	if c.Feed.ResolveConcurrency < 1 {
		return errors.New("feed.resolve_concurrency must be >= 1")
	}

	if c.Health.Port < 1 || c.Health.Port > 65535 {
		return fmt.Errorf("health.port must be between 1 and 65535, got %d", c.Health.Port)
	}

	return nil
}

func (s *SourceConfig) validate(prefix string) error {
	if !s.IsEnabled() {
		return nil
	}
	if s.BaseURL == "" {
		return fmt.Errorf("%s.base_url is required", prefix)
	}
	if s.RequireKey && s.APIKey == "" && s.APIKeyFile == "" {
		return fmt.Errorf("%s.api_key or %s.api_key_file is required", prefix, prefix)
	}
	if s.Timeout < 0 {
		return fmt.Errorf("%s.timeout must be >= 0", prefix)
	}
	if s.RatePerSec < 0 {
		return fmt.Errorf("%s.rate_per_sec must be >= 0", prefix)
	}
	if s.Concurrency < 1 {
		return fmt.Errorf("%s.concurrency must be >= 1", prefix)
	}
	if s.MaxRetries < 1 {
		return fmt.Errorf("%s.max_retries must be >= 1", prefix)
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
