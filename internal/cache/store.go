package cache

import (
	"context"
	"time"
)

// Store is a key/value backend with per-key expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// GetMany returns only the keys that were found.
	GetMany(ctx context.Context, keys []string) (map[string][]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Invalidate deletes every key matching the glob pattern.
	Invalidate(ctx context.Context, pattern string) (int, error)
	Ping(ctx context.Context) error
}
