package cache

import (
	"context"
	"fmt"
	"path"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

var _ Store = (*MemoryStore)(nil)

type memValue struct {
	data    []byte
	expires time.Time // zero means no expiry
}

// MemoryStore is the bounded in-process Store: least-recently-used eviction
// plus per-entry expiry. It is safe for concurrent use.
type MemoryStore struct {
	entries *lru.Cache[string, memValue]
	now     func() time.Time
}

// NewMemoryStore creates a store holding at most size entries.
func NewMemoryStore(size int) (*MemoryStore, error) {
	entries, err := lru.New[string, memValue](size)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	return &MemoryStore{entries: entries, now: time.Now}, nil
}

// Get implements Store. Expired entries are removed on access.
func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok := m.entries.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !v.expires.IsZero() && !m.now().Before(v.expires) {
		m.entries.Remove(key)
		return nil, false, nil
	}
	return v.data, true, nil
}

// GetMany implements Store.
func (m *MemoryStore) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if b, ok, _ := m.Get(ctx, k); ok {
			out[k] = b
		}
	}
	return out, nil
}

// Set implements Store.
func (m *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	v := memValue{data: value}
	if ttl > 0 {
		v.expires = m.now().Add(ttl)
	}
	m.entries.Add(key, v)
	return nil
}

// Invalidate implements Store with path.Match glob semantics.
func (m *MemoryStore) Invalidate(ctx context.Context, pattern string) (int, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return 0, fmt.Errorf("bad pattern %q: %w", pattern, err)
	}
	deleted := 0
	for _, k := range m.entries.Keys() {
		if ok, _ := path.Match(pattern, k); ok && m.entries.Remove(k) {
			deleted++
		}
	}
	return deleted, nil
}

// Ping implements Store.
func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

// Len returns the number of entries, including expired ones not yet evicted.
func (m *MemoryStore) Len() int { return m.entries.Len() }
