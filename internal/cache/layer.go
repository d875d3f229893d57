package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/mcap-resolver/internal/model"
)

// Layer is the two-tier cache. It is safe for concurrent use.
type Layer struct {
	durable   Store // nil when no durable store is configured
	local     *MemoryStore
	ttl       TTLPolicy
	prefix    string
	nativeTTL time.Duration
	retryIn   time.Duration
	opTimeout time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu          sync.Mutex
	down        bool
	lastAttempt time.Time
	pending     []string // invalidations not yet applied to the durable store

	replayMu sync.Mutex

	hits          atomic.Int64
	misses        atomic.Int64
	localHits     atomic.Int64
	durableErrors atomic.Int64
}

// LayerOption configures a Layer.
type LayerOption func(*Layer)

// WithDurable sets the durable store.
func WithDurable(s Store) LayerOption {
	return func(l *Layer) {
		l.durable = s
	}
}

// WithTTLPolicy sets the per-confidence TTLs.
func WithTTLPolicy(p TTLPolicy) LayerOption {
	return func(l *Layer) {
		l.ttl = p
	}
}

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) LayerOption {
	return func(l *Layer) {
		if prefix != "" {
			l.prefix = prefix
		}
	}
}

// WithNativeTTL sets how long the native/USD price is served.
func WithNativeTTL(d time.Duration) LayerOption {
	return func(l *Layer) {
		if d > 0 {
			l.nativeTTL = d
		}
	}
}

// WithReconnectInterval sets how long the durable store stays bypassed
// after a failure.
func WithReconnectInterval(d time.Duration) LayerOption {
	return func(l *Layer) {
		l.retryIn = d
	}
}

// WithOpTimeout bounds each durable store call.
func WithOpTimeout(d time.Duration) LayerOption {
	return func(l *Layer) {
		l.opTimeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) LayerOption {
	return func(l *Layer) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLayer creates a Layer whose in-process store holds localSize entries.
func NewLayer(localSize int, opts ...LayerOption) (*Layer, error) {
	local, err := NewMemoryStore(localSize)
	if err != nil {
		return nil, err
	}
	l := &Layer{
		local:     local,
		ttl:       DefaultTTLPolicy(),
		prefix:    DefaultPrefix,
		nativeTTL: 60 * time.Second,
		retryIn:   5 * time.Second,
		opTimeout: 500 * time.Millisecond,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Key returns the key of mint on the day containing t.
func (l *Layer) Key(mint string, t time.Time) string {
	return Key(l.prefix, mint, t)
}

// Prefix returns the key prefix.
func (l *Layer) Prefix() string { return l.prefix }

// TTLFor returns the TTL applied to results of confidence c.
func (l *Layer) TTLFor(c model.Confidence) time.Duration {
	return l.ttl.For(c)
}

// Get returns the unexpired entry at key.
func (l *Layer) Get(ctx context.Context, key string) (*Entry, bool) {
	if d, ok := l.durableStore(ctx); ok {
		dctx, cancel := l.opContext(ctx)
		b, found, err := d.Get(dctx, key)
		cancel()
		if err != nil {
			l.markDown(err)
		} else if found {
			if e, ok := l.decode(key, b); ok {
				l.hits.Add(1)
				return e, true
			}
		}
	}

	b, found, _ := l.local.Get(ctx, key)
	if found {
		if e, ok := l.decode(key, b); ok {
			l.hits.Add(1)
			l.localHits.Add(1)
			return e, true
		}
	}

	l.misses.Add(1)
	return nil, false
}

// GetMany returns the entries found among keys. Missing keys are absent
// from the result.
func (l *Layer) GetMany(ctx context.Context, keys []string) map[string]*Entry {
	out := make(map[string]*Entry, len(keys))
	if len(keys) == 0 {
		return out
	}

	remaining := keys
	if d, ok := l.durableStore(ctx); ok {
		dctx, cancel := l.opContext(ctx)
		found, err := d.GetMany(dctx, keys)
		cancel()
		if err != nil {
			l.markDown(err)
		} else {
			remaining = remaining[:0:0]
			for _, k := range keys {
				if e, ok := l.decode(k, found[k]); ok {
					out[k] = e
					continue
				}
				remaining = append(remaining, k)
			}
		}
	}

	localFound, _ := l.local.GetMany(ctx, remaining)
	for k, b := range localFound {
		if e, ok := l.decode(k, b); ok {
			out[k] = e
			l.localHits.Add(1)
		}
	}

	l.hits.Add(int64(len(out)))
	l.misses.Add(int64(len(keys) - len(out)))
	return out
}

// Set writes result under key with an explicit TTL. The in-process store is
// always written; a durable failure is logged and absorbed.
func (l *Layer) Set(ctx context.Context, key string, result model.MarketCapResult, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("cache set %s: ttl must be positive", key)
	}
	e := Entry{
		Key:       key,
		Payload:   result,
		WrittenAt: l.now().UTC(),
		TTL:       ttl,
	}
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	if err := l.local.Set(ctx, key, b, ttl); err != nil {
		return err
	}
	if d, ok := l.durableStore(ctx); ok {
		dctx, cancel := l.opContext(ctx)
		err := d.Set(dctx, key, b, ttl)
		cancel()
		if err != nil {
			l.markDown(err)
		}
	}
	return nil
}

// Put writes result under key with the TTL its confidence calls for.
func (l *Layer) Put(ctx context.Context, key string, result model.MarketCapResult) error {
	return l.Set(ctx, key, result, l.ttl.For(result.Confidence))
}

// Invalidate deletes matching keys from both stores and returns the larger
// of the two deletion counts. While the durable store is unreachable the
// pattern is held and applied before the store serves again.
func (l *Layer) Invalidate(ctx context.Context, pattern string) (int, error) {
	n, err := l.local.Invalidate(ctx, pattern)
	if err != nil {
		return 0, err
	}
	if l.durable == nil {
		l.logger.Info("cache invalidated", "pattern", pattern, "deleted", n)
		return n, nil
	}

	d, ok := l.durableStore(ctx)
	if ok {
		dctx, cancel := l.opContext(ctx)
		dn, derr := d.Invalidate(dctx, pattern)
		cancel()
		if derr == nil {
			if dn > n {
				n = dn
			}
			l.logger.Info("cache invalidated", "pattern", pattern, "deleted", n)
			return n, nil
		}
		l.markDown(derr)
	}
	l.hold(pattern)
	l.logger.Warn("durable cache unreachable, invalidation held", "pattern", pattern, "deleted", n)
	return n, nil
}

// hold queues pattern for the durable store.
func (l *Layer) hold(pattern string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !slices.Contains(l.pending, pattern) {
		l.pending = append(l.pending, pattern)
	}
}

// replay applies held invalidations in order. It reports false, leaving
// the rest held, if the durable store fails again.
func (l *Layer) replay(ctx context.Context) bool {
	l.replayMu.Lock()
	defer l.replayMu.Unlock()
	for {
		l.mu.Lock()
		if len(l.pending) == 0 {
			l.mu.Unlock()
			return true
		}
		pattern := l.pending[0]
		l.mu.Unlock()

		dctx, cancel := l.opContext(ctx)
		n, err := l.durable.Invalidate(dctx, pattern)
		cancel()
		if err != nil {
			l.markDown(err)
			return false
		}

		l.mu.Lock()
		l.pending = slices.DeleteFunc(l.pending, func(p string) bool { return p == pattern })
		l.mu.Unlock()
		l.logger.Info("replayed cache invalidation", "pattern", pattern, "deleted", n)
	}
}

// nativeKey holds the native/USD price.
func (l *Layer) nativeKey() string {
	return l.prefix + "native:usd"
}

type nativeEntry struct {
	Price     decimal.Decimal `json:"price"`
	WrittenAt time.Time       `json:"written_at"`
}

// NativePrice returns the cached native/USD price while it is fresh.
func (l *Layer) NativePrice(ctx context.Context) (decimal.Decimal, bool) {
	key := l.nativeKey()
	var raw []byte
	if d, ok := l.durableStore(ctx); ok {
		dctx, cancel := l.opContext(ctx)
		b, found, err := d.Get(dctx, key)
		cancel()
		if err != nil {
			l.markDown(err)
		} else if found {
			raw = b
		}
	}
	if raw == nil {
		b, found, _ := l.local.Get(ctx, key)
		if !found {
			return decimal.Zero, false
		}
		raw = b
	}

	var e nativeEntry
	if err := json.Unmarshal(raw, &e); err != nil || e.Price.Sign() <= 0 {
		return decimal.Zero, false
	}
	if l.now().Sub(e.WrittenAt) >= l.nativeTTL {
		return decimal.Zero, false
	}
	return e.Price, true
}

// SetNativePrice stores the native/USD price for the native TTL.
func (l *Layer) SetNativePrice(ctx context.Context, price decimal.Decimal) {
	b, err := json.Marshal(nativeEntry{Price: price, WrittenAt: l.now().UTC()})
	if err != nil {
		return
	}
	key := l.nativeKey()
	_ = l.local.Set(ctx, key, b, l.nativeTTL)
	if d, ok := l.durableStore(ctx); ok {
		dctx, cancel := l.opContext(ctx)
		err := d.Set(dctx, key, b, l.nativeTTL)
		cancel()
		if err != nil {
			l.markDown(err)
		}
	}
}

// Ping checks the durable store. It returns nil when none is configured.
func (l *Layer) Ping(ctx context.Context) error {
	if l.durable == nil {
		return nil
	}
	if err := l.durable.Ping(ctx); err != nil {
		l.markDown(err)
		return err
	}
	l.markUp()
	if !l.replay(ctx) {
		return errors.New("durable cache: held invalidations not applied")
	}
	return nil
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	HitRate       float64 `json:"hit_rate"`
	LocalHits     int64   `json:"local_hits"`
	DurableErrors int64   `json:"durable_errors"`
	Durable       string  `json:"durable"` // up, down or none
	LocalEntries  int     `json:"local_entries"`
	Pending       int     `json:"pending_invalidations"`
}

// Stats returns the current counters.
func (l *Layer) Stats() Stats {
	s := Stats{
		Hits:          l.hits.Load(),
		Misses:        l.misses.Load(),
		LocalHits:     l.localHits.Load(),
		DurableErrors: l.durableErrors.Load(),
		LocalEntries:  l.local.Len(),
		Durable:       "none",
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	if l.durable != nil {
		l.mu.Lock()
		s.Pending = len(l.pending)
		if l.down {
			s.Durable = "down"
		} else {
			s.Durable = "up"
		}
		l.mu.Unlock()
	}
	return s
}

// durableStore returns the durable store if it should be tried now. A store
// marked down is retried once the reconnect interval has passed. Held
// invalidations are applied before the store is handed out.
func (l *Layer) durableStore(ctx context.Context) (Store, bool) {
	if l.durable == nil {
		return nil, false
	}
	l.mu.Lock()
	if l.down {
		if l.now().Sub(l.lastAttempt) < l.retryIn {
			l.mu.Unlock()
			return nil, false
		}
		// The caller's operation decides whether the store is back.
		l.lastAttempt = l.now()
		l.down = false
		l.logger.Debug("retrying durable cache")
	}
	held := len(l.pending) > 0
	l.mu.Unlock()

	if held && !l.replay(ctx) {
		return nil, false
	}
	return l.durable, true
}

func (l *Layer) markDown(err error) {
	l.durableErrors.Add(1)
	l.mu.Lock()
	wasDown := l.down
	l.down = true
	l.lastAttempt = l.now()
	l.mu.Unlock()
	if !wasDown {
		l.logger.Warn("durable cache unreachable, serving from memory", "err", err)
	}
}

func (l *Layer) markUp() {
	l.mu.Lock()
	l.down = false
	l.mu.Unlock()
}

func (l *Layer) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.opTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, l.opTimeout)
}

func (l *Layer) decode(key string, b []byte) (*Entry, bool) {
	if b == nil {
		return nil, false
	}
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		l.logger.Warn("dropping undecodable cache entry", "key", key, "err", err)
		return nil, false
	}
	if e.Expired(l.now()) || !e.Payload.Valid() {
		return nil, false
	}
	return &e, true
}
