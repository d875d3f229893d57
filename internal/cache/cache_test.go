package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/rickgao/mcap-resolver/internal/model"
)

const testMint = "RDMPmint111111111111111111111111111111111111"

// fakeClock is a settable time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func highResult(v string) model.MarketCapResult {
	return model.MarketCapResult{
		Mint:       testMint,
		Value:      decimal.NewNullDecimal(decimal.RequireFromString(v)),
		Confidence: model.ConfidenceHigh,
		Source:     "amm:raydium-standard:P1",
		Timestamp:  time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	return mr, NewRedisStore(client)
}

func TestTTLPolicy(t *testing.T) {
	tests := []struct {
		name   string
		policy TTLPolicy
		conf   model.Confidence
		want   time.Duration
	}{
		{"default high", DefaultTTLPolicy(), model.ConfidenceHigh, 30 * day},
		{"default estimated", DefaultTTLPolicy(), model.ConfidenceEstimated, day},
		{"default unavailable", DefaultTTLPolicy(), model.ConfidenceUnavailable, 10 * time.Minute},
		{"capped at max", TTLPolicy{High: 90 * day, Max: 30 * day}, model.ConfidenceHigh, 30 * day},
		{"whole days", TTLPolicy{Estimated: 36 * time.Hour, Max: 30 * day}, model.ConfidenceEstimated, day},
		{"sub-day kept", TTLPolicy{Estimated: 6 * time.Hour, Max: 30 * day}, model.ConfidenceEstimated, 6 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.For(tt.conf); got != tt.want {
				t.Errorf("For(%s) = %v, want %v", tt.conf, got, tt.want)
			}
		})
	}

	p := DefaultTTLPolicy()
	if p.For(model.ConfidenceHigh) <= p.For(model.ConfidenceEstimated) {
		t.Error("High should be cached longer than Estimated")
	}
}

func TestKey(t *testing.T) {
	ts := time.Date(2024, 3, 1, 23, 59, 59, 0, time.FixedZone("X", -5*3600)) // 2024-03-02 UTC
	key := Key(DefaultPrefix, testMint, ts)
	if want := "mc:v1:" + testMint + ":2024-03-02"; key != want {
		t.Fatalf("Key() = %q, want %q", key, want)
	}

	if got := MintPattern(DefaultPrefix, testMint); got != "mc:v1:"+testMint+":*" {
		t.Errorf("MintPattern() = %q", got)
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()

	m, err := NewMemoryStore(2)
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	m.now = clock.Now

	t.Run("expiry", func(t *testing.T) {
		m.Set(ctx, "a", []byte("1"), time.Minute)
		if _, ok, _ := m.Get(ctx, "a"); !ok {
			t.Fatal("expected hit before expiry")
		}
		clock.Advance(time.Minute)
		if _, ok, _ := m.Get(ctx, "a"); ok {
			t.Error("expected miss at expiry")
		}
	})

	t.Run("lru eviction", func(t *testing.T) {
		m.Set(ctx, "x", []byte("1"), 0)
		m.Set(ctx, "y", []byte("2"), 0)
		m.Get(ctx, "x") // y is now least recently used
		m.Set(ctx, "z", []byte("3"), 0)

		if _, ok, _ := m.Get(ctx, "y"); ok {
			t.Error("y should have been evicted")
		}
		if _, ok, _ := m.Get(ctx, "x"); !ok {
			t.Error("x should survive")
		}
	})

	t.Run("invalidate glob", func(t *testing.T) {
		m2, _ := NewMemoryStore(10)
		m2.Set(ctx, "mc:v1:A:2024-03-01", []byte("1"), 0)
		m2.Set(ctx, "mc:v1:A:2024-03-02", []byte("1"), 0)
		m2.Set(ctx, "mc:v1:B:2024-03-01", []byte("1"), 0)

		n, err := m2.Invalidate(ctx, "mc:v1:A:*")
		if err != nil || n != 2 {
			t.Fatalf("Invalidate() = %d, %v; want 2", n, err)
		}
		if _, ok, _ := m2.Get(ctx, "mc:v1:B:2024-03-01"); !ok {
			t.Error("B should survive")
		}
		if _, err := m2.Invalidate(ctx, "["); err == nil {
			t.Error("malformed pattern should fail")
		}
	})
}

func TestRedisStore(t *testing.T) {
	ctx := context.Background()
	mr, s := newRedis(t)

	if err := s.Set(ctx, "mc:v1:A:2024-03-01", []byte("a1"), time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}
	s.Set(ctx, "mc:v1:A:2024-03-02", []byte("a2"), time.Hour)
	s.Set(ctx, "mc:v1:B:2024-03-01", []byte("b1"), 2*time.Hour)

	b, ok, err := s.Get(ctx, "mc:v1:A:2024-03-01")
	if err != nil || !ok || string(b) != "a1" {
		t.Fatalf("Get() = %q, %v, %v", b, ok, err)
	}
	if _, ok, err := s.Get(ctx, "missing"); ok || err != nil {
		t.Errorf("Get(missing) = %v, %v; want miss without error", ok, err)
	}

	got, err := s.GetMany(ctx, []string{"mc:v1:A:2024-03-01", "missing", "mc:v1:B:2024-03-01"})
	if err != nil {
		t.Fatalf("GetMany: %v", err)
	}
	if len(got) != 2 || string(got["mc:v1:B:2024-03-01"]) != "b1" {
		t.Errorf("GetMany() = %v", got)
	}

	n, err := s.Invalidate(ctx, "mc:v1:A:*")
	if err != nil || n != 2 {
		t.Fatalf("Invalidate() = %d, %v; want 2", n, err)
	}

	mr.FastForward(2 * time.Hour)
	if _, ok, _ := s.Get(ctx, "mc:v1:B:2024-03-01"); ok {
		t.Error("entry should expire with its TTL")
	}
}

func newTestLayer(t *testing.T, durable Store, clock *fakeClock) *Layer {
	t.Helper()
	l, err := NewLayer(100, WithDurable(durable), WithReconnectInterval(5*time.Second))
	if err != nil {
		t.Fatalf("NewLayer: %v", err)
	}
	l.now = clock.Now
	return l
}

func TestLayer_WriteThrough(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	mr, s := newRedis(t)
	l := newTestLayer(t, s, clock)

	key := l.Key(testMint, clock.Now())
	if err := l.Put(ctx, key, highResult("2400000")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if !mr.Exists(key) {
		t.Fatal("durable store should hold the entry")
	}
	if ttl := mr.TTL(key); ttl != 30*day {
		t.Errorf("durable TTL = %v, want 30 days", ttl)
	}

	e, ok := l.Get(ctx, key)
	if !ok {
		t.Fatal("expected hit")
	}
	if !e.Payload.Value.Decimal.Equal(decimal.RequireFromString("2400000")) || e.Payload.Confidence != model.ConfidenceHigh {
		t.Errorf("payload = %+v", e.Payload)
	}
	if s := l.Stats(); s.Hits != 1 || s.LocalHits != 0 || s.Durable != "up" {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestLayer_UnavailableShortTTL(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	mr, s := newRedis(t)
	l := newTestLayer(t, s, clock)

	key := l.Key(testMint, clock.Now())
	l.Put(ctx, key, model.Unavailable(testMint, nil, clock.Now()))
	if ttl := mr.TTL(key); ttl != 10*time.Minute {
		t.Errorf("TTL = %v, want 10m", ttl)
	}

	e, ok := l.Get(ctx, key)
	if !ok || e.Payload.Confidence != model.ConfidenceUnavailable || e.Payload.Value.Valid {
		t.Fatalf("Get() = %+v, %v", e, ok)
	}

	clock.Advance(10 * time.Minute)
	if _, ok := l.Get(ctx, key); ok {
		t.Error("expired entry should be a miss")
	}
}

func TestLayer_DurableOutage(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	mr, s := newRedis(t)
	l := newTestLayer(t, s, clock)

	before := l.Key(testMint, clock.Now())
	l.Put(ctx, before, highResult("1"))

	mr.Close()

	during := l.Key("OtherMint", clock.Now())
	if err := l.Put(ctx, during, highResult("2")); err != nil {
		t.Fatalf("Put during outage: %v", err)
	}

	if _, ok := l.Get(ctx, before); !ok {
		t.Error("mirrored entry should be served from memory")
	}
	if _, ok := l.Get(ctx, during); !ok {
		t.Error("entry written during outage should be served from memory")
	}
	if _, ok := l.Get(ctx, l.Key("Missing", clock.Now())); ok {
		t.Error("unknown key should miss")
	}

	st := l.Stats()
	if st.Durable != "down" {
		t.Errorf("Durable = %q, want down", st.Durable)
	}
	if st.Hits != 2 || st.Misses != 1 || st.LocalHits != 2 {
		t.Errorf("Stats() = %+v", st)
	}
	if want := 2.0 / 3.0; st.HitRate != want {
		t.Errorf("HitRate = %v, want %v", st.HitRate, want)
	}
	if st.DurableErrors < 1 {
		t.Errorf("DurableErrors = %d, want >= 1", st.DurableErrors)
	}

	// Comes back: the next call after the reconnect interval uses it again.
	if err := mr.Restart(); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	clock.Advance(5 * time.Second)
	after := l.Key("Third", clock.Now())
	l.Put(ctx, after, highResult("3"))
	if !mr.Exists(after) {
		t.Error("durable store should receive writes after reconnect")
	}
	if l.Stats().Durable != "up" {
		t.Errorf("Durable = %q, want up", l.Stats().Durable)
	}
}

func TestLayer_GetMany(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	_, s := newRedis(t)
	l := newTestLayer(t, s, clock)

	k1 := l.Key("A", clock.Now())
	k2 := l.Key("B", clock.Now())
	k3 := l.Key("C", clock.Now())
	l.Put(ctx, k1, highResult("1"))
	l.Put(ctx, k3, highResult("3"))

	got := l.GetMany(ctx, []string{k1, k2, k3})
	if len(got) != 2 || got[k1] == nil || got[k3] == nil {
		t.Fatalf("GetMany() = %v", got)
	}
	if _, ok := got[k2]; ok {
		t.Error("missing key should be absent")
	}
	if st := l.Stats(); st.Hits != 2 || st.Misses != 1 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestLayer_Invalidate(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	mr, s := newRedis(t)
	l := newTestLayer(t, s, clock)

	d1 := l.Key(testMint, clock.Now())
	d2 := l.Key(testMint, clock.Now().Add(day))
	other := l.Key("Other", clock.Now())
	l.Put(ctx, d1, highResult("1"))
	l.Put(ctx, d2, highResult("2"))
	l.Put(ctx, other, highResult("3"))

	n, err := l.Invalidate(ctx, MintPattern(l.Prefix(), testMint))
	if err != nil || n != 2 {
		t.Fatalf("Invalidate() = %d, %v; want 2", n, err)
	}
	if _, ok := l.Get(ctx, d1); ok {
		t.Error("d1 should be gone")
	}
	if mr.Exists(d2) {
		t.Error("d2 should be gone from redis")
	}
	if _, ok := l.Get(ctx, other); !ok {
		t.Error("other mint should survive")
	}
}

func TestLayer_InvalidateDuringOutage(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	mr, s := newRedis(t)
	l := newTestLayer(t, s, clock)

	key := l.Key(testMint, clock.Now())
	l.Put(ctx, key, highResult("1"))
	mr.Close()

	n, err := l.Invalidate(ctx, MintPattern(l.Prefix(), testMint))
	if err != nil || n != 1 {
		t.Fatalf("Invalidate() = %d, %v; want 1, nil", n, err)
	}
	if st := l.Stats(); st.Pending != 1 || st.Durable != "down" {
		t.Errorf("Stats() = %+v, want one held invalidation", st)
	}

	if err := mr.Restart(); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if !mr.Exists(key) {
		t.Fatal("redis should still hold the entry until the invalidation is applied")
	}

	clock.Advance(5 * time.Second)
	if _, ok := l.Get(ctx, key); ok {
		t.Error("invalidated entry came back from the durable store")
	}
	if mr.Exists(key) {
		t.Error("held invalidation should be applied on reconnect")
	}
	if st := l.Stats(); st.Pending != 0 || st.Durable != "up" {
		t.Errorf("Stats() = %+v, want nothing held", st)
	}
}

func TestLayer_NoDurable(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l := newTestLayer(t, nil, clock)

	key := l.Key(testMint, clock.Now())
	l.Put(ctx, key, highResult("1"))
	if _, ok := l.Get(ctx, key); !ok {
		t.Error("expected hit from memory")
	}
	if l.Stats().Durable != "none" {
		t.Errorf("Durable = %q, want none", l.Stats().Durable)
	}
	if err := l.Ping(ctx); err != nil {
		t.Errorf("Ping() = %v, want nil", err)
	}
}

func TestLayer_NativePrice(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	_, s := newRedis(t)
	l, _ := NewLayer(10, WithDurable(s), WithNativeTTL(60*time.Second))
	l.now = clock.Now

	if _, ok := l.NativePrice(ctx); ok {
		t.Fatal("expected miss before any write")
	}
	l.SetNativePrice(ctx, decimal.RequireFromString("150.25"))

	p, ok := l.NativePrice(ctx)
	if !ok || !p.Equal(decimal.RequireFromString("150.25")) {
		t.Fatalf("NativePrice() = %s, %v", p, ok)
	}

	clock.Advance(60 * time.Second)
	if _, ok := l.NativePrice(ctx); ok {
		t.Error("native price should be stale after its TTL")
	}
}
