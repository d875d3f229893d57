package ladder

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/mcap-resolver/internal/cache"
	"github.com/rickgao/mcap-resolver/internal/model"
	"github.com/rickgao/mcap-resolver/internal/pool"
	"github.com/rickgao/mcap-resolver/internal/source"
	"github.com/rickgao/mcap-resolver/internal/upstream"
)

// DefaultDeadline bounds a single resolution.
const DefaultDeadline = 30 * time.Second

// maxQuoteSkew bounds how far a source's own market cap may lie from the
// requested time before the ladder prices it against supply instead.
const maxQuoteSkew = 24 * time.Hour

// SupplyResolver returns token supply at a slot.
type SupplyResolver interface {
	ResolveSupply(ctx context.Context, mint string, slot *uint64) (model.SupplyRecord, error)
}

// PriceReader is the on-chain price source. A nil quote with a nil error
// means no pool met the liquidity floor.
type PriceReader interface {
	GetPrice(ctx context.Context, mint, quoteMint string, slot *uint64) (*model.PriceQuote, error)
}

// Clock converts slots to wall time.
type Clock interface {
	TimeAt(ctx context.Context, slot uint64) (time.Time, error)
}

// Cache is the result cache.
type Cache interface {
	Key(mint string, t time.Time) string
	Get(ctx context.Context, key string) (*cache.Entry, bool)
	GetMany(ctx context.Context, keys []string) map[string]*cache.Entry
	Put(ctx context.Context, key string, result model.MarketCapResult) error
}

var _ Cache = (*cache.Layer)(nil)

// Resolver is the price ladder. It is safe for concurrent use.
type Resolver struct {
	cache    Cache
	supply   SupplyResolver
	amm      PriceReader
	sources  []source.Source
	clock    Clock
	deadline time.Duration
	batchMax int
	width    uint64
	logger   *slog.Logger
	now      func() time.Time

	requests    atomic.Int64
	cacheHits   atomic.Int64
	high        atomic.Int64
	estimated   atomic.Int64
	unavailable atomic.Int64
	expired     atomic.Int64
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithSources sets the fallback sources in priority order.
func WithSources(sources ...source.Source) Option {
	return func(r *Resolver) {
		r.sources = append([]source.Source(nil), sources...)
	}
}

// WithClock sets the slot clock used to pick the day bucket of slot-only
// requests. Without one they fall in the current day.
func WithClock(c Clock) Option {
	return func(r *Resolver) {
		r.clock = c
	}
}

// WithDeadline bounds each resolution. Zero disables the bound.
func WithDeadline(d time.Duration) Option {
	return func(r *Resolver) {
		r.deadline = d
	}
}

// WithBatchConcurrency caps concurrent resolutions in ResolveBatch.
func WithBatchConcurrency(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.batchMax = n
		}
	}
}

// WithBucketWidth sets the reserve snapshot width in slots. A cached result
// answers a slot request only when both slots fall in the same bucket.
func WithBucketWidth(slots uint64) Option {
	return func(r *Resolver) {
		if slots > 0 {
			r.width = slots
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New creates a Resolver. amm may be nil to run on fallbacks only.
func New(c Cache, supply SupplyResolver, amm PriceReader, opts ...Option) *Resolver {
	r := &Resolver{
		cache:    c,
		supply:   supply,
		amm:      amm,
		deadline: DefaultDeadline,
		batchMax: 8,
		width:    pool.DefaultBucketWidth,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the market cap of mint at slot and/or timestamp. Both are
// optional; the timestamp selects the day bucket when given. Resolve always
// returns a result: failures surface as Confidence Unavailable.
func (r *Resolver) Resolve(ctx context.Context, mint string, slot *uint64, ts *time.Time) model.MarketCapResult {
	r.requests.Add(1)
	ctx, cancel := r.withDeadline(ctx)
	defer cancel()

	at := r.bucketTime(ctx, slot, ts)
	key := r.cache.Key(mint, at)
	if e, ok := r.cache.Get(ctx, key); ok && r.answers(e, slot) {
		r.cacheHits.Add(1)
		r.logger.Debug("ladder", "state", "cache_hit", "mint", mint, "key", key)
		return e.Payload
	}
	return r.resolveMiss(ctx, mint, slot, at, key)
}

// answers reports whether a cached entry can serve a request at slot. The
// day key is shared by every slot of that day, so a slot request also needs
// the cached slot in its reserve bucket. The miss overwrites the entry.
func (r *Resolver) answers(e *cache.Entry, slot *uint64) bool {
	if slot == nil {
		return true
	}
	cached := e.Payload.Slot
	if cached == nil || pool.Bucket(*cached, r.width) != pool.Bucket(*slot, r.width) {
		r.logger.Debug("ladder", "state", "cache_stale_bucket", "mint", e.Payload.Mint, "slot", *slot)
		return false
	}
	return true
}

// resolveMiss runs the primary and fallback tiers and writes the outcome
// through the cache.
func (r *Resolver) resolveMiss(ctx context.Context, mint string, slot *uint64, at time.Time, key string) model.MarketCapResult {
	var supply supplyMemo
	res, ok := r.primary(ctx, mint, slot, at, &supply)
	if !ok {
		res, ok = r.fallback(ctx, mint, slot, at, &supply)
	}

	if !ok {
		res = model.Unavailable(mint, slot, at)
		if ctx.Err() != nil {
			r.expired.Add(1)
			r.unavailable.Add(1)
			r.logger.Warn("resolution abandoned", "mint", mint, "key", key, "err", ctx.Err())
			return res
		}
		r.logger.Debug("ladder", "state", "unavailable", "mint", mint)
	}

	switch res.Confidence {
	case model.ConfidenceHigh:
		r.high.Add(1)
	case model.ConfidenceEstimated:
		r.estimated.Add(1)
	default:
		r.unavailable.Add(1)
	}

	if err := r.cache.Put(context.WithoutCancel(ctx), key, res); err != nil {
		r.logger.Warn("cache write failed", "key", key, "err", err)
	}
	r.logger.Debug("ladder", "state", "cached", "mint", mint, "key", key, "confidence", res.Confidence)
	return res
}

// supplyMemo carries one supply lookup across the tiers.
type supplyMemo struct {
	rec  *model.SupplyRecord
	done bool
}

func (m *supplyMemo) set(rec model.SupplyRecord, err error) {
	m.done = true
	if err == nil {
		m.rec = &rec
	}
}

// primary resolves supply and the AMM price concurrently. The supply lookup
// is kept in memo even when pricing fails so the fallback tier can reuse it.
func (r *Resolver) primary(ctx context.Context, mint string, slot *uint64, at time.Time, memo *supplyMemo) (model.MarketCapResult, bool) {
	if r.amm == nil {
		return model.MarketCapResult{}, false
	}
	r.logger.Debug("ladder", "state", "primary", "mint", mint)

	var (
		g         errgroup.Group
		supply    model.SupplyRecord
		supplyErr error
		quote     *model.PriceQuote
		quoteErr  error
	)
	g.Go(func() error {
		supply, supplyErr = r.supply.ResolveSupply(ctx, mint, slot)
		return nil
	})
	g.Go(func() error {
		quote, quoteErr = r.amm.GetPrice(ctx, mint, model.USDCMint, slot)
		return nil
	})
	_ = g.Wait()

	memo.set(supply, supplyErr)
	if supplyErr != nil {
		r.absorb("supply", mint, supplyErr)
	}

	switch {
	case quoteErr != nil:
		r.absorb("amm", mint, quoteErr)
		return model.MarketCapResult{}, false
	case quote == nil:
		r.logger.Debug("no pool above liquidity floor", "mint", mint)
		return model.MarketCapResult{}, false
	case memo.rec == nil:
		return model.MarketCapResult{}, false
	}

	value := memo.rec.Effective().Mul(quote.Price)
	if value.Sign() <= 0 {
		return model.MarketCapResult{}, false
	}
	return result(mint, value, quote.Price, model.ConfidenceHigh, quote.Source, slot, at), true
}

// fallback asks each source in order; the first usable answer wins.
func (r *Resolver) fallback(ctx context.Context, mint string, slot *uint64, at time.Time, supply *supplyMemo) (model.MarketCapResult, bool) {
	for i, src := range r.sources {
		if ctx.Err() != nil {
			return model.MarketCapResult{}, false
		}
		r.logger.Debug("ladder", "state", "fallback", "index", i, "source", src.Name(), "mint", mint)

		q, err := src.GetPrice(ctx, mint, model.USDCMint, &at)
		if err != nil {
			r.absorb(src.Name(), mint, err)
			continue
		}
		if q == nil {
			continue
		}

		if q.MarketCap.Valid && q.MarketCap.Decimal.Sign() > 0 && !staleQuote(q, at) {
			price := decimal.Zero
			if model.IsStable(q.QuoteMint) {
				price = q.Price
			}
			return result(mint, q.MarketCap.Decimal, price, model.ConfidenceEstimated, q.Source, slot, at), true
		}

		if !model.IsStable(q.QuoteMint) || q.Price.Sign() <= 0 {
			r.logger.Warn("discarding non-USD quote", "source", src.Name(), "mint", mint, "quote", q.QuoteMint)
			continue
		}

		if !supply.done {
			rec, err := r.supply.ResolveSupply(ctx, mint, slot)
			supply.set(rec, err)
			if err != nil {
				r.absorb("supply", mint, err)
			}
		}
		if supply.rec == nil {
			continue
		}

		value := supply.rec.Effective().Mul(q.Price)
		if value.Sign() <= 0 {
			continue
		}
		return result(mint, value, q.Price, model.ConfidenceEstimated, q.Source, slot, at), true
	}
	return model.MarketCapResult{}, false
}

// staleQuote reports whether q was observed too far from at for its market
// cap to stand in for the requested day. Undated quotes are taken as current.
func staleQuote(q *model.PriceQuote, at time.Time) bool {
	if q.Timestamp.IsZero() {
		return false
	}
	skew := q.Timestamp.Sub(at)
	if skew < 0 {
		skew = -skew
	}
	return skew > maxQuoteSkew
}

// absorb logs a failure that is not allowed to abort the ladder.
func (r *Resolver) absorb(name, mint string, err error) {
	attempts := 1
	var ue *upstream.Error
	if errors.As(err, &ue) && ue.Attempts > 0 {
		attempts = ue.Attempts
	}
	level := slog.LevelWarn
	if errors.Is(err, upstream.ErrNotFound) || errors.Is(err, context.Canceled) {
		level = slog.LevelDebug
	}
	r.logger.Log(context.Background(), level, "source failed",
		"source", name,
		"mint", mint,
		"attempts", attempts,
		"err", err,
	)
}

// bucketTime picks the time whose day keys the cache entry: the timestamp
// when given, else the block time of slot, else now.
func (r *Resolver) bucketTime(ctx context.Context, slot *uint64, ts *time.Time) time.Time {
	if ts != nil && !ts.IsZero() {
		return ts.UTC()
	}
	if slot != nil && r.clock != nil {
		t, err := r.clock.TimeAt(ctx, *slot)
		if err == nil {
			return t.UTC()
		}
		r.logger.Warn("slot time unavailable, using current day", "slot", *slot, "err", err)
	}
	return r.now().UTC()
}

func (r *Resolver) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.deadline <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.deadline)
}

func result(mint string, value, price decimal.Decimal, c model.Confidence, src string, slot *uint64, at time.Time) model.MarketCapResult {
	res := model.MarketCapResult{
		Mint:       mint,
		Value:      decimal.NewNullDecimal(value),
		Confidence: c,
		Source:     src,
		Slot:       slot,
		Timestamp:  at,
	}
	if price.Sign() > 0 {
		res.Price = decimal.NewNullDecimal(price)
	}
	return res
}

// Stats counts resolutions by outcome.
type Stats struct {
	Requests    int64 `json:"requests"`
	CacheHits   int64 `json:"cache_hits"`
	High        int64 `json:"high"`
	Estimated   int64 `json:"estimated"`
	Unavailable int64 `json:"unavailable"`
	Expired     int64 `json:"expired"`
}

// Stats returns the current counters.
func (r *Resolver) Stats() Stats {
	return Stats{
		Requests:    r.requests.Load(),
		CacheHits:   r.cacheHits.Load(),
		High:        r.high.Load(),
		Estimated:   r.estimated.Load(),
		Unavailable: r.unavailable.Load(),
		Expired:     r.expired.Load(),
	}
}
