package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/mcap-resolver/internal/model"
)

// Defaults for Reader.
const (
	DefaultMinTVLUSD      = 5000
	DefaultBucketWidth    = 9000
	DefaultNativePriceTTL = 60 * time.Second
)

// ErrNoNativePrice is returned when no pool can price the native asset in USD.
var ErrNoNativePrice = errors.New("no native asset price")

// NativePriceCache holds the short-lived native/USD price.
type NativePriceCache interface {
	NativePrice(ctx context.Context) (decimal.Decimal, bool)
	SetNativePrice(ctx context.Context, price decimal.Decimal)
}

// SlotSource reports the current chain slot.
type SlotSource interface {
	CurrentSlot(ctx context.Context) (uint64, error)
}

// Reader is the AMM price reader. It is safe for concurrent use.
type Reader struct {
	lister      Lister
	history     SnapshotStore
	native      NativePriceCache
	slots       SlotSource
	minTVL      float64
	bucketWidth uint64
	quoteMints  []string
	logger      *slog.Logger
	now         func() time.Time
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithMinTVL sets the USD liquidity floor.
func WithMinTVL(usd float64) ReaderOption {
	return func(r *Reader) {
		r.minTVL = usd
	}
}

// WithSnapshots sets the reserve snapshot store.
func WithSnapshots(s SnapshotStore) ReaderOption {
	return func(r *Reader) {
		if s != nil {
			r.history = s
		}
	}
}

// WithNativeCache sets where the native/USD price is kept.
func WithNativeCache(c NativePriceCache) ReaderOption {
	return func(r *Reader) {
		if c != nil {
			r.native = c
		}
	}
}

// WithSlotSource sets the source of the current slot stamped on live
// snapshots. Without one, live reads are not recorded.
func WithSlotSource(s SlotSource) ReaderOption {
	return func(r *Reader) {
		r.slots = s
	}
}

// WithBucketWidth sets the number of slots per snapshot bucket.
func WithBucketWidth(slots uint64) ReaderOption {
	return func(r *Reader) {
		if slots > 0 {
			r.bucketWidth = slots
		}
	}
}

// WithQuoteMints sets the quote mints tried besides the requested one.
// Only USD stables and the native mint can be valued.
func WithQuoteMints(mints []string) ReaderOption {
	return func(r *Reader) {
		r.quoteMints = append([]string(nil), mints...)
	}
}

// WithReaderLogger sets the logger.
func WithReaderLogger(logger *slog.Logger) ReaderOption {
	return func(r *Reader) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewReader creates a Reader discovering live pools through lister.
func NewReader(lister Lister, opts ...ReaderOption) *Reader {
	r := &Reader{
		lister:      lister,
		history:     NewMemorySnapshots(),
		native:      newLocalNative(DefaultNativePriceTTL),
		minTVL:      DefaultMinTVLUSD,
		bucketWidth: DefaultBucketWidth,
		quoteMints:  []string{model.USDCMint, model.NativeMint},
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// candidate is a pool oriented with the priced mint on the A side.
type candidate struct {
	pool     model.LiquidityPool
	priceUSD decimal.Decimal
	tvlUSD   float64
}

// GetPrice returns the spot price of mint from the deepest eligible pool,
// denominated in quoteMint (USD for stables). A nil quote with a nil error
// means no pool met the liquidity floor.
func (r *Reader) GetPrice(ctx context.Context, mint, quoteMint string, slot *uint64) (*model.PriceQuote, error) {
	cands, err := r.candidates(ctx, mint, quoteMint, slot)
	if err != nil {
		return nil, err
	}
	best, ok := deepest(cands)
	if !ok {
		return nil, nil
	}

	price := best.priceUSD
	quoteOut := model.USDCMint
	if model.IsNative(quoteMint) {
		native, err := r.nativeUSD(ctx, slot)
		if err != nil {
			return nil, err
		}
		price = price.Div(native)
		quoteOut = model.NativeMint
	}

	tvl := best.tvlUSD
	return &model.PriceQuote{
		Price:     price,
		QuoteMint: quoteOut,
		Source:    SourceName(best.pool),
		TVLUSD:    &tvl,
		Timestamp: r.now(),
	}, nil
}

// SourceName identifies a pool in results.
func SourceName(p model.LiquidityPool) string {
	return "amm:" + p.DEX + ":" + p.Address
}

// Record lists the live pools of mint against every quote mint and stores
// their reserves. It returns the number of new snapshots.
func (r *Reader) Record(ctx context.Context, mint string) (int, error) {
	var (
		total int
		errs  []error
	)
	for _, q := range r.quotesFor(mint, "") {
		_, n, err := r.live(ctx, mint, q)
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

func (r *Reader) candidates(ctx context.Context, mint, quoteMint string, slot *uint64) ([]candidate, error) {
	var (
		out      []candidate
		errs     []error
		attempts int
	)

	for _, q := range r.quotesFor(mint, quoteMint) {
		quoteUSD, err := r.quoteUSD(ctx, q, slot)
		if err != nil {
			r.logger.Debug("skipping unpriceable quote mint", "mint", mint, "quote", q, "err", err)
			continue
		}

		attempts++
		pools, err := r.pools(ctx, mint, q, slot)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		for _, p := range pools {
			c, ok := r.value(p, mint, quoteUSD)
			if !ok {
				continue
			}
			if c.tvlUSD < r.minTVL {
				r.logger.Debug("pool below liquidity floor",
					"pool", p.Address,
					"tvl_usd", c.tvlUSD,
					"min_tvl_usd", r.minTVL,
				)
				continue
			}
			out = append(out, c)
		}
	}

	if len(out) == 0 && attempts > 0 && len(errs) == attempts {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// value orients p on mint and computes its USD price and TVL.
func (r *Reader) value(p model.LiquidityPool, mint string, quoteUSD decimal.Decimal) (candidate, bool) {
	o, ok := p.Oriented(mint)
	if !ok {
		return candidate{}, false
	}
	spot, ok := o.SpotPrice()
	if !ok || spot.Sign() <= 0 {
		return candidate{}, false
	}

	priceUSD := spot.Mul(quoteUSD)
	a, b := o.UIReserves()
	tvl := a.Mul(priceUSD).Add(b.Mul(quoteUSD)).InexactFloat64()

	o.TVLUSD = tvl
	return candidate{pool: o, priceUSD: priceUSD, tvlUSD: tvl}, true
}

// deepest picks the highest-TVL candidate, ties broken by pool address.
func deepest(cands []candidate) (candidate, bool) {
	if len(cands) == 0 {
		return candidate{}, false
	}
	best := cands[0]
	for _, c := range cands[1:] {
		if c.tvlUSD > best.tvlUSD || (c.tvlUSD == best.tvlUSD && c.pool.Address < best.pool.Address) {
			best = c
		}
	}
	return best, true
}

func (r *Reader) quotesFor(mint, quoteMint string) []string {
	seen := map[string]bool{mint: true}
	var out []string
	add := func(q string) {
		if q == "" || seen[q] {
			return
		}
		if !model.IsStable(q) && !model.IsNative(q) {
			return
		}
		seen[q] = true
		out = append(out, q)
	}

	add(quoteMint)
	add(model.NativeMint)
	for _, q := range r.quoteMints {
		add(q)
	}
	return out
}

func (r *Reader) quoteUSD(ctx context.Context, quote string, slot *uint64) (decimal.Decimal, error) {
	switch {
	case model.IsStable(quote):
		return decimal.NewFromInt(1), nil
	case model.IsNative(quote):
		return r.nativeUSD(ctx, slot)
	}
	return decimal.Zero, fmt.Errorf("cannot value quote mint %s", quote)
}

// pools returns the pools of mint/quote: snapshots for a historical slot,
// live reserves otherwise.
func (r *Reader) pools(ctx context.Context, mint, quote string, slot *uint64) ([]model.LiquidityPool, error) {
	if slot == nil {
		pools, _, err := r.live(ctx, mint, quote)
		return pools, err
	}

	snaps, err := r.history.PoolsAt(ctx, mint, quote, *slot)
	if err != nil {
		return nil, fmt.Errorf("reserve snapshots %s/%s at %d: %w", mint, quote, *slot, err)
	}
	pools := make([]model.LiquidityPool, len(snaps))
	for i, s := range snaps {
		pools[i] = s.LiquidityPool()
	}
	return pools, nil
}

// live lists current pools and records them as snapshots at the current slot.
func (r *Reader) live(ctx context.Context, mint, quote string) ([]model.LiquidityPool, int, error) {
	pools, err := r.lister.ListPools(ctx, mint, quote)
	if err != nil {
		return nil, 0, err
	}
	if len(pools) == 0 || r.slots == nil {
		return pools, 0, nil
	}

	slot, err := r.slots.CurrentSlot(ctx)
	if err != nil {
		r.logger.Warn("current slot unavailable, reserves not recorded", "mint", mint, "err", err)
		return pools, 0, nil
	}

	now := r.now()
	snaps := make([]model.ReserveSnapshot, len(pools))
	for i := range pools {
		pools[i].Slot = slot
		snaps[i] = Snapshot(pools[i], slot, r.bucketWidth, now)
	}
	n, err := r.history.RecordReserves(ctx, snaps)
	if err != nil {
		r.logger.Warn("record reserve snapshots failed", "mint", mint, "quote", quote, "err", err)
		return pools, 0, nil
	}
	return pools, n, nil
}

// NativeUSD returns the current native/USD price.
func (r *Reader) NativeUSD(ctx context.Context) (decimal.Decimal, error) {
	return r.nativeUSD(ctx, nil)
}

// nativeUSD prices the native asset from its deepest USDC pool. Historical
// slots use snapshots when present; the live price is cached briefly.
func (r *Reader) nativeUSD(ctx context.Context, slot *uint64) (decimal.Decimal, error) {
	if slot != nil {
		snaps, err := r.history.PoolsAt(ctx, model.NativeMint, model.USDCMint, *slot)
		if err == nil {
			pools := make([]model.LiquidityPool, len(snaps))
			for i, s := range snaps {
				pools[i] = s.LiquidityPool()
			}
			if price, ok := r.nativeFrom(pools); ok {
				return price, nil
			}
		}
	}

	if price, ok := r.native.NativePrice(ctx); ok {
		return price, nil
	}

	pools, _, err := r.live(ctx, model.NativeMint, model.USDCMint)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrNoNativePrice, err)
	}
	price, ok := r.nativeFrom(pools)
	if !ok {
		return decimal.Zero, ErrNoNativePrice
	}
	r.native.SetNativePrice(ctx, price)
	return price, nil
}

func (r *Reader) nativeFrom(pools []model.LiquidityPool) (decimal.Decimal, bool) {
	var cands []candidate
	one := decimal.NewFromInt(1)
	for _, p := range pools {
		c, ok := r.value(p, model.NativeMint, one)
		if ok && c.tvlUSD >= r.minTVL {
			cands = append(cands, c)
		}
	}
	best, ok := deepest(cands)
	if !ok {
		return decimal.Zero, false
	}
	return best.priceUSD, true
}

// localNative is the fallback NativePriceCache when none is configured.
type localNative struct {
	mu      sync.Mutex
	ttl     time.Duration
	price   decimal.Decimal
	expires time.Time
}

func newLocalNative(ttl time.Duration) *localNative {
	return &localNative{ttl: ttl}
}

func (l *localNative) NativePrice(ctx context.Context) (decimal.Decimal, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.expires.IsZero() || time.Now().After(l.expires) {
		return decimal.Zero, false
	}
	return l.price, true
}

func (l *localNative) SetNativePrice(ctx context.Context, price decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.price = price
	l.expires = time.Now().Add(l.ttl)
}
