package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Well-known Solana mints.
const (
	NativeMint = "So11111111111111111111111111111111111111112" // wrapped SOL
	USDCMint   = "EPjFWdd5AufqSSqeM2qJ1kyUWhjRZqMdd7zHQa8gTqjE"
	USDTMint   = "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB"

	NativeDecimals = 9
)

// IsNative reports whether mint is the chain's native asset.
func IsNative(mint string) bool {
	return mint == NativeMint
}

// IsStable reports whether mint is a USD stablecoin priced at 1.
func IsStable(mint string) bool {
	return mint == USDCMint || mint == USDTMint
}

// -----------------------------------------------------------------------------
// Results
// -----------------------------------------------------------------------------

// MarketCapResult is the unit of work returned to callers and stored in the cache.
// Value is null exactly when Confidence is Unavailable.
type MarketCapResult struct {
	Mint       string              `json:"mint"`
	Value      decimal.NullDecimal `json:"value"`
	Price      decimal.NullDecimal `json:"price"` // USD per token, when known
	Confidence Confidence          `json:"confidence"`
	Source     string              `json:"source"`
	Slot       *uint64             `json:"slot,omitempty"`
	Timestamp  time.Time           `json:"timestamp"`
}

// Unavailable builds the terminal result for a mint no source could price.
func Unavailable(mint string, slot *uint64, ts time.Time) MarketCapResult {
	return MarketCapResult{
		Mint:       mint,
		Confidence: ConfidenceUnavailable,
		Source:     "none",
		Slot:       slot,
		Timestamp:  ts,
	}
}

// Valid reports whether the result satisfies the confidence/value invariant.
func (r MarketCapResult) Valid() bool {
	if !r.Confidence.Known() {
		return false
	}
	return (r.Confidence == ConfidenceUnavailable) == !r.Value.Valid
}

// PriceQuote is the atomic unit returned by any price source.
type PriceQuote struct {
	Price     decimal.Decimal     `json:"price"`      // quote units per token
	QuoteMint string              `json:"quote_mint"` // USDCMint for USD-normalized quotes
	Source    string              `json:"source"`
	TVLUSD    *float64            `json:"tvl_usd,omitempty"`
	MarketCap decimal.NullDecimal `json:"market_cap"` // set by sources that report market cap directly
	Timestamp time.Time           `json:"timestamp"`
}

// -----------------------------------------------------------------------------
// On-chain state
// -----------------------------------------------------------------------------

// SupplyRecord is a token supply observation.
type SupplyRecord struct {
	Mint        string
	Slot        *uint64
	Total       decimal.Decimal     // UI units
	Circulating decimal.NullDecimal // UI units, when the source knows it
	Decimals    uint8
	ResolvedAt  time.Time
}

// Effective returns circulating supply when known, else total.
func (s SupplyRecord) Effective() decimal.Decimal {
	if s.Circulating.Valid {
		return s.Circulating.Decimal
	}
	return s.Total
}

// LiquidityPool is a pool pairing MintA (base) with MintB (quote).
// Reserves are raw base-unit amounts.
type LiquidityPool struct {
	Address   string
	DEX       string
	MintA     string
	MintB     string
	ReserveA  decimal.Decimal
	ReserveB  decimal.Decimal
	DecimalsA uint8
	DecimalsB uint8
	TVLUSD    float64
	Slot      uint64
}

// UIReserves returns both reserves adjusted for token decimals.
func (p LiquidityPool) UIReserves() (a, b decimal.Decimal) {
	return p.ReserveA.Shift(-int32(p.DecimalsA)), p.ReserveB.Shift(-int32(p.DecimalsB))
}

// SpotPrice returns the price of MintA denominated in MintB.
// ok is false when the base reserve is empty.
func (p LiquidityPool) SpotPrice() (price decimal.Decimal, ok bool) {
	a, b := p.UIReserves()
	if a.Sign() <= 0 || b.Sign() < 0 {
		return decimal.Zero, false
	}
	return b.Div(a), true
}

// Oriented returns the pool with mint on the A side. ok is false if mint is not in the pool.
func (p LiquidityPool) Oriented(mint string) (LiquidityPool, bool) {
	switch mint {
	case p.MintA:
		return p, true
	case p.MintB:
		return LiquidityPool{
			Address:   p.Address,
			DEX:       p.DEX,
			MintA:     p.MintB,
			MintB:     p.MintA,
			ReserveA:  p.ReserveB,
			ReserveB:  p.ReserveA,
			DecimalsA: p.DecimalsB,
			DecimalsB: p.DecimalsA,
			TVLUSD:    p.TVLUSD,
			Slot:      p.Slot,
		}, true
	default:
		return p, false
	}
}

// ReserveSnapshot records pool reserves observed at a slot. Bucket groups slots
// so at most one snapshot per pool is kept for each bucket.
type ReserveSnapshot struct {
	Pool       string
	DEX        string
	MintA      string
	MintB      string
	ReserveA   decimal.Decimal
	ReserveB   decimal.Decimal
	DecimalsA  uint8
	DecimalsB  uint8
	Slot       uint64
	Bucket     uint64
	ObservedAt time.Time
}

// LiquidityPool rebuilds the pool as it was at the snapshot slot.
// TVL is left zero for the caller to recompute.
func (s ReserveSnapshot) LiquidityPool() LiquidityPool {
	return LiquidityPool{
		Address:   s.Pool,
		DEX:       s.DEX,
		MintA:     s.MintA,
		MintB:     s.MintB,
		ReserveA:  s.ReserveA,
		ReserveB:  s.ReserveB,
		DecimalsA: s.DecimalsA,
		DecimalsB: s.DecimalsB,
		Slot:      s.Slot,
	}
}

// SupplySnapshot records a token's total supply observed at a slot.
type SupplySnapshot struct {
	Mint       string
	Slot       uint64
	Total      decimal.Decimal // UI units
	Decimals   uint8
	ObservedAt time.Time
}

// -----------------------------------------------------------------------------
// Trades
// -----------------------------------------------------------------------------

// TradeRecord is a trade from the transaction fetcher that needs pricing.
type TradeRecord struct {
	ID        uuid.UUID       `json:"id"`
	Mint      string          `json:"mint"`
	Slot      uint64          `json:"slot"`
	Timestamp int64           `json:"timestamp"` // unix seconds
	Side      string          `json:"side"`      // "buy" or "sell"
	Amount    decimal.Decimal `json:"amount"`    // UI units
}

// Time returns the trade timestamp, or the zero time if unset.
func (t TradeRecord) Time() time.Time {
	if t.Timestamp == 0 {
		return time.Time{}
	}
	return time.Unix(t.Timestamp, 0).UTC()
}

// PricedTrade is a trade joined with the market-cap resolution for its slot.
// ValueUSD is Amount x PriceUSD when the resolution produced a USD price.
type PricedTrade struct {
	Trade    TradeRecord         `json:"trade"`
	Result   MarketCapResult     `json:"result"`
	PriceUSD decimal.NullDecimal `json:"price_usd"`
	ValueUSD decimal.NullDecimal `json:"value_usd"`
}

// Price joins t with r.
func Price(t TradeRecord, r MarketCapResult) PricedTrade {
	p := PricedTrade{Trade: t, Result: r}
	if r.Price.Valid {
		p.PriceUSD = r.Price
		p.ValueUSD = decimal.NewNullDecimal(t.Amount.Mul(r.Price.Decimal))
	}
	return p
}
