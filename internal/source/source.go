package source

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/mcap-resolver/internal/model"
	"github.com/rickgao/mcap-resolver/internal/upstream"
)

// Source is an external price source.
type Source interface {
	Name() string
	// GetPrice prices mint in quoteMint units (USD for stables). at is
	// advisory: sources without history report their latest observation
	// and stamp the quote with its own time.
	GetPrice(ctx context.Context, mint, quoteMint string, at *time.Time) (*model.PriceQuote, error)
}

// Decimals reports a mint's decimal precision.
type Decimals interface {
	Decimals(ctx context.Context, mint string) (uint8, error)
}

// NativePricer reports the native/USD price.
type NativePricer interface {
	NativeUSD(ctx context.Context) (decimal.Decimal, error)
}

// Names of the built-in sources.
const (
	NameDirectQuote = "direct_quote"
	NameAggregator  = "aggregator"
	NameListing     = "listing"
)

// toQuote converts a USD price into quoteMint units.
func toQuote(ctx context.Context, native NativePricer, usd decimal.Decimal, quoteMint string) (decimal.Decimal, string, error) {
	if !model.IsNative(quoteMint) {
		return usd, model.USDCMint, nil
	}
	if native == nil {
		return decimal.Zero, "", fmt.Errorf("no native price for %s quote", quoteMint)
	}
	p, err := native.NativeUSD(ctx)
	if err != nil {
		return decimal.Zero, "", err
	}
	if p.Sign() <= 0 {
		return decimal.Zero, "", fmt.Errorf("invalid native price %s", p)
	}
	return usd.Div(p), model.NativeMint, nil
}

// median returns the median of xs, averaging the middle pair for even counts.
func median(xs []decimal.Decimal) decimal.Decimal {
	s := append([]decimal.Decimal(nil), xs...)
	sort.Slice(s, func(i, j int) bool { return s[i].LessThan(s[j]) })
	n := len(s)
	if n == 0 {
		return decimal.Zero
	}
	if n%2 == 1 {
		return s[n/2]
	}
	return s[n/2-1].Add(s[n/2]).Div(decimal.NewFromInt(2))
}

// parsePrice parses a positive decimal string from an upstream payload.
func parsePrice(source, field, v string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, upstream.Upstream(0, fmt.Errorf("%s: parse %s %q: %w", source, field, v, err))
	}
	if d.Sign() <= 0 {
		return decimal.Zero, upstream.NotFound(fmt.Errorf("%s: non-positive %s %s", source, field, d))
	}
	return d, nil
}
