package source

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/mcap-resolver/internal/api"
	"github.com/rickgao/mcap-resolver/internal/model"
	"github.com/rickgao/mcap-resolver/internal/upstream"
)

// Listing prices a token from a DexScreener-style listing API. It is the
// last rung of the ladder and reports market cap directly when the listing
// has one.
type Listing struct {
	client  *api.Client
	native  NativePricer
	chainID string
	now     func() time.Time
}

// NewListing creates the source.
func NewListing(client *api.Client, native NativePricer) *Listing {
	return &Listing{
		client:  client,
		native:  native,
		chainID: "solana",
		now:     time.Now,
	}
}

// Name implements Source.
func (l *Listing) Name() string { return NameListing }

type listingToken struct {
	Address string `json:"address"`
	Symbol  string `json:"symbol"`
}

type listingPair struct {
	ChainID     string       `json:"chainId"`
	DexID       string       `json:"dexId"`
	PairAddress string       `json:"pairAddress"`
	BaseToken   listingToken `json:"baseToken"`
	QuoteToken  listingToken `json:"quoteToken"`
	PriceNative string       `json:"priceNative"`
	PriceUSD    string       `json:"priceUsd"`
	Liquidity   *struct {
		USD float64 `json:"usd"`
	} `json:"liquidity"`
	FDV       float64 `json:"fdv"`
	MarketCap float64 `json:"marketCap"`
}

type listingResponse struct {
	Pairs []listingPair `json:"pairs"`
}

// GetPrice implements Source.
func (l *Listing) GetPrice(ctx context.Context, mint, quoteMint string, at *time.Time) (*model.PriceQuote, error) {
	var resp listingResponse
	if err := l.client.Get(ctx, "/latest/dex/tokens/"+url.PathEscape(mint), nil, &resp); err != nil {
		return nil, err
	}

	pair, ok := l.best(resp.Pairs, mint)
	if !ok {
		return nil, upstream.NotFound(fmt.Errorf("%s: no %s pair for %s", NameListing, l.chainID, mint))
	}

	var (
		price   decimal.Decimal
		outMint string
		err     error
	)
	if model.IsNative(quoteMint) && model.IsNative(pair.QuoteToken.Address) && pair.PriceNative != "" {
		price, err = parsePrice(NameListing, "priceNative", pair.PriceNative)
		outMint = model.NativeMint
	} else {
		var usd decimal.Decimal
		usd, err = parsePrice(NameListing, "priceUsd", pair.PriceUSD)
		if err == nil {
			price, outMint, err = toQuote(ctx, l.native, usd, quoteMint)
		}
	}
	if err != nil {
		return nil, err
	}

	q := &model.PriceQuote{
		Price:     price,
		QuoteMint: outMint,
		Source:    NameListing,
		Timestamp: l.now(),
	}
	if pair.MarketCap > 0 {
		q.MarketCap = decimal.NewNullDecimal(decimal.NewFromFloat(pair.MarketCap))
	}
	if pair.Liquidity != nil {
		tvl := pair.Liquidity.USD
		q.TVLUSD = &tvl
	}
	return q, nil
}

// best returns the most liquid pair listing mint as its base token.
func (l *Listing) best(pairs []listingPair, mint string) (listingPair, bool) {
	var (
		best  listingPair
		found bool
	)
	for _, p := range pairs {
		if p.ChainID != l.chainID || p.BaseToken.Address != mint || p.PriceUSD == "" {
			continue
		}
		if !found || liquidity(p) > liquidity(best) {
			best, found = p, true
		}
	}
	return best, found
}

func liquidity(p listingPair) float64 {
	if p.Liquidity == nil {
		return 0
	}
	return p.Liquidity.USD
}
