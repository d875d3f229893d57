package source

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/mcap-resolver/internal/api"
	"github.com/rickgao/mcap-resolver/internal/model"
	"github.com/rickgao/mcap-resolver/internal/upstream"
)

// DirectQuote prices a token by simulating a swap on a Jupiter-style
// aggregator. Buying a fixed amount of the quote token captures the
// executable price, which tracks illiquid tokens better than a book price.
type DirectQuote struct {
	client      *api.Client
	decimals    Decimals
	probeAmount decimal.Decimal
	slippageBps int
	logger      *slog.Logger
	now         func() time.Time
}

// NewDirectQuote creates the source. probeAmount is the number of quote
// tokens spent in the simulated swap.
func NewDirectQuote(client *api.Client, decimals Decimals, probeAmount float64, logger *slog.Logger) *DirectQuote {
	if logger == nil {
		logger = slog.Default()
	}
	if probeAmount <= 0 {
		probeAmount = 100
	}
	return &DirectQuote{
		client:      client,
		decimals:    decimals,
		probeAmount: decimal.NewFromFloat(probeAmount),
		slippageBps: 50,
		logger:      logger,
		now:         time.Now,
	}
}

// Name implements Source.
func (d *DirectQuote) Name() string { return NameDirectQuote }

type swapQuote struct {
	InputMint      string `json:"inputMint"`
	InAmount       string `json:"inAmount"`
	OutputMint     string `json:"outputMint"`
	OutAmount      string `json:"outAmount"`
	PriceImpactPct string `json:"priceImpactPct"`
}

type priceResponse struct {
	Data map[string]*struct {
		ID    string `json:"id"`
		Type  string `json:"type"`
		Price string `json:"price"`
	} `json:"data"`
}

// GetPrice implements Source.
func (d *DirectQuote) GetPrice(ctx context.Context, mint, quoteMint string, at *time.Time) (*model.PriceQuote, error) {
	if quoteMint == "" {
		quoteMint = model.USDCMint
	}

	price, err := d.simulate(ctx, mint, quoteMint)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		d.logger.Debug("swap simulation failed, using price endpoint", "mint", mint, "err", err)
		price, err = d.spot(ctx, mint, quoteMint)
		if err != nil {
			return nil, err
		}
	}

	outMint := quoteMint
	if model.IsStable(quoteMint) {
		outMint = model.USDCMint
	}
	return &model.PriceQuote{
		Price:     price,
		QuoteMint: outMint,
		Source:    NameDirectQuote,
		Timestamp: d.now(),
	}, nil
}

func (d *DirectQuote) simulate(ctx context.Context, mint, quoteMint string) (decimal.Decimal, error) {
	if d.decimals == nil {
		return decimal.Zero, fmt.Errorf("no decimals lookup")
	}
	quoteDec, err := d.decimals.Decimals(ctx, quoteMint)
	if err != nil {
		return decimal.Zero, fmt.Errorf("quote decimals: %w", err)
	}
	mintDec, err := d.decimals.Decimals(ctx, mint)
	if err != nil {
		return decimal.Zero, fmt.Errorf("mint decimals: %w", err)
	}

	query := url.Values{}
	query.Set("inputMint", quoteMint)
	query.Set("outputMint", mint)
	query.Set("amount", d.probeAmount.Shift(int32(quoteDec)).Floor().String())
	query.Set("swapMode", "ExactIn")
	query.Set("slippageBps", fmt.Sprint(d.slippageBps))

	var q swapQuote
	if err := d.client.Get(ctx, "/swap/v1/quote", query, &q); err != nil {
		return decimal.Zero, err
	}

	in, err := decimal.NewFromString(q.InAmount)
	if err != nil {
		return decimal.Zero, upstream.Upstream(0, fmt.Errorf("parse inAmount %q: %w", q.InAmount, err))
	}
	out, err := decimal.NewFromString(q.OutAmount)
	if err != nil {
		return decimal.Zero, upstream.Upstream(0, fmt.Errorf("parse outAmount %q: %w", q.OutAmount, err))
	}
	if in.Sign() <= 0 || out.Sign() <= 0 {
		return decimal.Zero, upstream.NotFound(fmt.Errorf("no route for %s", mint))
	}

	return in.Shift(-int32(quoteDec)).Div(out.Shift(-int32(mintDec))), nil
}

func (d *DirectQuote) spot(ctx context.Context, mint, quoteMint string) (decimal.Decimal, error) {
	query := url.Values{}
	query.Set("ids", mint)
	query.Set("vsToken", quoteMint)

	var resp priceResponse
	if err := d.client.Get(ctx, "/price/v2", query, &resp); err != nil {
		return decimal.Zero, err
	}
	entry := resp.Data[mint]
	if entry == nil || entry.Price == "" {
		return decimal.Zero, upstream.NotFound(fmt.Errorf("%s: no price for %s", NameDirectQuote, mint))
	}
	return parsePrice(NameDirectQuote, "price", entry.Price)
}
