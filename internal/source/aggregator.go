package source

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/mcap-resolver/internal/api"
	"github.com/rickgao/mcap-resolver/internal/model"
	"github.com/rickgao/mcap-resolver/internal/upstream"
)

// HistoryAfter is how far in the past a requested time must be before the
// aggregator reads its dated price chart instead of live tickers.
const HistoryAfter = 24 * time.Hour

// historyWindow is searched on each side of the requested time.
const historyWindow = 12 * time.Hour

// Aggregator prices a token from a CoinGecko-style multi-exchange ticker
// list. Only exchanges with trailing volume of at least minVolume native
// units count; the price is the median of the topN of those by volume.
// Requests more than HistoryAfter in the past use the aggregated price
// chart point nearest the requested time.
type Aggregator struct {
	client    *api.Client
	native    NativePricer
	platform  string
	minVolume decimal.Decimal
	topN      int
	now       func() time.Time
}

// NewAggregator creates the source.
func NewAggregator(client *api.Client, native NativePricer, platform string, minVolumeNative float64, topN int) *Aggregator {
	if topN < 1 {
		topN = 3
	}
	return &Aggregator{
		client:    client,
		native:    native,
		platform:  platform,
		minVolume: decimal.NewFromFloat(minVolumeNative),
		topN:      topN,
		now:       time.Now,
	}
}

// Name implements Source.
func (a *Aggregator) Name() string { return NameAggregator }

type usdAmount struct {
	USD *float64 `json:"usd"`
}

type ticker struct {
	Base   string `json:"base"`
	Target string `json:"target"`
	Market struct {
		Name       string `json:"name"`
		Identifier string `json:"identifier"`
	} `json:"market"`
	ConvertedLast   usdAmount `json:"converted_last"`
	ConvertedVolume usdAmount `json:"converted_volume"`
	IsAnomaly       bool      `json:"is_anomaly"`
	IsStale         bool      `json:"is_stale"`
}

type coinResponse struct {
	ID      string   `json:"id"`
	Tickers []ticker `json:"tickers"`
}

// chartResponse holds [unix millis, price] pairs.
type chartResponse struct {
	Prices [][2]float64 `json:"prices"`
}

type observation struct {
	exchange  string
	priceUSD  decimal.Decimal
	volNative decimal.Decimal
}

// GetPrice implements Source.
func (a *Aggregator) GetPrice(ctx context.Context, mint, quoteMint string, at *time.Time) (*model.PriceQuote, error) {
	if at != nil && a.now().Sub(*at) > HistoryAfter {
		return a.historical(ctx, mint, quoteMint, *at)
	}
	if a.native == nil {
		return nil, fmt.Errorf("%s: native pricer not configured", NameAggregator)
	}
	nativeUSD, err := a.native.NativeUSD(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: native price: %w", NameAggregator, err)
	}
	if nativeUSD.Sign() <= 0 {
		return nil, fmt.Errorf("%s: invalid native price %s", NameAggregator, nativeUSD)
	}

	query := url.Values{}
	query.Set("localization", "false")
	query.Set("tickers", "true")
	query.Set("market_data", "false")
	query.Set("community_data", "false")
	query.Set("developer_data", "false")

	var resp coinResponse
	path := fmt.Sprintf("/coins/%s/contract/%s", url.PathEscape(a.platform), url.PathEscape(mint))
	if err := a.client.Get(ctx, path, query, &resp); err != nil {
		return nil, err
	}

	obs := a.eligible(resp.Tickers, nativeUSD)
	if len(obs) == 0 {
		return nil, upstream.NotFound(fmt.Errorf("%s: no exchange above %s native volume for %s", NameAggregator, a.minVolume, mint))
	}

	sort.SliceStable(obs, func(i, j int) bool { return obs[i].volNative.GreaterThan(obs[j].volNative) })
	if len(obs) > a.topN {
		obs = obs[:a.topN]
	}
	prices := make([]decimal.Decimal, len(obs))
	for i, o := range obs {
		prices[i] = o.priceUSD
	}
	usd := median(prices)

	price, outMint, err := toQuote(ctx, a.native, usd, quoteMint)
	if err != nil {
		return nil, err
	}
	return &model.PriceQuote{
		Price:     price,
		QuoteMint: outMint,
		Source:    NameAggregator,
		Timestamp: a.now(),
	}, nil
}

// historical reads the price chart around at and takes the nearest point.
func (a *Aggregator) historical(ctx context.Context, mint, quoteMint string, at time.Time) (*model.PriceQuote, error) {
	query := url.Values{}
	query.Set("vs_currency", "usd")
	query.Set("from", strconv.FormatInt(at.Add(-historyWindow).Unix(), 10))
	query.Set("to", strconv.FormatInt(at.Add(historyWindow).Unix(), 10))

	var resp chartResponse
	path := fmt.Sprintf("/coins/%s/contract/%s/market_chart/range", url.PathEscape(a.platform), url.PathEscape(mint))
	if err := a.client.Get(ctx, path, query, &resp); err != nil {
		return nil, err
	}

	var (
		best     time.Time
		bestUSD  decimal.Decimal
		bestDist time.Duration = -1
	)
	for _, pt := range resp.Prices {
		if pt[1] <= 0 {
			continue
		}
		ts := time.UnixMilli(int64(pt[0])).UTC()
		dist := ts.Sub(at)
		if dist < 0 {
			dist = -dist
		}
		if bestDist < 0 || dist < bestDist {
			best, bestUSD, bestDist = ts, decimal.NewFromFloat(pt[1]), dist
		}
	}
	if bestDist < 0 {
		return nil, upstream.NotFound(fmt.Errorf("%s: no price for %s near %s", NameAggregator, mint, at.Format(time.RFC3339)))
	}

	price, outMint, err := toQuote(ctx, a.native, bestUSD, quoteMint)
	if err != nil {
		return nil, err
	}
	return &model.PriceQuote{
		Price:     price,
		QuoteMint: outMint,
		Source:    NameAggregator,
		Timestamp: best,
	}, nil
}

// eligible drops stale, anomalous and low-volume tickers.
func (a *Aggregator) eligible(tickers []ticker, nativeUSD decimal.Decimal) []observation {
	var out []observation
	for _, t := range tickers {
		if t.IsStale || t.IsAnomaly || t.ConvertedLast.USD == nil || t.ConvertedVolume.USD == nil {
			continue
		}
		price := decimal.NewFromFloat(*t.ConvertedLast.USD)
		if price.Sign() <= 0 {
			continue
		}
		vol := decimal.NewFromFloat(*t.ConvertedVolume.USD).Div(nativeUSD)
		if vol.LessThan(a.minVolume) {
			continue
		}
		out = append(out, observation{
			exchange:  t.Market.Identifier,
			priceUSD:  price,
			volNative: vol,
		})
	}
	return out
}
