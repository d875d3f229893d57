package pool

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/rickgao/mcap-resolver/internal/api"
	"github.com/rickgao/mcap-resolver/internal/model"
)

// Lister discovers pools pairing mint with quoteMint and reports their
// current reserves.
type Lister interface {
	ListPools(ctx context.Context, mint, quoteMint string) ([]model.LiquidityPool, error)
}

// HTTPLister lists pools from a Raydium-style pool index API.
type HTTPLister struct {
	client   *api.Client
	pageSize int
}

// NewHTTPLister creates a lister over client.
func NewHTTPLister(client *api.Client) *HTTPLister {
	return &HTTPLister{client: client, pageSize: 100}
}

type poolMint struct {
	Address  string `json:"address"`
	Decimals uint8  `json:"decimals"`
}

type poolInfo struct {
	Type        string   `json:"type"`
	ProgramID   string   `json:"programId"`
	ID          string   `json:"id"`
	MintA       poolMint `json:"mintA"`
	MintB       poolMint `json:"mintB"`
	MintAmountA float64  `json:"mintAmountA"`
	MintAmountB float64  `json:"mintAmountB"`
	TVL         float64  `json:"tvl"`
}

type poolsResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Count int        `json:"count"`
		Data  []poolInfo `json:"data"`
	} `json:"data"`
}

// ListPools implements Lister.
func (l *HTTPLister) ListPools(ctx context.Context, mint, quoteMint string) ([]model.LiquidityPool, error) {
	query := url.Values{}
	query.Set("mint1", mint)
	query.Set("mint2", quoteMint)
	query.Set("poolType", "all")
	query.Set("poolSortField", "liquidity")
	query.Set("sortType", "desc")
	query.Set("pageSize", strconv.Itoa(l.pageSize))
	query.Set("page", "1")

	var resp poolsResponse
	if err := l.client.Get(ctx, "/pools/info/mint", query, &resp); err != nil {
		return nil, fmt.Errorf("list pools %s/%s: %w", mint, quoteMint, err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("list pools %s/%s: index reported failure", mint, quoteMint)
	}

	pools := make([]model.LiquidityPool, 0, len(resp.Data.Data))
	for _, p := range resp.Data.Data {
		if p.ID == "" || p.MintAmountA <= 0 || p.MintAmountB <= 0 {
			continue
		}
		pools = append(pools, model.LiquidityPool{
			Address:   p.ID,
			DEX:       "raydium-" + strings.ToLower(p.Type),
			MintA:     p.MintA.Address,
			MintB:     p.MintB.Address,
			ReserveA:  decimal.NewFromFloat(p.MintAmountA).Shift(int32(p.MintA.Decimals)).Floor(),
			ReserveB:  decimal.NewFromFloat(p.MintAmountB).Shift(int32(p.MintB.Decimals)).Floor(),
			DecimalsA: p.MintA.Decimals,
			DecimalsB: p.MintB.Decimals,
			TVLUSD:    p.TVL,
		})
	}
	return pools, nil
}
