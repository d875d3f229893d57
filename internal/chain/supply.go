package chain

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"

	"github.com/rickgao/mcap-resolver/internal/model"
	"github.com/rickgao/mcap-resolver/internal/upstream"
)

// NativeSupply is the SOL total supply used for the native mint.
var NativeSupply = decimal.RequireFromString("600000000")

// SupplyHistory stores supply observations by slot.
type SupplyHistory interface {
	NearestSupply(ctx context.Context, mint string, slot uint64) (model.SupplySnapshot, bool, error)
	RecordSupply(ctx context.Context, snaps []model.SupplySnapshot) (int, error)
}

// SupplyResolver resolves token supply. It is safe for concurrent use.
type SupplyResolver struct {
	rpc        RPC
	guard      *upstream.Client
	commitment rpc.CommitmentType
	history    SupplyHistory
	logger     *slog.Logger
	now        func() time.Time

	decimals sync.Map // mint -> uint8
}

// SupplyOption configures a SupplyResolver.
type SupplyOption func(*SupplyResolver)

// WithHistory enables snapshot lookups for historical slots and records
// every live observation.
func WithHistory(h SupplyHistory) SupplyOption {
	return func(r *SupplyResolver) {
		r.history = h
	}
}

// WithCommitment sets the commitment for supply queries.
func WithCommitment(c rpc.CommitmentType) SupplyOption {
	return func(r *SupplyResolver) {
		r.commitment = c
	}
}

// WithSupplyLogger sets the logger.
func WithSupplyLogger(logger *slog.Logger) SupplyOption {
	return func(r *SupplyResolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewSupplyResolver creates a resolver calling client through guard.
func NewSupplyResolver(client RPC, guard *upstream.Client, opts ...SupplyOption) *SupplyResolver {
	if guard == nil {
		guard = upstream.New("rpc")
	}
	r := &SupplyResolver{
		rpc:        client,
		guard:      guard,
		commitment: rpc.CommitmentFinalized,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.decimals.Store(model.NativeMint, uint8(model.NativeDecimals))
	r.decimals.Store(model.USDCMint, uint8(6))
	r.decimals.Store(model.USDTMint, uint8(6))
	return r
}

// ResolveSupply returns the supply of mint at slot, or the current supply
// when slot is nil. An invalid or unknown mint fails with upstream.ErrNotFound.
func (r *SupplyResolver) ResolveSupply(ctx context.Context, mint string, slot *uint64) (model.SupplyRecord, error) {
	if model.IsNative(mint) {
		return model.SupplyRecord{
			Mint:       mint,
			Slot:       slot,
			Total:      NativeSupply,
			Decimals:   model.NativeDecimals,
			ResolvedAt: r.now(),
		}, nil
	}

	pk, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return model.SupplyRecord{}, upstream.NotFound(fmt.Errorf("invalid mint %q: %w", mint, err))
	}

	if slot != nil && r.history != nil {
		snap, ok, err := r.history.NearestSupply(ctx, mint, *slot)
		if err != nil {
			r.logger.Warn("supply history lookup failed", "mint", mint, "slot", *slot, "err", err)
		} else if ok {
			r.decimals.Store(mint, snap.Decimals)
			return model.SupplyRecord{
				Mint:       mint,
				Slot:       slot,
				Total:      snap.Total,
				Decimals:   snap.Decimals,
				ResolvedAt: r.now(),
			}, nil
		}
	}

	var res *rpc.GetTokenSupplyResult
	err = r.guard.Do(ctx, func(ctx context.Context) error {
		var callErr error
		res, callErr = r.rpc.GetTokenSupply(ctx, pk, r.commitment)
		return classifyRPC(callErr)
	})
	if err != nil {
		return model.SupplyRecord{}, fmt.Errorf("get token supply %s: %w", mint, err)
	}
	if res == nil || res.Value == nil {
		return model.SupplyRecord{}, upstream.NotFound(fmt.Errorf("no supply for %s", mint))
	}

	raw, err := decimal.NewFromString(res.Value.Amount)
	if err != nil {
		return model.SupplyRecord{}, upstream.Upstream(0, fmt.Errorf("parse supply %q: %w", res.Value.Amount, err))
	}
	total := raw.Shift(-int32(res.Value.Decimals))
	r.decimals.Store(mint, res.Value.Decimals)

	r.record(ctx, model.SupplySnapshot{
		Mint:       mint,
		Slot:       res.Context.Slot,
		Total:      total,
		Decimals:   res.Value.Decimals,
		ObservedAt: r.now(),
	})

	return model.SupplyRecord{
		Mint:       mint,
		Slot:       slot,
		Total:      total,
		Decimals:   res.Value.Decimals,
		ResolvedAt: r.now(),
	}, nil
}

// Decimals returns the decimal precision of mint, fetching supply once if
// the mint has not been seen.
func (r *SupplyResolver) Decimals(ctx context.Context, mint string) (uint8, error) {
	if d, ok := r.decimals.Load(mint); ok {
		return d.(uint8), nil
	}
	rec, err := r.ResolveSupply(ctx, mint, nil)
	if err != nil {
		return 0, err
	}
	return rec.Decimals, nil
}

func (r *SupplyResolver) record(ctx context.Context, snap model.SupplySnapshot) {
	if r.history == nil || snap.Slot == 0 {
		return
	}
	if _, err := r.history.RecordSupply(ctx, []model.SupplySnapshot{snap}); err != nil {
		r.logger.Warn("record supply snapshot failed", "mint", snap.Mint, "slot", snap.Slot, "err", err)
	}
}
