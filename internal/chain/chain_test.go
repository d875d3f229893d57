package chain

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/shopspring/decimal"

	"github.com/rickgao/mcap-resolver/internal/model"
	"github.com/rickgao/mcap-resolver/internal/upstream"
)

const testMint = "4k3Dyjzvzp8eMZWUXbBCjEvwSkkk59S5iCNLY3QrkX6R"

type fakeRPC struct {
	supplyCalls atomic.Int32
	timeCalls   atomic.Int32
	slotCalls   atomic.Int32

	supply    func(call int32) (*rpc.GetTokenSupplyResult, error)
	blockTime func(slot uint64) (*solana.UnixTimeSeconds, error)
	slot      uint64
}

func (f *fakeRPC) GetTokenSupply(ctx context.Context, mint solana.PublicKey, c rpc.CommitmentType) (*rpc.GetTokenSupplyResult, error) {
	n := f.supplyCalls.Add(1)
	return f.supply(n)
}

func (f *fakeRPC) GetBlockTime(ctx context.Context, slot uint64) (*solana.UnixTimeSeconds, error) {
	f.timeCalls.Add(1)
	return f.blockTime(slot)
}

func (f *fakeRPC) GetSlot(ctx context.Context, c rpc.CommitmentType) (uint64, error) {
	f.slotCalls.Add(1)
	return f.slot, nil
}

func supplyResult(slot uint64, amount string, decimals uint8) *rpc.GetTokenSupplyResult {
	return &rpc.GetTokenSupplyResult{
		RPCContext: rpc.RPCContext{Context: rpc.Context{Slot: slot}},
		Value:      &rpc.UiTokenAmount{Amount: amount, Decimals: decimals},
	}
}

func fastGuard() *upstream.Client {
	return upstream.New("rpc", upstream.WithPolicy(upstream.RetryPolicy{MaxAttempts: 3, Base: time.Millisecond, Max: time.Millisecond}))
}

type memHistory struct {
	mu    sync.Mutex
	snaps []model.SupplySnapshot
}

func (h *memHistory) NearestSupply(ctx context.Context, mint string, slot uint64) (model.SupplySnapshot, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var best model.SupplySnapshot
	found := false
	for _, s := range h.snaps {
		if s.Mint == mint && s.Slot <= slot && (!found || s.Slot > best.Slot) {
			best, found = s, true
		}
	}
	return best, found, nil
}

func (h *memHistory) RecordSupply(ctx context.Context, snaps []model.SupplySnapshot) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snaps = append(h.snaps, snaps...)
	return len(snaps), nil
}

func TestResolveSupply(t *testing.T) {
	t.Run("native asset never calls rpc", func(t *testing.T) {
		f := &fakeRPC{}
		r := NewSupplyResolver(f, fastGuard())
		rec, err := r.ResolveSupply(context.Background(), model.NativeMint, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !rec.Total.Equal(NativeSupply) {
			t.Errorf("Total = %s, want %s", rec.Total, NativeSupply)
		}
		if f.supplyCalls.Load() != 0 {
			t.Errorf("rpc calls = %d, want 0", f.supplyCalls.Load())
		}
	})

	t.Run("live supply adjusted for decimals", func(t *testing.T) {
		f := &fakeRPC{supply: func(int32) (*rpc.GetTokenSupplyResult, error) {
			return supplyResult(250_000_000, "999999999123456", 6), nil
		}}
		h := &memHistory{}
		r := NewSupplyResolver(f, fastGuard(), WithHistory(h))

		rec, err := r.ResolveSupply(context.Background(), testMint, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if want := decimal.RequireFromString("999999999.123456"); !rec.Total.Equal(want) {
			t.Errorf("Total = %s, want %s", rec.Total, want)
		}
		if rec.Decimals != 6 {
			t.Errorf("Decimals = %d, want 6", rec.Decimals)
		}
		if len(h.snaps) != 1 || h.snaps[0].Slot != 250_000_000 {
			t.Errorf("recorded snapshots = %+v", h.snaps)
		}
	})

	t.Run("historical slot prefers snapshot", func(t *testing.T) {
		f := &fakeRPC{supply: func(int32) (*rpc.GetTokenSupplyResult, error) {
			return supplyResult(300, "5000000", 6), nil
		}}
		h := &memHistory{snaps: []model.SupplySnapshot{
			{Mint: testMint, Slot: 100, Total: decimal.NewFromInt(1), Decimals: 6},
			{Mint: testMint, Slot: 200, Total: decimal.NewFromInt(2), Decimals: 6},
		}}
		r := NewSupplyResolver(f, fastGuard(), WithHistory(h))

		slot := uint64(250)
		rec, err := r.ResolveSupply(context.Background(), testMint, &slot)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !rec.Total.Equal(decimal.NewFromInt(2)) {
			t.Errorf("Total = %s, want 2", rec.Total)
		}
		if f.supplyCalls.Load() != 0 {
			t.Errorf("rpc calls = %d, want 0", f.supplyCalls.Load())
		}

		early := uint64(50)
		rec, err = r.ResolveSupply(context.Background(), testMint, &early)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !rec.Total.Equal(decimal.NewFromInt(5)) {
			t.Errorf("Total = %s, want live value 5", rec.Total)
		}
	})

	t.Run("invalid mint is not found without rpc", func(t *testing.T) {
		f := &fakeRPC{}
		r := NewSupplyResolver(f, fastGuard())
		_, err := r.ResolveSupply(context.Background(), "not-a-mint", nil)
		if !errors.Is(err, upstream.ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
		if f.supplyCalls.Load() != 0 {
			t.Errorf("rpc calls = %d, want 0", f.supplyCalls.Load())
		}
	})

	t.Run("not a token mint fails immediately", func(t *testing.T) {
		f := &fakeRPC{supply: func(int32) (*rpc.GetTokenSupplyResult, error) {
			return nil, &jsonrpc.RPCError{Code: -32602, Message: "Invalid param: not a Token mint"}
		}}
		r := NewSupplyResolver(f, fastGuard())
		_, err := r.ResolveSupply(context.Background(), testMint, nil)
		if !errors.Is(err, upstream.ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
		if f.supplyCalls.Load() != 1 {
			t.Errorf("rpc calls = %d, want 1", f.supplyCalls.Load())
		}
	})

	t.Run("transient errors are retried", func(t *testing.T) {
		f := &fakeRPC{supply: func(n int32) (*rpc.GetTokenSupplyResult, error) {
			if n < 3 {
				return nil, &jsonrpc.RPCError{Code: 429, Message: "Too many requests"}
			}
			return supplyResult(1, "100", 0), nil
		}}
		r := NewSupplyResolver(f, fastGuard())
		rec, err := r.ResolveSupply(context.Background(), testMint, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !rec.Total.Equal(decimal.NewFromInt(100)) {
			t.Errorf("Total = %s, want 100", rec.Total)
		}
		if f.supplyCalls.Load() != 3 {
			t.Errorf("rpc calls = %d, want 3", f.supplyCalls.Load())
		}
	})

	t.Run("exhausted retries surface rate limit", func(t *testing.T) {
		f := &fakeRPC{supply: func(int32) (*rpc.GetTokenSupplyResult, error) {
			return nil, &jsonrpc.RPCError{Code: 429, Message: "Too many requests"}
		}}
		r := NewSupplyResolver(f, fastGuard())
		_, err := r.ResolveSupply(context.Background(), testMint, nil)
		if !errors.Is(err, upstream.ErrRateLimited) {
			t.Errorf("err = %v, want ErrRateLimited", err)
		}
	})
}

func TestDecimals(t *testing.T) {
	f := &fakeRPC{supply: func(int32) (*rpc.GetTokenSupplyResult, error) {
		return supplyResult(1, "100", 5), nil
	}}
	r := NewSupplyResolver(f, fastGuard())

	if d, _ := r.Decimals(context.Background(), model.USDCMint); d != 6 {
		t.Errorf("USDC decimals = %d, want 6", d)
	}
	for i := 0; i < 3; i++ {
		d, err := r.Decimals(context.Background(), testMint)
		if err != nil || d != 5 {
			t.Fatalf("Decimals() = %d, %v; want 5", d, err)
		}
	}
	if f.supplyCalls.Load() != 1 {
		t.Errorf("rpc calls = %d, want 1", f.supplyCalls.Load())
	}
}

func TestSlotClock(t *testing.T) {
	t.Run("exact block time is cached", func(t *testing.T) {
		ts := solana.UnixTimeSeconds(1709251200)
		f := &fakeRPC{blockTime: func(uint64) (*solana.UnixTimeSeconds, error) { return &ts, nil }}
		c := NewSlotClock(f, fastGuard(), 16, nil)

		for i := 0; i < 2; i++ {
			got, err := c.TimeAt(context.Background(), 250_000_000)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if want := time.Unix(1709251200, 0).UTC(); !got.Equal(want) {
				t.Errorf("TimeAt = %v, want %v", got, want)
			}
		}
		if f.timeCalls.Load() != 1 {
			t.Errorf("GetBlockTime calls = %d, want 1", f.timeCalls.Load())
		}
	})

	t.Run("skipped slot is estimated", func(t *testing.T) {
		f := &fakeRPC{
			blockTime: func(uint64) (*solana.UnixTimeSeconds, error) {
				return nil, &jsonrpc.RPCError{Code: -32007, Message: "Slot was skipped"}
			},
			slot: 100000,
		}
		c := NewSlotClock(f, fastGuard(), 16, nil)
		ref := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
		c.now = func() time.Time { return ref }

		got, err := c.TimeAt(context.Background(), 91000)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if want := ref.Add(-9000 * SlotDuration); !got.Equal(want) {
			t.Errorf("TimeAt = %v, want %v", got, want)
		}
		if f.timeCalls.Load() != 1 {
			t.Errorf("GetBlockTime calls = %d, want 1 (not found is not retried)", f.timeCalls.Load())
		}

		if _, err := c.TimeAt(context.Background(), 2000); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if f.slotCalls.Load() != 1 {
			t.Errorf("GetSlot calls = %d, want 1", f.slotCalls.Load())
		}
	})
}

func TestParseCommitment(t *testing.T) {
	tests := map[string]rpc.CommitmentType{
		"processed": rpc.CommitmentProcessed,
		"confirmed": rpc.CommitmentConfirmed,
		"finalized": rpc.CommitmentFinalized,
		"":          rpc.CommitmentFinalized,
	}
	for in, want := range tests {
		if got := ParseCommitment(in); got != want {
			t.Errorf("ParseCommitment(%q) = %q, want %q", in, got, want)
		}
	}
}
