package chain

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rickgao/mcap-resolver/internal/upstream"
)

// SlotDuration is the nominal slot time used for estimates.
const SlotDuration = 400 * time.Millisecond

// SlotClock converts slots to block times. It is safe for concurrent use.
type SlotClock struct {
	rpc    RPC
	guard  *upstream.Client
	logger *slog.Logger
	now    func() time.Time
	times  *lru.Cache[uint64, time.Time]

	mu      sync.Mutex
	refSlot uint64
	refTime time.Time
}

// NewSlotClock creates a clock remembering up to size block times.
func NewSlotClock(client RPC, guard *upstream.Client, size int, logger *slog.Logger) *SlotClock {
	if guard == nil {
		guard = upstream.New("rpc")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if size < 1 {
		size = 4096
	}
	times, _ := lru.New[uint64, time.Time](size)
	return &SlotClock{
		rpc:    client,
		guard:  guard,
		logger: logger,
		now:    time.Now,
		times:  times,
	}
}

// TimeAt returns the block time of slot. When the node cannot report it
// (skipped slot, pruned ledger, RPC failure) the time is estimated from a
// reference slot at SlotDuration per slot.
func (c *SlotClock) TimeAt(ctx context.Context, slot uint64) (time.Time, error) {
	if t, ok := c.times.Get(slot); ok {
		return t, nil
	}

	var bt *solana.UnixTimeSeconds
	err := c.guard.Do(ctx, func(ctx context.Context) error {
		var callErr error
		bt, callErr = c.rpc.GetBlockTime(ctx, slot)
		return classifyRPC(callErr)
	})
	if err == nil && bt != nil {
		t := bt.Time().UTC()
		c.times.Add(slot, t)
		return t, nil
	}
	if ctx.Err() != nil {
		return time.Time{}, ctx.Err()
	}

	est, estErr := c.estimate(ctx, slot)
	if estErr != nil {
		return time.Time{}, fmt.Errorf("block time for slot %d: %w", slot, estErr)
	}
	c.logger.Debug("estimated block time", "slot", slot, "time", est, "err", err)
	return est, nil
}

// CurrentSlot returns the latest finalized slot and pins it, with the local
// time, as the reference for estimates.
func (c *SlotClock) CurrentSlot(ctx context.Context) (uint64, error) {
	var cur uint64
	err := c.guard.Do(ctx, func(ctx context.Context) error {
		var callErr error
		cur, callErr = c.rpc.GetSlot(ctx, rpc.CommitmentFinalized)
		return classifyRPC(callErr)
	})
	if err != nil {
		return 0, fmt.Errorf("get slot: %w", err)
	}
	c.SetReference(cur, c.now().UTC())
	return cur, nil
}

// SetReference pins the slot/time pair used for estimates.
func (c *SlotClock) SetReference(slot uint64, t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refSlot = slot
	c.refTime = t
}

func (c *SlotClock) estimate(ctx context.Context, slot uint64) (time.Time, error) {
	c.mu.Lock()
	refSlot, refTime := c.refSlot, c.refTime
	c.mu.Unlock()

	if refSlot == 0 {
		cur, err := c.CurrentSlot(ctx)
		if err != nil {
			return time.Time{}, err
		}
		c.mu.Lock()
		refSlot, refTime = c.refSlot, c.refTime
		c.mu.Unlock()
		if refSlot == 0 {
			return time.Time{}, fmt.Errorf("no reference for slot %d", cur)
		}
	}

	delta := time.Duration(int64(slot)-int64(refSlot)) * SlotDuration
	return refTime.Add(delta), nil
}
