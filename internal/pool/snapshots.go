package pool

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rickgao/mcap-resolver/internal/model"
)

// SnapshotStore keeps reserve observations. Record is idempotent per
// (pool, bucket): the first snapshot of a bucket wins.
type SnapshotStore interface {
	RecordReserves(ctx context.Context, snaps []model.ReserveSnapshot) (int, error)
	// PoolsAt returns, for every pool pairing the two mints in either
	// orientation, the latest snapshot with slot <= slot.
	PoolsAt(ctx context.Context, mintA, mintB string, slot uint64) ([]model.ReserveSnapshot, error)
}

// Bucket returns the bucket index of slot for the given bucket width.
func Bucket(slot, width uint64) uint64 {
	if width == 0 {
		return slot
	}
	return slot / width
}

// Snapshot builds the snapshot of p at slot.
func Snapshot(p model.LiquidityPool, slot, width uint64, observedAt time.Time) model.ReserveSnapshot {
	return model.ReserveSnapshot{
		Pool:       p.Address,
		DEX:        p.DEX,
		MintA:      p.MintA,
		MintB:      p.MintB,
		ReserveA:   p.ReserveA,
		ReserveB:   p.ReserveB,
		DecimalsA:  p.DecimalsA,
		DecimalsB:  p.DecimalsB,
		Slot:       slot,
		Bucket:     Bucket(slot, width),
		ObservedAt: observedAt,
	}
}

type bucketKey struct {
	pool   string
	bucket uint64
}

// DefaultSnapshotLimit is how many buckets MemorySnapshots keeps per pool,
// about 30 days at the default bucket width.
const DefaultSnapshotLimit = 720

// MemorySnapshots is an in-process SnapshotStore, used when no database is
// configured and in tests. Each pool keeps its newest buckets up to a limit.
type MemorySnapshots struct {
	limit int

	mu     sync.RWMutex
	seen   map[bucketKey]struct{}
	byPool map[string][]model.ReserveSnapshot // sorted by slot
}

// MemoryOption configures MemorySnapshots.
type MemoryOption func(*MemorySnapshots)

// WithSnapshotLimit caps the snapshots kept per pool. n <= 0 keeps the default.
func WithSnapshotLimit(n int) MemoryOption {
	return func(m *MemorySnapshots) {
		if n > 0 {
			m.limit = n
		}
	}
}

// NewMemorySnapshots creates an empty store.
func NewMemorySnapshots(opts ...MemoryOption) *MemorySnapshots {
	m := &MemorySnapshots{
		limit:  DefaultSnapshotLimit,
		seen:   make(map[bucketKey]struct{}),
		byPool: make(map[string][]model.ReserveSnapshot),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RecordReserves implements SnapshotStore. A snapshot older than everything
// held for a full pool is not stored.
func (m *MemorySnapshots) RecordReserves(ctx context.Context, snaps []model.ReserveSnapshot) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inserted := 0
	for _, s := range snaps {
		key := bucketKey{pool: s.Pool, bucket: s.Bucket}
		if _, ok := m.seen[key]; ok {
			continue
		}

		list := m.byPool[s.Pool]
		if len(list) >= m.limit && s.Slot < list[0].Slot {
			continue
		}
		i := sort.Search(len(list), func(i int) bool { return list[i].Slot > s.Slot })
		list = slices.Insert(list, i, s)
		for len(list) > m.limit {
			delete(m.seen, bucketKey{pool: list[0].Pool, bucket: list[0].Bucket})
			list = list[1:]
		}
		m.byPool[s.Pool] = list
		m.seen[key] = struct{}{}
		inserted++
	}
	return inserted, nil
}

// PoolsAt implements SnapshotStore.
func (m *MemorySnapshots) PoolsAt(ctx context.Context, mintA, mintB string, slot uint64) ([]model.ReserveSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.ReserveSnapshot
	for _, list := range m.byPool {
		if len(list) == 0 || !pairs(list[0], mintA, mintB) {
			continue
		}
		i := sort.Search(len(list), func(i int) bool { return list[i].Slot > slot })
		if i == 0 {
			continue
		}
		out = append(out, list[i-1])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pool < out[j].Pool })
	return out, nil
}

// Len returns the number of stored snapshots.
func (m *MemorySnapshots) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.seen)
}

func pairs(s model.ReserveSnapshot, a, b string) bool {
	return (s.MintA == a && s.MintB == b) || (s.MintA == b && s.MintB == a)
}
