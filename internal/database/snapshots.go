package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/rickgao/mcap-resolver/internal/chain"
	"github.com/rickgao/mcap-resolver/internal/model"
	"github.com/rickgao/mcap-resolver/internal/pool"
)

// DB is the subset of *pgxpool.Pool the repository uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

var (
	_ pool.SnapshotStore  = (*SnapshotRepo)(nil)
	_ chain.SupplyHistory = (*SnapshotRepo)(nil)
)

const insertReserve = `
	INSERT INTO reserve_snapshots
		(pool, dex, mint_a, mint_b, reserve_a, reserve_b, decimals_a, decimals_b, slot, bucket, observed_at)
	VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7, $8, $9, $10, $11)
	ON CONFLICT (pool, bucket) DO NOTHING`

const selectPoolsAt = `
	SELECT DISTINCT ON (pool)
		pool, dex, mint_a, mint_b, reserve_a::text, reserve_b::text,
		decimals_a, decimals_b, slot, bucket, observed_at
	FROM reserve_snapshots
	WHERE ((mint_a = $1 AND mint_b = $2) OR (mint_a = $2 AND mint_b = $1))
		AND slot <= $3
	ORDER BY pool, slot DESC`

const insertSupply = `
	INSERT INTO supply_snapshots (mint, slot, bucket, total, decimals, observed_at)
	VALUES ($1, $2, $3, $4::numeric, $5, $6)
	ON CONFLICT (mint, bucket) DO NOTHING`

const selectNearestSupply = `
	SELECT slot, total::text, decimals, observed_at
	FROM supply_snapshots
	WHERE mint = $1 AND slot <= $2
	ORDER BY slot DESC
	LIMIT 1`

// SnapshotRepo persists reserve and supply snapshots. It implements
// pool.SnapshotStore and chain.SupplyHistory.
type SnapshotRepo struct {
	db          DB
	bucketWidth uint64
	logger      *slog.Logger

	inserts   atomic.Int64
	conflicts atomic.Int64
	failures  atomic.Int64
}

// RepoMetrics counts repository writes.
type RepoMetrics struct {
	Inserts   int64
	Conflicts int64
	Errors    int64
}

// NewSnapshotRepo creates a repository. bucketWidth groups supply
// snapshots the way pool.Bucket groups reserves.
func NewSnapshotRepo(db DB, bucketWidth uint64, logger *slog.Logger) *SnapshotRepo {
	if logger == nil {
		logger = slog.Default()
	}
	if bucketWidth == 0 {
		bucketWidth = pool.DefaultBucketWidth
	}
	return &SnapshotRepo{db: db, bucketWidth: bucketWidth, logger: logger}
}

// RecordReserves implements pool.SnapshotStore.
func (r *SnapshotRepo) RecordReserves(ctx context.Context, snaps []model.ReserveSnapshot) (int, error) {
	if len(snaps) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, s := range snaps {
		batch.Queue(insertReserve,
			s.Pool, s.DEX, s.MintA, s.MintB,
			s.ReserveA.String(), s.ReserveB.String(),
			int16(s.DecimalsA), int16(s.DecimalsB),
			int64(s.Slot), int64(s.Bucket), s.ObservedAt,
		)
	}
	return r.sendBatch(ctx, "reserve", batch)
}

// PoolsAt implements pool.SnapshotStore.
func (r *SnapshotRepo) PoolsAt(ctx context.Context, mintA, mintB string, slot uint64) ([]model.ReserveSnapshot, error) {
	rows, err := r.db.Query(ctx, selectPoolsAt, mintA, mintB, int64(slot))
	if err != nil {
		return nil, fmt.Errorf("query reserve snapshots: %w", err)
	}
	defer rows.Close()

	var out []model.ReserveSnapshot
	for rows.Next() {
		var (
			s                  model.ReserveSnapshot
			reserveA, reserveB string
			decA, decB         int16
			snapSlot, bucket   int64
		)
		if err := rows.Scan(&s.Pool, &s.DEX, &s.MintA, &s.MintB, &reserveA, &reserveB,
			&decA, &decB, &snapSlot, &bucket, &s.ObservedAt); err != nil {
			return nil, fmt.Errorf("scan reserve snapshot: %w", err)
		}
		if s.ReserveA, err = decimal.NewFromString(reserveA); err != nil {
			return nil, fmt.Errorf("parse reserve_a %q: %w", reserveA, err)
		}
		if s.ReserveB, err = decimal.NewFromString(reserveB); err != nil {
			return nil, fmt.Errorf("parse reserve_b %q: %w", reserveB, err)
		}
		s.DecimalsA, s.DecimalsB = uint8(decA), uint8(decB)
		s.Slot, s.Bucket = uint64(snapSlot), uint64(bucket)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read reserve snapshots: %w", err)
	}
	return out, nil
}

// RecordSupply implements chain.SupplyHistory.
func (r *SnapshotRepo) RecordSupply(ctx context.Context, snaps []model.SupplySnapshot) (int, error) {
	if len(snaps) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, s := range snaps {
		batch.Queue(insertSupply,
			s.Mint, int64(s.Slot), int64(pool.Bucket(s.Slot, r.bucketWidth)),
			s.Total.String(), int16(s.Decimals), s.ObservedAt,
		)
	}
	return r.sendBatch(ctx, "supply", batch)
}

// NearestSupply implements chain.SupplyHistory.
func (r *SnapshotRepo) NearestSupply(ctx context.Context, mint string, slot uint64) (model.SupplySnapshot, bool, error) {
	var (
		snapSlot int64
		total    string
		decimals int16
		observed time.Time
	)
	err := r.db.QueryRow(ctx, selectNearestSupply, mint, int64(slot)).Scan(&snapSlot, &total, &decimals, &observed)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.SupplySnapshot{}, false, nil
	}
	if err != nil {
		return model.SupplySnapshot{}, false, fmt.Errorf("query supply snapshot: %w", err)
	}

	d, err := decimal.NewFromString(total)
	if err != nil {
		return model.SupplySnapshot{}, false, fmt.Errorf("parse total %q: %w", total, err)
	}
	return model.SupplySnapshot{
		Mint:       mint,
		Slot:       uint64(snapSlot),
		Total:      d,
		Decimals:   uint8(decimals),
		ObservedAt: observed,
	}, true, nil
}

// Stats returns the write counters.
func (r *SnapshotRepo) Stats() RepoMetrics {
	return RepoMetrics{
		Inserts:   r.inserts.Load(),
		Conflicts: r.conflicts.Load(),
		Errors:    r.failures.Load(),
	}
}

// sendBatch executes batch and returns the number of rows inserted.
func (r *SnapshotRepo) sendBatch(ctx context.Context, kind string, batch *pgx.Batch) (int, error) {
	start := time.Now()
	results := r.db.SendBatch(ctx, batch)
	defer results.Close()

	inserted := 0
	for i := 0; i < batch.Len(); i++ {
		ct, err := results.Exec()
		if err != nil {
			r.failures.Add(1)
			return inserted, fmt.Errorf("insert %s snapshot: %w", kind, err)
		}
		if ct.RowsAffected() == 0 {
			r.conflicts.Add(1)
			continue
		}
		inserted++
	}
	r.inserts.Add(int64(inserted))

	r.logger.Debug("recorded snapshots",
		"kind", kind,
		"count", batch.Len(),
		"inserted", inserted,
		"duration", time.Since(start),
	)
	return inserted, nil
}
