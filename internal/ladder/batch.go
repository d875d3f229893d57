package ladder

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/mcap-resolver/internal/model"
)

// Request identifies one resolution. Zero Slot or Timestamp means absent.
type Request struct {
	Mint      string
	Slot      uint64
	Timestamp int64 // unix seconds
}

// RequestFor returns the request pricing trade t.
func RequestFor(t model.TradeRecord) Request {
	return Request{Mint: t.Mint, Slot: t.Slot, Timestamp: t.Timestamp}
}

func (q Request) slot() *uint64 {
	if q.Slot == 0 {
		return nil
	}
	s := q.Slot
	return &s
}

func (q Request) time() *time.Time {
	if q.Timestamp == 0 {
		return nil
	}
	t := time.Unix(q.Timestamp, 0).UTC()
	return &t
}

type pending struct {
	req Request
	at  time.Time
	key string
}

// ResolveBatch resolves every request. Cached results are fetched in one
// round trip; misses are resolved concurrently, bounded by the batch
// concurrency. Duplicate requests are resolved once. Requests for the same
// mint and day in different reserve buckets share a key; each gets its own
// result and the last one written stays cached.
func (r *Resolver) ResolveBatch(ctx context.Context, reqs []Request) map[Request]model.MarketCapResult {
	out := make(map[Request]model.MarketCapResult, len(reqs))
	if len(reqs) == 0 {
		return out
	}

	var (
		todo []pending
		keys []string
		seen = make(map[Request]bool, len(reqs))
	)
	for _, q := range reqs {
		if seen[q] {
			continue
		}
		seen[q] = true
		at := r.bucketTime(ctx, q.slot(), q.time())
		key := r.cache.Key(q.Mint, at)
		todo = append(todo, pending{req: q, at: at, key: key})
		keys = append(keys, key)
	}
	r.requests.Add(int64(len(todo)))

	hits := r.cache.GetMany(ctx, keys)

	var misses []pending
	for _, p := range todo {
		if e, ok := hits[p.key]; ok && r.answers(e, p.req.slot()) {
			r.cacheHits.Add(1)
			out[p.req] = e.Payload
			continue
		}
		misses = append(misses, p)
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(r.batchMax)
	for _, p := range misses {
		p := p
		g.Go(func() error {
			rctx, cancel := r.withDeadline(ctx)
			defer cancel()
			res := r.resolveMiss(rctx, p.req.Mint, p.req.slot(), p.at, p.key)
			mu.Lock()
			out[p.req] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	r.logger.Debug("batch resolved", "requests", len(todo), "misses", len(misses))
	return out
}
