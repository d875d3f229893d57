package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/mcap-resolver/internal/ladder"
	"github.com/rickgao/mcap-resolver/internal/model"
)

// Resolver prices a batch of requests.
type Resolver interface {
	ResolveBatch(ctx context.Context, reqs []ladder.Request) map[ladder.Request]model.MarketCapResult
}

// Marker is told about every accepted trade.
type Marker interface {
	Mark(mint string, t time.Time)
}

// PricerConfig holds pricer settings.
type PricerConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int
	DedupSize     int
}

// DefaultPricerConfig returns sensible defaults.
func DefaultPricerConfig() PricerConfig {
	return PricerConfig{
		BatchSize:     100,
		FlushInterval: time.Second,
		BufferSize:    1000,
		DedupSize:     100_000,
	}
}

// PricerStats counts trades through the pricer.
type PricerStats struct {
	Received    int64      `json:"received"`
	Duplicates  int64      `json:"duplicates"`
	Priced      int64      `json:"priced"`
	Unavailable int64      `json:"unavailable"`
	Errors      int64      `json:"errors"`
	Flushes     int64      `json:"flushes"`
	Queue       QueueStats `json:"queue"`
}

// Pricer batches incoming trades, resolves them and publishes the results.
type Pricer struct {
	cfg      PricerConfig
	resolver Resolver
	sink     Sink
	marker   Marker
	dedup    *Dedup
	queue    *Queue[model.TradeRecord]
	logger   *slog.Logger

	flushMu sync.Mutex

	received    atomic.Int64
	duplicates  atomic.Int64
	priced      atomic.Int64
	unavailable atomic.Int64
	errors      atomic.Int64
	flushes     atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPricer creates a Pricer. marker may be nil.
func NewPricer(cfg PricerConfig, resolver Resolver, sink Sink, marker Marker, logger *slog.Logger) (*Pricer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultPricerConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	dedup, err := NewDedup(cfg.DedupSize)
	if err != nil {
		return nil, err
	}
	return &Pricer{
		cfg:      cfg,
		resolver: resolver,
		sink:     sink,
		marker:   marker,
		dedup:    dedup,
		queue:    NewQueue[model.TradeRecord](cfg.BufferSize),
		logger:   logger,
	}, nil
}

// Accept queues a trade. Duplicate IDs are dropped. It is safe to call
// from several sources at once.
func (p *Pricer) Accept(t model.TradeRecord) {
	p.received.Add(1)
	if p.dedup.Seen(t.ID) {
		p.duplicates.Add(1)
		return
	}
	if p.marker != nil {
		p.marker.Mark(t.Mint, t.Time())
	}
	if !p.queue.Push(t) {
		p.logger.Warn("pricer stopped, dropping trade", "id", t.ID, "mint", t.Mint)
	}
}

// Start begins the flush loop.
func (p *Pricer) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.loop()

	p.logger.Info("pricer started",
		"batch_size", p.cfg.BatchSize,
		"flush_interval", p.cfg.FlushInterval,
	)
	return nil
}

// Stop gracefully shuts down the pricer, pricing whatever is still queued.
func (p *Pricer) Stop(ctx context.Context) error {
	p.logger.Info("stopping pricer")
	p.queue.Close()
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn("pricer stop timed out")
	}

	// Final flush with the caller's context. A failed publish is retried
	// every flush interval until ctx ends.
	for p.queue.Len() > 0 && ctx.Err() == nil {
		if p.flush(ctx) {
			continue
		}
		select {
		case <-ctx.Done():
		case <-time.After(p.cfg.FlushInterval):
		}
	}
	if n := p.queue.Len(); n > 0 {
		p.logger.Error("pricer stopped with unpublished trades", "count", n)
		return fmt.Errorf("%d trades not published", n)
	}
	p.logger.Info("pricer stopped")
	return nil
}

// Stats returns current counters.
func (p *Pricer) Stats() PricerStats {
	return PricerStats{
		Received:    p.received.Load(),
		Duplicates:  p.duplicates.Load(),
		Priced:      p.priced.Load(),
		Unavailable: p.unavailable.Load(),
		Errors:      p.errors.Load(),
		Flushes:     p.flushes.Load(),
		Queue:       p.queue.Stats(),
	}
}

// loop flushes full batches as they form and partial ones on the ticker.
func (p *Pricer) loop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	// After a failed publish, full batches wait one flush interval.
	var holdUntil time.Time

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if !p.flush(p.ctx) {
				holdUntil = time.Now().Add(p.cfg.FlushInterval)
			}
		case <-p.queue.Ready():
			if time.Now().Before(holdUntil) {
				continue
			}
			for p.queue.Len() >= p.cfg.BatchSize && p.ctx.Err() == nil {
				if !p.flush(p.ctx) {
					holdUntil = time.Now().Add(p.cfg.FlushInterval)
					break
				}
			}
		}
	}
}

// flush prices one batch. When the sink rejects it the trades go back to
// the head of the queue and flush returns false.
func (p *Pricer) flush(ctx context.Context) bool {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	trades := p.queue.Drain(p.cfg.BatchSize)
	if len(trades) == 0 {
		return true
	}
	start := time.Now()

	reqs := make([]ladder.Request, len(trades))
	for i, t := range trades {
		reqs[i] = ladder.RequestFor(t)
	}
	results := p.resolver.ResolveBatch(ctx, reqs)

	out := make([]model.PricedTrade, 0, len(trades))
	var unavailable int64
	for i, t := range trades {
		res, ok := results[reqs[i]]
		if !ok {
			res = model.Unavailable(t.Mint, nil, t.Time())
		}
		if res.Confidence == model.ConfidenceUnavailable {
			unavailable++
		}
		out = append(out, model.Price(t, res))
	}

	if err := p.sink.Publish(ctx, out); err != nil {
		p.logger.Error("publish priced trades failed, requeued", "err", err, "count", len(out))
		p.errors.Add(1)
		p.queue.Requeue(trades)
		return false
	}

	p.priced.Add(int64(len(out)) - unavailable)
	p.unavailable.Add(unavailable)
	p.flushes.Add(1)

	p.logger.Debug("flushed priced trades",
		"count", len(out),
		"unavailable", unavailable,
		"duration", time.Since(start),
	)
	return true
}
