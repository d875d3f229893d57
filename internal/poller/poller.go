package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/mcap-resolver/internal/model"
)

// MintSource provides the mints to snapshot.
type MintSource interface {
	Active() []string
}

// ReserveRecorder records the live pool reserves of a mint.
type ReserveRecorder interface {
	Record(ctx context.Context, mint string) (int, error)
}

// SupplySource resolves current supply, recording it as a side effect.
type SupplySource interface {
	ResolveSupply(ctx context.Context, mint string, slot *uint64) (model.SupplyRecord, error)
}

// Config holds poller configuration.
type Config struct {
	Interval    time.Duration // Poll interval (default: 5m)
	Concurrency int           // Max concurrent mints (default: 8)
	Timeout     time.Duration // Per-mint timeout (default: 30s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    5 * time.Minute,
		Concurrency: 8,
		Timeout:     30 * time.Second,
	}
}

// Summary describes one poll cycle.
type Summary struct {
	Mints    int
	Recorded int64
	Errors   int64
	Duration time.Duration
}

// Poller periodically records reserve and supply snapshots.
type Poller struct {
	cfg      Config
	mints    MintSource
	reserves ReserveRecorder
	supply   SupplySource
	logger   *slog.Logger

	cycles atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Poller. supply may be nil.
func New(cfg Config, mints MintSource, reserves ReserveRecorder, supply SupplySource, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Poller{
		cfg:      cfg,
		mints:    mints,
		reserves: reserves,
		supply:   supply,
		logger:   logger,
	}
}

// Start begins the polling loop.
func (p *Poller) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.run()

	p.logger.Info("snapshot poller started",
		"interval", p.cfg.Interval,
		"concurrency", p.cfg.Concurrency,
	)

	return nil
}

// Stop gracefully shuts down the poller.
func (p *Poller) Stop(ctx context.Context) error {
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
		p.logger.Info("snapshot poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cycles returns the number of completed poll cycles.
func (p *Poller) Cycles() int64 {
	return p.cycles.Load()
}

// run is the main polling loop.
func (p *Poller) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	// Poll immediately on start.
	p.PollOnce(p.ctx)

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.PollOnce(p.ctx)
		}
	}
}

// PollOnce snapshots every active mint and returns the cycle summary.
func (p *Poller) PollOnce(ctx context.Context) Summary {
	start := time.Now()

	mints := p.mints.Active()
	if len(mints) == 0 {
		p.logger.Debug("no active mints to poll")
		return Summary{}
	}

	var (
		g                errgroup.Group
		recorded, failed atomic.Int64
	)
	g.SetLimit(p.cfg.Concurrency)

	for _, mint := range mints {
		if ctx.Err() != nil {
			break
		}
		mint := mint
		g.Go(func() error {
			n, err := p.pollMint(ctx, mint)
			recorded.Add(int64(n))
			if err != nil {
				p.logger.Warn("failed to snapshot mint",
					"mint", mint,
					"err", err,
				)
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	p.cycles.Add(1)

	s := Summary{
		Mints:    len(mints),
		Recorded: recorded.Load(),
		Errors:   failed.Load(),
		Duration: time.Since(start),
	}
	p.logger.Info("poll cycle complete",
		"mints", s.Mints,
		"recorded", s.Recorded,
		"errors", s.Errors,
		"duration", s.Duration,
	)
	return s
}

// pollMint records reserves and supply for a single mint.
func (p *Poller) pollMint(ctx context.Context, mint string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	n, err := p.reserves.Record(ctx, mint)

	var supplyErr error
	if p.supply != nil && !model.IsStable(mint) {
		_, supplyErr = p.supply.ResolveSupply(ctx, mint, nil)
	}
	return n, errors.Join(err, supplyErr)
}
