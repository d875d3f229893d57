package watchlist

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Config holds watchlist settings.
type Config struct {
	IdleWindow    time.Duration // how long a mint stays active after its last trade
	PruneInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		IdleWindow:    24 * time.Hour,
		PruneInterval: 10 * time.Minute,
	}
}

// Watchlist is a concurrency-safe set of mints with last-seen times.
type Watchlist struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	lastSeen map[string]time.Time
	pinned   map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an empty Watchlist. Pinned mints are always active.
func New(cfg Config, logger *slog.Logger, pinned ...string) *Watchlist {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.IdleWindow <= 0 {
		cfg.IdleWindow = DefaultConfig().IdleWindow
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = DefaultConfig().PruneInterval
	}
	w := &Watchlist{
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		lastSeen: make(map[string]time.Time),
		pinned:   make(map[string]bool, len(pinned)),
	}
	for _, m := range pinned {
		w.pinned[m] = true
	}
	return w
}

// Mark records that mint traded at t. Older observations never move the
// last-seen time backwards.
func (w *Watchlist) Mark(mint string, t time.Time) {
	if mint == "" {
		return
	}
	if t.IsZero() {
		t = w.now()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if prev, ok := w.lastSeen[mint]; !ok || t.After(prev) {
		w.lastSeen[mint] = t
	}
}

// Active returns pinned mints plus mints seen within the idle window,
// sorted.
func (w *Watchlist) Active() []string {
	cutoff := w.now().Add(-w.cfg.IdleWindow)

	w.mu.RLock()
	out := make([]string, 0, len(w.lastSeen)+len(w.pinned))
	for m := range w.pinned {
		out = append(out, m)
	}
	for m, seen := range w.lastSeen {
		if !w.pinned[m] && seen.After(cutoff) {
			out = append(out, m)
		}
	}
	w.mu.RUnlock()

	sort.Strings(out)
	return out
}

// LastSeen returns the last trade time of mint.
func (w *Watchlist) LastSeen(mint string) (time.Time, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	t, ok := w.lastSeen[mint]
	return t, ok
}

// Prune drops mints idle longer than the window and returns how many.
func (w *Watchlist) Prune() int {
	cutoff := w.now().Add(-w.cfg.IdleWindow)

	w.mu.Lock()
	defer w.mu.Unlock()
	pruned := 0
	for m, seen := range w.lastSeen {
		if !seen.After(cutoff) {
			delete(w.lastSeen, m)
			pruned++
		}
	}
	return pruned
}

// Len returns the number of tracked mints, excluding pinned ones never seen.
func (w *Watchlist) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.lastSeen)
}

// Start runs the prune loop in the background.
func (w *Watchlist) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.pruneLoop()
	}()

	w.logger.Info("watchlist started",
		"idle_window", w.cfg.IdleWindow,
		"pinned", len(w.pinned),
	)
	return nil
}

// Stop gracefully shuts down.
func (w *Watchlist) Stop(ctx context.Context) error {
	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("watchlist stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Watchlist) pruneLoop() {
	ticker := time.NewTicker(w.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if n := w.Prune(); n > 0 {
				w.logger.Debug("pruned idle mints", "pruned", n, "remaining", w.Len())
			}
		}
	}
}
