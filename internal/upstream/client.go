package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Client guards calls to one upstream. It is safe for concurrent use; all
// callers share its rate and concurrency budget.
type Client struct {
	name    string
	limiter *rate.Limiter
	sem     *semaphore.Weighted
	timeout time.Duration
	policy  RetryPolicy
	logger  *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error

	calls    atomic.Int64
	failures atomic.Int64
}

// Option configures a Client.
type Option func(*Client)

// New creates a Client for the named upstream. Without options it has no
// frequency cap, a concurrency cap of 8, a 10s timeout and DefaultPolicy.
func New(name string, opts ...Option) *Client {
	c := &Client{
		name:    name,
		limiter: rate.NewLimiter(rate.Inf, 0),
		sem:     semaphore.NewWeighted(8),
		timeout: 10 * time.Second,
		policy:  DefaultPolicy(),
		logger:  slog.Default(),
		sleep:   sleepCtx,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// WithRate caps the call frequency. perSec <= 0 disables the cap.
func WithRate(perSec float64, burst int) Option {
	return func(c *Client) {
		if perSec <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSec), burst)
	}
}

// WithConcurrency caps the number of attempts in flight.
func WithConcurrency(n int) Option {
	return func(c *Client) {
		if n < 1 {
			n = 1
		}
		c.sem = semaphore.NewWeighted(int64(n))
	}
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithPolicy sets the retry policy.
func WithPolicy(p RetryPolicy) Option {
	return func(c *Client) {
		c.policy = p
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Name returns the upstream name used in errors and logs.
func (c *Client) Name() string { return c.name }

// Stats returns the number of attempts made and the number that failed.
func (c *Client) Stats() (calls, failures int64) {
	return c.calls.Load(), c.failures.Load()
}

// Do runs op under the client's caps, retrying per policy. op receives a
// context bounded by the per-attempt timeout. If ctx ends, Do returns
// promptly with an error wrapping ctx.Err().
func (c *Client) Do(ctx context.Context, op func(ctx context.Context) error) error {
	maxAttempts := c.policy.attempts()

	for attempt := 1; ; attempt++ {
		err := c.attempt(ctx, op)
		if err == nil {
			return nil
		}
		c.failures.Add(1)

		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", c.name, ctx.Err())
		}

		uerr := classify(c.name, err)
		uerr.Attempts = attempt
		if !uerr.Retryable() || attempt >= maxAttempts {
			return uerr
		}

		delay := c.policy.Delay(attempt, uerr.RetryAfter)
		c.logger.Debug("retrying upstream call",
			"source", c.name,
			"attempt", attempt,
			"kind", uerr.Kind,
			"backoff", delay,
		)

		if err := c.sleep(ctx, delay); err != nil {
			return fmt.Errorf("%s: %w", c.name, err)
		}
	}
}

func (c *Client) attempt(ctx context.Context, op func(ctx context.Context) error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Wait refuses when the deadline falls before the next token.
		return RateLimited(0, err)
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.sem.Release(1)

	c.calls.Add(1)

	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	err := op(callCtx)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return &Error{Kind: ErrTimeout, Err: err}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
