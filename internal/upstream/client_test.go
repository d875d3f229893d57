package upstream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// newTestClient returns a client whose backoff sleeps are recorded, not slept.
func newTestClient(opts ...Option) (*Client, *[]time.Duration) {
	c := New("test", opts...)
	var mu sync.Mutex
	delays := &[]time.Duration{}
	c.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		*delays = append(*delays, d)
		mu.Unlock()
		return ctx.Err()
	}
	return c, delays
}

func TestClient_Do(t *testing.T) {
	t.Run("success on first attempt", func(t *testing.T) {
		c, delays := newTestClient()
		var calls int
		err := c.Do(context.Background(), func(ctx context.Context) error {
			calls++
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if calls != 1 {
			t.Errorf("calls = %d, want 1", calls)
		}
		if len(*delays) != 0 {
			t.Errorf("delays = %v, want none", *delays)
		}
	})

	t.Run("retries 5xx then succeeds", func(t *testing.T) {
		c, delays := newTestClient()
		var calls int
		err := c.Do(context.Background(), func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return Upstream(503, errors.New("unavailable"))
			}
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if calls != 3 {
			t.Errorf("calls = %d, want 3", calls)
		}
		want := []time.Duration{time.Second, 2 * time.Second}
		if len(*delays) != len(want) || (*delays)[0] != want[0] || (*delays)[1] != want[1] {
			t.Errorf("delays = %v, want %v", *delays, want)
		}
	})

	t.Run("not found is not retried", func(t *testing.T) {
		c, _ := newTestClient()
		var calls int
		err := c.Do(context.Background(), func(ctx context.Context) error {
			calls++
			return NotFound(errors.New("no such mint"))
		})
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
		if calls != 1 {
			t.Errorf("calls = %d, want 1", calls)
		}
	})

	t.Run("rate limit honors retry-after hint", func(t *testing.T) {
		c, delays := newTestClient()
		var calls int
		err := c.Do(context.Background(), func(ctx context.Context) error {
			calls++
			if calls == 1 {
				return RateLimited(7*time.Second, nil)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(*delays) != 1 || (*delays)[0] != 7*time.Second {
			t.Errorf("delays = %v, want [7s]", *delays)
		}
	})

	t.Run("exhausted retries surface typed error", func(t *testing.T) {
		c, _ := newTestClient()
		err := c.Do(context.Background(), func(ctx context.Context) error {
			return RateLimited(0, errors.New("slow down"))
		})
		if !errors.Is(err, ErrRateLimited) {
			t.Fatalf("err = %v, want ErrRateLimited", err)
		}
		var uerr *Error
		if !errors.As(err, &uerr) {
			t.Fatalf("err = %T, want *Error", err)
		}
		if uerr.Attempts != 3 {
			t.Errorf("Attempts = %d, want 3", uerr.Attempts)
		}
		if uerr.Source != "test" {
			t.Errorf("Source = %q, want %q", uerr.Source, "test")
		}
	})

	t.Run("unclassified errors are upstream errors", func(t *testing.T) {
		c, _ := newTestClient(WithPolicy(RetryPolicy{MaxAttempts: 1}))
		err := c.Do(context.Background(), func(ctx context.Context) error {
			return errors.New("connection reset")
		})
		if !errors.Is(err, ErrUpstream) {
			t.Errorf("err = %v, want ErrUpstream", err)
		}
	})

	t.Run("per-attempt timeout", func(t *testing.T) {
		c, _ := newTestClient(WithTimeout(20*time.Millisecond), WithPolicy(RetryPolicy{MaxAttempts: 2}))
		var calls int
		err := c.Do(context.Background(), func(ctx context.Context) error {
			calls++
			<-ctx.Done()
			return ctx.Err()
		})
		if !errors.Is(err, ErrTimeout) {
			t.Fatalf("err = %v, want ErrTimeout", err)
		}
		if calls != 2 {
			t.Errorf("calls = %d, want 2", calls)
		}
	})

	t.Run("caller cancellation stops retries", func(t *testing.T) {
		c, _ := newTestClient()
		ctx, cancel := context.WithCancel(context.Background())
		var calls int
		err := c.Do(ctx, func(ctx context.Context) error {
			calls++
			cancel()
			return Upstream(500, nil)
		})
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
		if calls != 1 {
			t.Errorf("calls = %d, want 1", calls)
		}
	})
}

func TestClient_Concurrency(t *testing.T) {
	c, _ := newTestClient(WithConcurrency(2))

	var inFlight, maxInFlight atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Do(context.Background(), func(ctx context.Context) error {
				cur := inFlight.Add(1)
				defer inFlight.Add(-1)
				for {
					old := maxInFlight.Load()
					if cur <= old || maxInFlight.CompareAndSwap(old, cur) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				return nil
			})
		}()
	}
	wg.Wait()

	if got := maxInFlight.Load(); got > 2 {
		t.Errorf("max in flight = %d, want <= 2", got)
	}
	if calls, failures := c.Stats(); calls != 10 || failures != 0 {
		t.Errorf("Stats() = (%d, %d), want (10, 0)", calls, failures)
	}
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		retry int
		hint  time.Duration
		want  time.Duration
	}{
		{1, 0, time.Second},
		{2, 0, 2 * time.Second},
		{3, 0, 5 * time.Second},
		{9, 0, 5 * time.Second},
		{1, 3 * time.Second, 3 * time.Second},
		{1, time.Hour, 30 * time.Second},
	}

	for _, tt := range tests {
		if got := p.Delay(tt.retry, tt.hint); got != tt.want {
			t.Errorf("Delay(%d, %v) = %v, want %v", tt.retry, tt.hint, got, tt.want)
		}
	}

	t.Run("exponential", func(t *testing.T) {
		e := RetryPolicy{MaxAttempts: 5, Base: 100 * time.Millisecond, Max: time.Second}
		want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second}
		for i, w := range want {
			if got := e.Delay(i+1, 0); got != w {
				t.Errorf("Delay(%d) = %v, want %v", i+1, got, w)
			}
		}
	})

	t.Run("jitter stays in range", func(t *testing.T) {
		e := ExponentialPolicy(3, 100*time.Millisecond)
		for i := 0; i < 50; i++ {
			d := e.Delay(1, 0)
			if d < 50*time.Millisecond || d >= 150*time.Millisecond {
				t.Fatalf("Delay = %v, want [50ms, 150ms)", d)
			}
		}
	})
}

func TestFromStatus(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{429, ErrRateLimited},
		{500, ErrUpstream},
		{503, ErrUpstream},
		{404, ErrNotFound},
		{400, ErrNotFound},
	}
	for _, tt := range tests {
		if err := FromStatus(tt.status, 0, nil); !errors.Is(err, tt.want) {
			t.Errorf("FromStatus(%d) = %v, want %v", tt.status, err, tt.want)
		}
	}
	if err := FromStatus(200, 0, nil); err != nil {
		t.Errorf("FromStatus(200) = %v, want nil", err)
	}
}
