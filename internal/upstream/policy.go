package upstream

import (
	"math/rand"
	"time"
)

// RetryPolicy decides how many attempts a call gets and how long to wait between them.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// Backoff lists explicit delays before retry 1, 2, ...; the last entry repeats.
	// When empty, delays grow exponentially from Base, capped at Max.
	Backoff []time.Duration
	Base    time.Duration
	Max     time.Duration

	// Jitter spreads exponential delays over [d/2, 3d/2).
	Jitter bool

	// MaxHint caps server retry-after hints. Zero means no cap.
	MaxHint time.Duration
}

// DefaultPolicy is the fixed 1s, 2s, 5s sequence bounded to 3 attempts.
func DefaultPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     []time.Duration{time.Second, 2 * time.Second, 5 * time.Second},
		MaxHint:     30 * time.Second,
	}
}

// ExponentialPolicy doubles from base with jitter, up to maxAttempts attempts.
func ExponentialPolicy(maxAttempts int, base time.Duration) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: maxAttempts,
		Base:        base,
		Max:         30 * base,
		Jitter:      true,
		MaxHint:     30 * time.Second,
	}
}

// Delay returns the wait before retry number retry (1-based). A positive server
// hint takes precedence over the schedule.
func (p RetryPolicy) Delay(retry int, hint time.Duration) time.Duration {
	if hint > 0 {
		if p.MaxHint > 0 && hint > p.MaxHint {
			return p.MaxHint
		}
		return hint
	}
	if retry < 1 {
		retry = 1
	}

	if len(p.Backoff) > 0 {
		i := retry - 1
		if i >= len(p.Backoff) {
			i = len(p.Backoff) - 1
		}
		return p.Backoff[i]
	}

	d := p.Base
	for i := 1; i < retry; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			d = p.Max
			break
		}
	}
	if p.Jitter && d > 0 {
		d = d/2 + time.Duration(rand.Int63n(int64(d)))
	}
	return d
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}
