package cache

import (
	"time"

	"github.com/rickgao/mcap-resolver/internal/model"
)

const day = 24 * time.Hour

// TTLPolicy maps confidence to time-to-live.
type TTLPolicy struct {
	High        time.Duration
	Estimated   time.Duration
	Unavailable time.Duration
	Max         time.Duration
}

// DefaultTTLPolicy caches High for the 30-day maximum, Estimated for a day
// and Unavailable for ten minutes.
func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{
		High:        30 * day,
		Estimated:   day,
		Unavailable: 10 * time.Minute,
		Max:         30 * day,
	}
}

// For returns the TTL of a result with confidence c. TTLs of a day or more
// are truncated to whole days; all are capped at Max.
func (p TTLPolicy) For(c model.Confidence) time.Duration {
	var ttl time.Duration
	switch c {
	case model.ConfidenceHigh:
		ttl = p.High
	case model.ConfidenceEstimated:
		ttl = p.Estimated
	default:
		ttl = p.Unavailable
	}

	if p.Max > 0 && ttl > p.Max {
		ttl = p.Max
	}
	if ttl >= day {
		ttl = ttl.Truncate(day)
	}
	return ttl
}
