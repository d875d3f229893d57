package cache

import (
	"time"

	"github.com/rickgao/mcap-resolver/internal/model"
)

// DefaultPrefix is the versioned key namespace.
const DefaultPrefix = "mc:v1:"

// dayLayout formats the day bucket of a key.
const dayLayout = "2006-01-02"

// Entry is a cached resolution.
type Entry struct {
	Key       string                `json:"key"`
	Payload   model.MarketCapResult `json:"payload"`
	WrittenAt time.Time             `json:"written_at"`
	TTL       time.Duration         `json:"ttl"`
}

// ExpiresAt returns when the entry stops being served.
func (e Entry) ExpiresAt() time.Time {
	return e.WrittenAt.Add(e.TTL)
}

// Expired reports whether the entry is past its TTL at now.
func (e Entry) Expired(now time.Time) bool {
	return e.TTL > 0 && !now.Before(e.ExpiresAt())
}

// Key returns the cache key of mint on the UTC day containing t.
func Key(prefix, mint string, t time.Time) string {
	return prefix + mint + ":" + t.UTC().Format(dayLayout)
}

// MintPattern matches every day bucket of mint.
func MintPattern(prefix, mint string) string {
	return prefix + mint + ":*"
}
