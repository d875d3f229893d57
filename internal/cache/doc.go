// Package cache is the two-tier result cache.
//
// Results live in a durable redis store keyed mc:v1:{mint}:{YYYY-MM-DD}.
// A bounded in-process LRU mirrors every write and serves reads whenever
// redis is unreachable; a failed redis call marks it down and the next call
// after the reconnect interval tries it again. TTLs depend on confidence
// and are capped at a configured maximum with whole-day granularity.
//
// The same Layer owns the short-lived native/USD price entry used by the
// AMM reader.
package cache
