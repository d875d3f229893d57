// Package ladder resolves the market capitalization of a token at a point
// in chain history.
//
// A resolution walks a fixed sequence of states:
//
//	CacheLookup -> PrimaryResolution -> FallbackResolution[i] -> Unavailable -> Cached
//
// The primary tier combines on-chain supply with the deepest eligible AMM
// pool and yields High confidence. The fallback tier asks each external
// price source in priority order and yields Estimated confidence. When every
// tier fails the result is Unavailable, which is cached like any other
// outcome with a short TTL.
//
// Entries are keyed by mint and UTC day. A slot request is served from the
// cache only when the cached slot lies in the same reserve snapshot bucket;
// otherwise it resolves again and replaces the entry.
//
// Source failures never escape Resolve: they are logged with the source
// name and attempt count and the ladder moves on. Callers branch on the
// result's Confidence.
package ladder
