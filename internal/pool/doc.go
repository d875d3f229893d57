// Package pool prices tokens from on-chain AMM liquidity pools.
//
// Reader enumerates pools pairing a mint with USDC or the native asset,
// values each pool in USD, drops pools under the TVL floor and takes the
// spot price from the deepest survivor. Live reads record reserve snapshots
// bucketed by slot; historical reads use those snapshots only, so a query
// for an earlier slot sees the reserves of that period.
package pool
