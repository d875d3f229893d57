// Package source implements the off-chain price sources tried by the
// fallback ladder.
//
// Every source satisfies Source and normalizes its upstream's response into
// a model.PriceQuote. Failures are *upstream.Error values, so callers can
// tell a missing listing (ErrNotFound) from an exhausted rate budget.
//
// Variants, in ladder order:
//   - DirectQuote: swap simulation, falling back to a price endpoint
//   - Aggregator: median of the top exchanges by volume
//   - Listing: listing site that may report market cap directly
package source
