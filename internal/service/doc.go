// Package service assembles a resolver from configuration.
//
// Build wires the upstream guards, the Solana RPC client, the pool reader,
// the external price sources, the two-tier cache and (when configured) the
// snapshot database into a ladder.Resolver. cmd/resolver runs it as a
// long-lived service; cmd/resolvectl uses it for one-shot lookups.
package service
