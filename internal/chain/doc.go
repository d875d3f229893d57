// Package chain reads token supply and slot timing from Solana JSON-RPC.
//
// SupplyResolver answers supply queries. The native asset is a constant and
// never touches the network. Historical queries prefer a recorded supply
// snapshot at or before the requested slot because getTokenSupply only
// reports the current value.
//
// SlotClock converts slots to wall-clock time via getBlockTime, estimating
// from a reference slot when the block time is unavailable.
package chain
