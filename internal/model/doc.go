// Package model defines shared data types used across the market-cap resolver.
//
// Conventions:
//   - Mints and pool addresses: base58 strings
//   - Token amounts, supplies, prices and market caps: shopspring decimal.Decimal
//   - Raw on-chain amounts are integers in base units; UI amounts are shifted by token decimals
//   - Pool TVL: float64 USD (selection only, never multiplied into results)
//   - Slots: uint64; timestamps: time.Time in UTC
package model
