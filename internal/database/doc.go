// Package database stores reserve and supply snapshots in TimescaleDB (or
// plain PostgreSQL).
//
// Snapshots let historical price queries see the reserves and supply of
// their own slot rather than current chain state. Rows are keyed by
// (pool, bucket) and (mint, bucket); the first observation of a bucket wins.
package database
