// Package poller implements the snapshot poller.
//
// The poller:
//   - Runs every poll interval (default 5m) and once at start
//   - Records live pool reserves for every active mint against every quote mint
//   - Records current supply for the same mints
//   - Bounds concurrency and gives each mint its own timeout
//
// The recorded snapshots back historical price queries.
package poller
