// Package watchlist tracks the mints seen in recent trades.
//
// The snapshot poller records reserves and supply for every active mint so
// later historical queries find period-correct state. A mint stays active
// for the idle window after its last trade; a background loop prunes the
// rest.
package watchlist
