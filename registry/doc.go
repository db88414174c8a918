// Package registry maintains the ordered, observable collection of known
// streams that every display surface renders from.
//
// The Registry reconciles its rows against snapshots from a DiscoveryPort
// rather than replacing them: rows that vanished are removed, rows that
// appeared are appended after the survivors in discovery order, and
// retained rows keep their position while their fields are brought up to
// date. Observers receive the difference as index-accurate events in a
// fixed order (removals highest-index-first, insertions in ascending final
// index order, then one batched update), so a table widget or remote
// mirror can patch itself without rebuilding.
//
// Identity is the stream uid. Positions shift as neighbours come and go,
// so consumers derive labels and lookups from descriptors, not from row
// numbers, and re-query the registry after each notification instead of
// caching indices.
//
// Refreshes are mutually exclusive and fail fast: a second Refresh while
// one is in flight returns ErrRefreshInFlight untried. Discovery errors,
// timeouts, and cancellation leave the rows untouched and emit nothing.
// Effective-rate measurements flow in concurrently through ApplyRateUpdate
// and survive subsequent refreshes until discovery itself reports a rate.
package registry
