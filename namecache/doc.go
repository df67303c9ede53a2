// Package namecache provides a display name cache for wallet addresses,
// backed by a slow, rate-limited remote name store.
//
// A Cache maps wallet addresses to the display names their owners chose. Many
// concurrent readers get names with low latency from an in-memory snapshot
// that is read without locks. Names are eventually consistent with the remote
// store.
//
// ## Persistence
//
// Cached names are persisted in a store.Store together with the time of the
// last full refresh, the end of any error cooldown, and a schema version. The
// persisted data is loaded when the cache is first used. If the persisted
// schema version differs from the configured one, all persisted data is
// discarded. Storage failures are logged and the cache continues in memory.
//
// ## Cache Refresh
//
// A full refresh replaces all cached names with the names fetched from the
// remote store. If the cache is older than its time-to-live, the next lookup
// starts a refresh in the background and is answered from the stale data. Only
// one refresh runs at a time. If a refresh fails, the cache keeps its data and
// enters a cooldown during which no automatic refresh is attempted.
//
// ## Lookups
//
// Lookups of names that are not cached are collected for a short quiet window
// and fetched from the remote store in a single batch. Concurrent lookups of
// the same address share one fetch. A failed batch fails every lookup in it.
// Addresses the remote store has no name for are remembered in a negative
// cache for a while, so that repeated lookups do not reach the remote store.
//
// ## Writes
//
// Set applies a name to the cache immediately, notifies subscribers, and then
// writes it to the remote store. If the write fails, the cache is reconciled
// with the remote store by a forced refresh, and subscribers are notified
// again.
//
// ## Change Notification
//
// Subscribers receive broadcast.ChangeRecord values. Notifications are
// debounced per address, so a burst of changes produces one record.
package namecache
