// Package cache implements the typed in-memory key-value engine. Each key
// holds exactly one value shape (string, bytes, list, map or counter) plus
// its insertion time and TTL.
//
// Core Functionality:
//   - Typed operations per shape with shape-mismatch errors that never
//     mutate state
//   - Per-key TTL with lazy expiry on reads and an optional background
//     sweeper
//   - Hit/miss/expired statistics with a derived hit ratio
//   - Key expiration events published on a reserved pub/sub channel
//
// Concurrency Model:
//
//	Every operation acquires the key's lock from a reference-counted lock
//	table and runs atomically under it, so all reads and mutations of one
//	key are totally ordered. Callers that already serialize mutations
//	externally (the replication apply path) pass take=false to bypass the
//	lock. The entry map itself is a striped concurrent map, so operations
//	on distinct keys never contend.
//
// Expiry:
//
//	An entry with a nonzero TTL is expired once now - insertedAt reaches
//	the TTL. Reads discover expired entries lazily under the key lock:
//	the entry is removed, the expired counter is incremented and exactly
//	one expiration event per key generation is published. When a sweep
//	interval is configured, a background task additionally walks a
//	snapshot of the keys each tick and reaps expired entries the same
//	way, so keys that are never read still expire.
package cache
