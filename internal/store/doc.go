// Package store provides the keyed store every stateful component of the
// gateway is built on.
//
// # Contract
//
// KV offers get/set/delete/expire and prefix listing. Each key carries its own
// TTL; a zero TTL means the key lives until deleted. Absence of a key after its
// TTL is meaningful to callers (the heartbeat marker's expiry is the "device
// down" signal), so every read path filters expired rows.
//
// Atomicity is per key. Callers that read then write (the ceremony's session
// rotation, for example) accept last-writer-wins.
//
// # Implementations
//
//   - SQLiteStore: durable, one "kv" table. Uses modernc.org/sqlite by default
//     or github.com/mattn/go-sqlite3 when built with cgo and configured with
//     database.driver: "sqlite3".
//   - MemoryStore: process-local, used by tests and "database.path: :memory:".
//
// Both accept a clock.Clock so tests can advance time instead of sleeping.
package store
