// Package local provides a SQLite-backed record store with staged write
// contexts and commit notifications.
//
// Records are grouped by entity name and carry a free-form attribute object
// stored as canonical JSON. Applications mutate records through a Context:
// changes are staged in memory and applied atomically by Store.Save, which
// then notifies every subscriber with the inserted, updated and deleted
// records of that save.
//
// Store also exposes direct attribute access (ReadAttribute, WriteAttribute,
// Enumerate). Direct writes bypass contexts and do NOT produce commit
// events; the sync engine uses them to record bookkeeping attributes without
// re-triggering itself.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - Single connection: SQLite has one writer
package local
