// Package engine implements the bidirectional sync engine.
//
// An Engine keeps records of linked local entities consistent with children
// of remote references:
//
//   - Local commits are turned into remote writes (local_observer.go) and
//     performed in order by a single outbox worker (outbox.go).
//   - Remote child events are applied to a caller-supplied WriteContext and
//     committed through a caller-supplied CommitFunc by a single apply loop
//     (remote_observer.go).
//   - Backfill uploads local records a remote snapshot lacks (backfill.go).
//   - AssignMissingKeys gives every linked record a remote key (keys.go).
//
// Each synced record carries two reserved attributes: the key attribute
// (default "syncKey") and the snapshot attribute (default "syncSnapshot").
// The snapshot holds the canonical payload last exchanged with the remote
// side. A local change whose payload equals its snapshot is not propagated,
// which is what stops remote-origin changes from echoing back. Deletes carry
// no payload, so local deletes made by the apply loop are remembered until
// their commit event arrives and are not sent back (echo.go).
//
// # Locking
//
// mu guards the link table and lifecycle. writeMu serializes every
// WriteContext mutation and commit callback, and every snapshot write. The
// outbox performs remote writes without writeMu; while a write is in flight
// its payload is registered so the apply loop treats the echo as applied.
// writeMu may be held while taking mu, never the reverse. Commit callbacks
// must not call Stop.
package engine
