// Package harness runs sync scenarios end to end and records what the engine
// did at each step.
//
// A scenario drives a real engine wired to an in-memory SQLite local store
// and an in-memory remote tree:
//
//	name: remote_added
//	description: "A remote child becomes a local record"
//	keys: [k1, k2]
//	links:
//	  - entity: notes
//	    ref: /notes
//	    index: /notes_index
//	setup:
//	  - op: local_insert
//	    entity: notes
//	    attrs: { syncKey: abc123, text: hi }
//	flow:
//	  - op: remote_write
//	    ref: /notes
//	    key: xyz789
//	    payload: { text: yo }
//	assertions:
//	  - type: local_record
//	    entity: notes
//	    key: xyz789
//	    expect: { text: yo }
//	  - type: commit_count
//	    count: 1
//
// Setup steps run before the engine starts and are not traced. The engine
// is then started, and start itself is the first trace entry. After every
// flow step the harness waits for the engine to settle and records the
// remote operations accepted and the commits made during the step.
//
// # Step Operations
//
//   - local_insert, local_update, local_delete: commit through an
//     application write context (records are addressed by key)
//   - remote_write, remote_remove: change the remote tree directly
//   - assign_keys, backfill: call the engine
//   - link, unlink: change the link table
//
// # Assertion Types
//
//   - local_record, local_missing, local_count
//   - remote_node, remote_missing
//   - commit_count, error_count
//
// Traces serialize to canonical JSON, so golden files are byte-stable.
package harness
