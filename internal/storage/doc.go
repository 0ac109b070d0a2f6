// Package storage provides the key-value persistence used by every beedb
// replica: a narrow Store interface, a file-backed implementation used in
// production and an in-memory implementation used by tests.
//
// # Overview
//
// The storage layer is deliberately thin. It has no indexing, no compaction
// and no concurrency control beyond keeping individual operations atomic.
// Ordering and replication are the job of the layers above it:
//
//	┌─────────────────────────────────────┐
//	│   replication (2PC participant)     │
//	│   shard (operation counters)        │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│          Store interface            │
//	└─────────────────────────────────────┘
//	          │                 │
//	          ▼                 ▼
//	    ┌───────────┐     ┌───────────┐
//	    │ FileStore │     │ Memory    │
//	    │ md5.json  │     │ Store     │
//	    └───────────┘     └───────────┘
//
// # FileStore Layout
//
// Every key lives in its own file named after the md5 digest of the key:
//
//	data/a1/0cc175b9c0f1b6a831c399e269772661.json
//	{"key":"a","value":1}
//
// The original key is kept inside the record so the directory can be listed
// without a separate index. Values are JSON documents and are stored
// verbatim. Writes go through a temporary file followed by a rename.
//
// The same implementation backs the 2PC prepare markers, rooted in a
// separate directory so markers never show up as client keys.
//
// # Error Handling
//
// ErrKeyNotFound is returned by Get for a missing key. Delete of a missing
// key succeeds. All other failures are wrapped with the offending path.
package storage
