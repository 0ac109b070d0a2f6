// Package replication replicates client writes across the replicas of a
// shard with two-phase commit.
//
// The Coordinator runs on the shard leader, a Participant on every replica:
//
//	leader                         followers
//	  │ ── prepare {tx,key,value,op} ──▶ │  stage marker
//	  │ ◀──────────── ready ──────────── │
//	  │                                  │
//	  │ ── commit {tx,key,op} ─────────▶ │  apply, drop marker
//	  │    (or abort)                    │  (drop marker)
//	  ▼
//	apply locally
//
// Writes are all-or-nothing across the whole shard, not majority based: a
// single follower that fails or times out during prepare aborts the write
// everywhere, the leader included.
//
// Prepare markers live in a store of their own, keyed by md5(key) and the
// operation name. Commit and abort are idempotent: without a matching
// marker they succeed and do nothing.
//
// Reads never go through this package.
package replication
