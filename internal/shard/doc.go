// Package shard implements a replica's local view of the shard it belongs
// to: the replica's storage plus the operation counters reported on the
// replica's /stats endpoint.
//
// # Overview
//
// A beedb shard is a group of replicas holding the same disjoint key range.
// Every replica process owns exactly one Shard value:
//
//	┌─────────────────────────────────────┐
//	│            SHARD (nodeA / a1)       │
//	├─────────────────────────────────────┤
//	│  Store          storage.Store       │
//	│  State          active | draining   │
//	│  Ops            gets puts deletes   │
//	│  Replication    prepares commits    │
//	│                 aborts              │
//	└─────────────────────────────────────┘
//
// Client reads go straight to Get. Writes reach Put and Delete only through
// the replication layer: locally on the leader after a successful 2PC round,
// and on followers when a commit applies a staged prepare marker.
//
// # Thread Safety
//
// Counters are updated with sync/atomic; the state field is protected by an
// RWMutex. The Store implementation provides its own synchronization.
package shard
