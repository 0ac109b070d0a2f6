// Package router implements the client-facing tier of beedb: it maps keys to
// shards, keeps a cache of the current leader of every shard and forwards key
// operations to it.
//
// # Overview
//
// The router is not part of any consensus group. It learns leaders from two
// sources and trusts neither absolutely:
//
//   - Leader announcements pushed by replicas on /set_master. The last
//     announcement for a shard wins; terms are not compared.
//   - The HealthMonitor, which polls /raft/status on every replica and
//     caches the highest-term replica that reports itself leader.
//
// # Request Flow
//
//	client ──► router ──► md5(key) mod N ──► shard
//	                                          │
//	                    cached leader? ──yes──► forward to leader
//	                          │
//	                          no ──► next replica (round robin)
//	                                          │
//	                          replica redirects writes to its leader
//
// A stale cache entry is harmless: a follower receiving a write forwards it
// to its own leader. When the cached leader cannot be reached the entry is
// dropped, the client receives PROXY_ERROR and the next request for the
// shard falls back to round robin.
//
// # Envelopes
//
// Replica responses are relayed byte for byte. Errors produced by the router
// itself (bad input, unreachable replica, draining) use the gateway source
// so clients can tell them apart from shard-level errors.
//
// # Shard Count
//
// The shard list comes from the cluster configuration and never changes at
// runtime. Adding a shard remaps most keys; there is no consistent hashing
// ring.
package router
