// Package consensus implements leader election for the replicas of a shard.
//
// Each replica runs one Node. There is no replicated log: the protocol only
// decides which replica accepts writes for the shard, and tells the router
// about it.
//
// # States
//
//	             timeout                majority
//	┌──────────┐ ───────▶ ┌───────────┐ ───────▶ ┌────────┐
//	│ follower │          │ candidate │          │ leader │
//	└──────────┘ ◀─────── └───────────┘          └────────┘
//	     ▲        lost or                            │
//	     │        higher term                        │
//	     └───────────────────────────────────────────┘
//	                    higher term
//
// A node starts as a follower in term 0; terms are kept in memory only, so
// a restarted replica starts over at term 0.
//
// # Elections
//
// Followers and candidates arm a randomized election timer. On expiry the
// node increments its term, votes for itself and asks every peer for its
// vote in parallel, each call bounded by the RPC timeout. It wins with
// Majority(len(peers)+1) votes, counting the configured shard size rather
// than the reachable peers. A node that loses returns to follower with a
// new random timeout.
//
// A node votes at most once per term, first come first served. Any request
// or reply with a higher term makes the receiver adopt that term and revert
// to follower.
//
// # Heartbeats
//
// A leader announces itself to the router in the background, then sends a
// heartbeat to every peer at a fixed interval. Followers record the sender
// as their leader and re-arm their timer. Peers that stop answering are
// logged, nothing more.
//
// A leader does not step down when it loses contact with a majority. During
// a partition the old leader keeps serving while the other side elects a
// new leader in a higher term; the old leader steps down once it sees the
// higher term after the partition heals.
//
// # Thread Safety
//
// All state is guarded by a single mutex, never held across an RPC. Timer
// firings carry an epoch so that a re-armed timer invalidates an older
// firing already in flight.
package consensus
