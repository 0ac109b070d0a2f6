// Package node assembles a beedb replica process and serves its HTTP API.
//
// A replica belongs to exactly one shard. It stores the shard's keys,
// takes part in the shard's leader election and, depending on its role,
// coordinates or participates in two-phase commit for every write.
//
// # HTTP API
//
//	POST   /key                 client write {key, value}, leader only
//	GET    /key/{key}           local read
//	DELETE /key/{key}           client delete, leader only
//	GET    /key/ping, /health   liveness
//	POST   /raft/vote           RequestVote
//	POST   /raft/heartbeat      leader heartbeat
//	GET    /raft/status         consensus state
//	POST   /2pc/prepare         stage an operation
//	POST   /2pc/commit          apply a staged operation
//	POST   /2pc/abort           drop a staged operation
//	GET    /stats               counters, storage and role
//	POST   /internal/shutdown   start draining (GET also accepted)
//
// Client routes answer with a cluster.Envelope whose errors carry the shard
// source. Consensus, two-phase commit and stats routes are spoken between
// processes of the cluster and answer with plain JSON.
//
// # Writes
//
// A write reaching a follower is forwarded verbatim to the leader the
// follower last heard from, and the leader's response is relayed. When no
// leader is known the write fails with NO_LEADER. A replica whose recorded
// leader address is its own handles the write itself, and a write that a
// peer already forwarded is never forwarded a second time.
//
// # Storage Layout
//
// FromConfig keeps two file stores per replica:
//
//	<dataDir>/<replica>/data      one JSON file per key
//	<dataDir>/<replica>/prepare   one JSON marker per staged operation
//
// # Shutdown
//
// Drain makes the replica refuse new requests with SHUTTING_DOWN, except
// /stats, which keeps reporting the draining state. The Drainer's Done
// channel is closed once in-flight requests completed; the process exits
// then.
package node
