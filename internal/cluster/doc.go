// Package cluster holds everything the beedb processes share: the static
// cluster configuration, wire types, the client-facing response envelope,
// the HTTP JSON client used for every intra-cluster call, and the root
// logger constructor.
//
// # Overview
//
// A beedb cluster is a router in front of a fixed set of shards. Each shard
// is a group of replicas that elect a leader among themselves:
//
//	                ┌──────────────┐
//	   clients ───▶ │    Router    │ ◀─── leader announcements
//	                └──────┬───────┘
//	          ShardIndex(key, n)│
//	      ┌────────────────┼────────────────┐
//	      │                │                │
//	┌─────▼─────┐    ┌─────▼─────┐    ┌─────▼─────┐
//	│  nodeA    │    │  nodeB    │    │  nodeC    │
//	│ a1 a2 a3  │    │ b1 b2 b3  │    │ c1 c2 c3  │
//	└───────────┘    └───────────┘    └───────────┘
//
// Nothing in this package keeps state. Components receive a Topology value
// built from the Config at startup and never consult a global.
//
// # Configuration
//
// LoadConfig reads one YAML (or JSON) file on top of DefaultConfig and
// validates it:
//
//	router: { listen: ":8000", address: "http://127.0.0.1:8000" }
//	timing: { minElectionTimeout: 300ms, heartbeatInterval: 150ms }
//	shards:
//	  - id: nodeA
//	    replicas:
//	      - { id: a1, listen: ":3001", address: "http://127.0.0.1:3001" }
//
// # Envelope
//
// Every client-facing reply, from the router or from a replica, has the
// shape
//
//	{"resp": {"error": 0, "data": {...}}}
//	{"resp": {"error": {"code": "NO_LEADER", "errno": 2002,
//	                    "message": "...", "source": "shard"}, "data": null}}
//
// Codes are stable. The source field tells whether the router (gateway) or
// a replica (shard) produced the error.
//
// # Routing
//
// ShardIndex reduces the first four bytes of md5(key) modulo the shard
// count. The router and the admin views use the same function, so both
// agree on placement as long as the shard list is unchanged. Adding a shard
// remaps most keys.
package cluster
