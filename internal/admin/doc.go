// Package admin gives operators a cluster-wide view of beedb. It polls
// every replica's /raft/status and /stats endpoints in parallel with a short
// timeout and aggregates the answers per shard, and it can ask every replica
// to shut down. The router serves these views on /admin/status,
// /admin/stats and /admin/stop.
package admin
