package cluster

import "github.com/dreamware/beedb/internal/shard"

// NodeStats is what a replica reports on /stats.
type NodeStats struct {
	ID              string           `json:"id"`
	ShardID         string           `json:"shardId"`
	Address         string           `json:"address"`
	State           string           `json:"state"`
	Term            int64            `json:"term"`
	Leader          string           `json:"leader"`
	Draining        bool             `json:"draining"`
	ActiveRequests  int              `json:"activeRequests"`
	PendingPrepares int              `json:"pendingPrepares"`
	Replica         shard.ShardInfo  `json:"replica"`
	Shard           shard.ShardStats `json:"shard"`
}
