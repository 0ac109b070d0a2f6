package router

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dreamware/beedb/internal/cluster"
)

// ErrUnknownShard is returned for shard ids absent from the topology.
var ErrUnknownShard = errors.New("unknown shard")

// Target is where the router sends a request for a key.
type Target struct {
	Shard     cluster.ShardConfig
	Address   string
	ViaLeader bool // Address is the cached leader rather than a round-robin pick
}

// ShardView is the router's view of one shard, as served on /shards.
type ShardView struct {
	ID       string                  `json:"id"`
	Index    int                     `json:"index"`
	Replicas []cluster.ReplicaConfig `json:"replicas"`
	Leader   string                  `json:"leader,omitempty"`
}

// ShardRegistry maps keys to shards and caches the last known leader of each
// shard.
//
// The shard list is fixed at construction; only the leader cache and the
// round-robin cursors change:
//
//	┌─────────────────────────────────────────┐
//	│              ShardRegistry              │
//	├─────────────────────────────────────────┤
//	│  topology  nodeA [a1 a2 a3] nodeB [...] │
//	│  leaders   nodeA → http://a2            │
//	│  cursors   nodeB → 1                    │
//	├─────────────────────────────────────────┤
//	│  key → md5 → shard → leader | next      │
//	└─────────────────────────────────────────┘
//
// The leader cache is not authoritative. An announcement always overwrites
// the previous entry, without any term comparison, and a stale entry only
// costs one redirect or one failed forward.
//
// Thread Safety:
// All methods are safe for concurrent use. Returned values are copies.
type ShardRegistry struct {
	topology cluster.Topology

	mu      sync.RWMutex
	leaders map[string]string
	cursors map[string]int
}

// NewShardRegistry creates a registry over a fixed topology.
func NewShardRegistry(topology cluster.Topology) *ShardRegistry {
	return &ShardRegistry{
		topology: topology,
		leaders:  make(map[string]string),
		cursors:  make(map[string]int),
	}
}

// NumShards returns the number of configured shards.
func (r *ShardRegistry) NumShards() int {
	return r.topology.NumShards()
}

// ShardForKey returns the shard owning key. The result only depends on the
// key and the configured shard list.
func (r *ShardRegistry) ShardForKey(key string) cluster.ShardConfig {
	return r.topology.ShardAt(cluster.ShardIndex(key, r.topology.NumShards()))
}

// Shard looks a shard up by id.
func (r *ShardRegistry) Shard(shardID string) (cluster.ShardConfig, bool) {
	return r.topology.Shard(shardID)
}

// SetLeader records the leader address of a shard, replacing any previous
// entry.
func (r *ShardRegistry) SetLeader(shardID, addr string) error {
	if _, found := r.topology.Shard(shardID); !found {
		return fmt.Errorf("%w %q", ErrUnknownShard, shardID)
	}
	if addr == "" {
		return errors.New("leader address cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.leaders[shardID] = addr
	return nil
}

// Leader returns the cached leader of a shard.
func (r *ShardRegistry) Leader(shardID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	addr, found := r.leaders[shardID]
	return addr, found
}

// ClearLeader forgets the cached leader of a shard if it is still addr, and
// reports whether it did.
func (r *ShardRegistry) ClearLeader(shardID, addr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, found := r.leaders[shardID]; !found || current != addr {
		return false
	}

	delete(r.leaders, shardID)
	return true
}

// NextReplica returns the next replica address of a shard in round-robin
// order.
func (r *ShardRegistry) NextReplica(shardID string) (string, error) {
	sh, found := r.topology.Shard(shardID)
	if !found {
		return "", fmt.Errorf("%w %q", ErrUnknownShard, shardID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.cursors[shardID] % len(sh.Replicas)
	r.cursors[shardID] = idx + 1

	return sh.Replicas[idx].Address, nil
}

// Target resolves the address a request for key is sent to: the cached
// leader of the owning shard, or the next replica when no leader is known.
func (r *ShardRegistry) Target(key string) (Target, error) {
	sh := r.ShardForKey(key)

	if addr, found := r.Leader(sh.ID); found {
		return Target{Shard: sh, Address: addr, ViaLeader: true}, nil
	}

	addr, err := r.NextReplica(sh.ID)
	if err != nil {
		return Target{}, err
	}

	return Target{Shard: sh, Address: addr}, nil
}

// Snapshot returns every shard with its cached leader, in topology order.
func (r *ShardRegistry) Snapshot() []ShardView {
	r.mu.RLock()
	defer r.mu.RUnlock()

	shards := r.topology.Shards()
	views := make([]ShardView, len(shards))
	for i, sh := range shards {
		views[i] = ShardView{
			ID:       sh.ID,
			Index:    i,
			Replicas: sh.Replicas,
			Leader:   r.leaders[sh.ID],
		}
	}

	return views
}

// Replicas returns every replica of the cluster, in topology order.
func (r *ShardRegistry) Replicas() []cluster.NodeInfo {
	var nodes []cluster.NodeInfo
	for _, sh := range r.topology.Shards() {
		for _, replica := range sh.Replicas {
			nodes = append(nodes, cluster.NodeInfo{
				ID:      replica.ID,
				Addr:    replica.Address,
				ShardID: sh.ID,
			})
		}
	}

	return nodes
}
