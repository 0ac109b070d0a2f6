package shard

import (
	"sync"
	"sync/atomic"

	"github.com/dreamware/beedb/internal/storage"
)

// ShardState is the lifecycle state of a replica's shard.
type ShardState string

const (
	ShardStateActive ShardState = "active"
	// ShardStateDraining: in-flight work finishes, new requests are refused.
	ShardStateDraining ShardState = "draining"
)

// Shard is the slice of the key space one replica process holds. It wraps
// the replica's Store and counts what passes through it for /stats.
//
// Client operations (Get, Put, Delete) and 2PC outcomes (RecordPrepare,
// RecordCommit, RecordAbort) are counted separately: a committed write
// shows up once as a commit on every replica and once as a put on every
// replica that applied it.
type Shard struct {
	ID        string
	ReplicaID string
	Store     storage.Store

	mu    sync.RWMutex
	state ShardState

	gets, puts, deletes       atomic.Uint64
	prepares, commits, aborts atomic.Uint64
}

// ShardStats is a point-in-time copy of a shard's counters.
type ShardStats struct {
	Ops         OperationStats     `json:"operations"`
	Replication ReplicationStats   `json:"replication"`
	Storage     storage.StoreStats `json:"storage"`
}

// OperationStats counts client operations served by this replica.
type OperationStats struct {
	Gets    uint64 `json:"gets"`
	Puts    uint64 `json:"puts"`
	Deletes uint64 `json:"deletes"`
}

// ReplicationStats counts 2PC outcomes seen by this replica, as leader or
// as follower.
type ReplicationStats struct {
	Prepares uint64 `json:"prepares"`
	Commits  uint64 `json:"commits"`
	Aborts   uint64 `json:"aborts"`
}

// ShardInfo identifies a replica of a shard together with its size.
type ShardInfo struct {
	ID        string     `json:"id"`
	ReplicaID string     `json:"replicaId"`
	State     ShardState `json:"state"`
	KeyCount  int        `json:"keys"`
	ByteSize  int        `json:"bytes"`
}

// NewShard returns an active shard backed by store.
//
// Parameters:
//   - id: the shard id shared by every replica of the shard
//   - replicaID: the id of this replica
//   - store: where keys are kept; the shard takes no ownership of it
//
// Example:
//
//	sh := shard.NewShard("nodeA", "a1", storage.NewMemoryStore())
//	_ = sh.Put("user:1", []byte(`{"name":"bee"}`))
//	fmt.Println(sh.Info().KeyCount) // 1
func NewShard(id, replicaID string, store storage.Store) *Shard {
	return &Shard{
		ID:        id,
		ReplicaID: replicaID,
		Store:     store,
		state:     ShardStateActive,
	}
}

// Get reads key from the store and counts the read, found or not.
func (s *Shard) Get(key string) ([]byte, error) {
	s.gets.Add(1)
	return s.Store.Get(key)
}

// Put writes key and counts the write.
func (s *Shard) Put(key string, value []byte) error {
	s.puts.Add(1)
	return s.Store.Put(key, value)
}

// Delete removes key and counts the delete.
func (s *Shard) Delete(key string) error {
	s.deletes.Add(1)
	return s.Store.Delete(key)
}

// RecordPrepare, RecordCommit and RecordAbort count 2PC phases. They are
// called by the replication package, never by client handlers.
func (s *Shard) RecordPrepare() { s.prepares.Add(1) }
func (s *Shard) RecordCommit()  { s.commits.Add(1) }
func (s *Shard) RecordAbort()   { s.aborts.Add(1) }

// GetStats snapshots the counters together with the store size. Counters
// are read one at a time, so a snapshot taken under load may be slightly
// inconsistent across fields.
func (s *Shard) GetStats() ShardStats {
	return ShardStats{
		Ops: OperationStats{
			Gets:    s.gets.Load(),
			Puts:    s.puts.Load(),
			Deletes: s.deletes.Load(),
		},
		Replication: ReplicationStats{
			Prepares: s.prepares.Load(),
			Commits:  s.commits.Load(),
			Aborts:   s.aborts.Load(),
		},
		Storage: s.Store.Stats(),
	}
}

// Info reports identity, state and size of the shard.
func (s *Shard) Info() ShardInfo {
	size := s.Store.Stats()

	return ShardInfo{
		ID:        s.ID,
		ReplicaID: s.ReplicaID,
		State:     s.State(),
		KeyCount:  size.Keys,
		ByteSize:  size.Bytes,
	}
}

func (s *Shard) State() ShardState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetState moves the shard to state. Nothing prevents a draining shard
// from going back to active; the replica never does so.
func (s *Shard) SetState(state ShardState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}
