package admin

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/dreamware/beedb/internal/cluster"
	"github.com/dreamware/beedb/internal/shard"
)

// ReplicaStatus is the consensus view of one replica. Status is nil when
// the replica could not be reached, and Error says why.
type ReplicaStatus struct {
	ID      string              `json:"id"`
	Address string              `json:"address"`
	Up      bool                `json:"up"`
	Error   string              `json:"error,omitempty"`
	Status  *cluster.NodeStatus `json:"status,omitempty"`
}

// ShardStatus groups the replicas of one shard. Leader and Term come from
// the replica reporting the highest term.
type ShardStatus struct {
	ID       string          `json:"id"`
	Leader   string          `json:"leader,omitempty"`
	Term     int64           `json:"term"`
	Up       int             `json:"up"`
	Replicas []ReplicaStatus `json:"replicas"`
}

// ClusterStatus is the result of Admin.Status. Up counts reachable replicas
// out of Total configured ones.
type ClusterStatus struct {
	Shards []ShardStatus `json:"shards"`
	Up     int           `json:"up"`
	Total  int           `json:"total"`
}

// ReplicaStats holds the /stats answer of one replica, or the error that
// prevented fetching it.
type ReplicaStats struct {
	ID      string             `json:"id"`
	Address string             `json:"address"`
	Up      bool               `json:"up"`
	Error   string             `json:"error,omitempty"`
	Stats   *cluster.NodeStats `json:"stats,omitempty"`
}

// ShardStats aggregates the counters of the replicas of a shard. Operation
// and replication counters are summed; storage figures are the largest
// reported by any replica.
type ShardStats struct {
	ID       string           `json:"id"`
	Replicas []ReplicaStats   `json:"replicas"`
	Totals   shard.ShardStats `json:"totals"`
	Draining int              `json:"draining"` // reachable replicas that are draining
}

// ClusterStats is the result of Admin.Stats, one entry per shard in
// topology order.
type ClusterStats struct {
	Shards []ShardStats `json:"shards"`
}

// StopResult reports whether a replica accepted the shutdown request.
// Stopped only means the replica started draining; it may still be
// finishing in-flight work.
type StopResult struct {
	ID      string `json:"id"`
	ShardID string `json:"shardId"`
	Address string `json:"address"`
	Stopped bool   `json:"stopped"`
	Error   string `json:"error,omitempty"`
}

// Admin aggregates status, stats and shutdown across every replica of the
// cluster. An unreachable replica is reported as down and never fails the
// whole call.
type Admin struct {
	topology cluster.Topology
	timeout  time.Duration
	log      hclog.Logger
}

// New returns an Admin for every replica in topology.
//
// Parameters:
//   - topology: the shards and replicas to query
//   - timeout: per-replica request timeout, one second when not positive
//   - logger: a nil logger discards output
//
// Example:
//
//	a := admin.New(cfg.Topology(), cfg.Timing.AdminTimeout, logger)
//	status := a.Status(ctx)
//	fmt.Printf("%d/%d replicas up\n", status.Up, status.Total)
func New(topology cluster.Topology, timeout time.Duration, logger hclog.Logger) *Admin {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if timeout <= 0 {
		timeout = time.Second
	}

	return &Admin{
		topology: topology,
		timeout:  timeout,
		log:      logger.Named("admin"),
	}
}

type result[T any] struct {
	value T
	err   error
}

// fanOut calls fn for every replica in parallel, each call bounded by the
// admin timeout. Results are indexed like the topology.
func fanOut[T any](ctx context.Context, a *Admin, fn func(ctx context.Context, sh cluster.ShardConfig, r cluster.ReplicaConfig) (T, error)) [][]result[T] {
	shards := a.topology.Shards()
	results := make([][]result[T], len(shards))

	var wg sync.WaitGroup
	for i, sh := range shards {
		results[i] = make([]result[T], len(sh.Replicas))

		for j, r := range sh.Replicas {
			wg.Add(1)
			go func(i, j int, sh cluster.ShardConfig, r cluster.ReplicaConfig) {
				defer wg.Done()

				callCtx, cancel := context.WithTimeout(ctx, a.timeout)
				defer cancel()

				value, err := fn(callCtx, sh, r)
				if err != nil {
					a.log.Debug("replica unreachable", "replica", r.ID, "error", err)
				}
				results[i][j] = result[T]{value: value, err: err}
			}(i, j, sh, r)
		}
	}
	wg.Wait()

	return results
}

// Status polls /raft/status on every replica.
func (a *Admin) Status(ctx context.Context) ClusterStatus {
	results := fanOut(ctx, a, func(ctx context.Context, _ cluster.ShardConfig, r cluster.ReplicaConfig) (cluster.NodeStatus, error) {
		var status cluster.NodeStatus
		err := cluster.GetJSON(ctx, cluster.JoinURL(r.Address, "/raft/status"), &status)
		return status, err
	})

	var out ClusterStatus
	for i, sh := range a.topology.Shards() {
		ss := ShardStatus{ID: sh.ID}

		for j, r := range sh.Replicas {
			res := results[i][j]
			rs := ReplicaStatus{ID: r.ID, Address: r.Address}

			if res.err != nil {
				rs.Error = res.err.Error()
			} else {
				status := res.value
				rs.Up = true
				rs.Status = &status
				ss.Up++

				if status.State == "leader" && status.Term >= ss.Term {
					ss.Leader = r.Address
					ss.Term = status.Term
				}
			}

			ss.Replicas = append(ss.Replicas, rs)
		}

		out.Shards = append(out.Shards, ss)
		out.Up += ss.Up
		out.Total += len(sh.Replicas)
	}

	return out
}

// Stats polls /stats on every replica.
func (a *Admin) Stats(ctx context.Context) ClusterStats {
	results := fanOut(ctx, a, func(ctx context.Context, _ cluster.ShardConfig, r cluster.ReplicaConfig) (cluster.NodeStats, error) {
		var stats cluster.NodeStats
		err := cluster.GetJSON(ctx, cluster.JoinURL(r.Address, "/stats"), &stats)
		return stats, err
	})

	var out ClusterStats
	for i, sh := range a.topology.Shards() {
		ss := ShardStats{ID: sh.ID}

		for j, r := range sh.Replicas {
			res := results[i][j]
			rs := ReplicaStats{ID: r.ID, Address: r.Address}

			if res.err != nil {
				rs.Error = res.err.Error()
			} else {
				stats := res.value
				rs.Up = true
				rs.Stats = &stats
				addStats(&ss.Totals, stats.Shard)
				if stats.Replica.State == shard.ShardStateDraining {
					ss.Draining++
				}
			}

			ss.Replicas = append(ss.Replicas, rs)
		}

		out.Shards = append(out.Shards, ss)
	}

	return out
}

func addStats(total *shard.ShardStats, s shard.ShardStats) {
	total.Ops.Gets += s.Ops.Gets
	total.Ops.Puts += s.Ops.Puts
	total.Ops.Deletes += s.Ops.Deletes

	total.Replication.Prepares += s.Replication.Prepares
	total.Replication.Commits += s.Replication.Commits
	total.Replication.Aborts += s.Replication.Aborts

	total.Storage.Keys = max(total.Storage.Keys, s.Storage.Keys)
	total.Storage.Bytes = max(total.Storage.Bytes, s.Storage.Bytes)
}

// Stop asks every replica to drain and exit.
func (a *Admin) Stop(ctx context.Context) []StopResult {
	results := fanOut(ctx, a, func(ctx context.Context, _ cluster.ShardConfig, r cluster.ReplicaConfig) (struct{}, error) {
		return struct{}{}, cluster.PostJSON(ctx, cluster.JoinURL(r.Address, "/internal/shutdown"), struct{}{}, nil)
	})

	var out []StopResult
	for i, sh := range a.topology.Shards() {
		for j, r := range sh.Replicas {
			sr := StopResult{ID: r.ID, ShardID: sh.ID, Address: r.Address, Stopped: true}
			if err := results[i][j].err; err != nil {
				sr.Stopped = false
				sr.Error = err.Error()
				a.log.Warn("cannot stop replica", "replica", r.ID, "error", err)
			}
			out = append(out, sr)
		}
	}

	return out
}
