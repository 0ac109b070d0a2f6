package router

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/dreamware/beedb/internal/cluster"
)

// Replica health states.
const (
	HealthUnknown   = "unknown"
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
)

// ReplicaHealth tracks the health of one replica as seen by the router.
type ReplicaHealth struct {
	LastCheck        time.Time `json:"lastCheck"`
	LastHealthy      time.Time `json:"lastHealthy"`
	ReplicaID        string    `json:"replicaId"`
	ShardID          string    `json:"shardId"`
	Status           string    `json:"status"`
	State            string    `json:"state,omitempty"`
	Term             int64     `json:"term"`
	ConsecutiveFails int       `json:"consecutiveFails"`
}

// StatusFunc fetches the consensus status of a replica.
type StatusFunc func(ctx context.Context, addr string) (cluster.NodeStatus, error)

// HealthMonitor polls the /raft/status endpoint of every replica at a fixed
// interval. It tracks replica health and doubles as leader discovery: after
// each round, the highest-term replica claiming leadership of a shard is
// written to the registry. A cached leader that becomes unhealthy is
// forgotten.
//
// Thread Safety:
// All methods are safe for concurrent access.
type HealthMonitor struct {
	registry    *ShardRegistry
	checkFunc   StatusFunc
	onUnhealthy func(node cluster.NodeInfo)
	log         hclog.Logger

	interval    time.Duration
	timeout     time.Duration
	maxFailures int

	mu       sync.RWMutex
	replicas map[string]*ReplicaHealth

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHealthMonitor creates a monitor checking every replica of the registry
// each interval. Replicas are marked unhealthy after 3 consecutive failures.
func NewHealthMonitor(registry *ShardRegistry, interval, timeout time.Duration, logger hclog.Logger) *HealthMonitor {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())

	h := &HealthMonitor{
		registry:    registry,
		log:         logger.Named("health"),
		interval:    interval,
		timeout:     timeout,
		maxFailures: 3,
		replicas:    make(map[string]*ReplicaHealth),
		ctx:         ctx,
		cancel:      cancel,
	}
	h.checkFunc = h.defaultStatusCheck

	return h
}

// SetCheckFunction overrides how replica status is fetched.
func (h *HealthMonitor) SetCheckFunction(checkFunc StatusFunc) {
	h.checkFunc = checkFunc
}

// SetOnUnhealthy sets a callback invoked when a replica becomes unhealthy.
func (h *HealthMonitor) SetOnUnhealthy(callback func(node cluster.NodeInfo)) {
	h.onUnhealthy = callback
}

// Start runs the monitor in the background until Stop is called.
func (h *HealthMonitor) Start() {
	h.wg.Add(1)
	go h.run()
}

// Stop cancels the monitor and waits for the current round to finish.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
	h.log.Info("health monitor stopped")
}

func (h *HealthMonitor) run() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.log.Info("health monitor started", "interval", h.interval)

	h.CheckAll(h.ctx)

	for {
		select {
		case <-ticker.C:
			h.CheckAll(h.ctx)
		case <-h.ctx.Done():
			return
		}
	}
}

// CheckAll polls every replica once, in parallel, then refreshes the leader
// cache from the answers.
func (h *HealthMonitor) CheckAll(ctx context.Context) {
	replicas := h.registry.Replicas()
	statuses := make([]*cluster.NodeStatus, len(replicas))

	var wg sync.WaitGroup
	for i, node := range replicas {
		wg.Add(1)
		go func(i int, node cluster.NodeInfo) {
			defer wg.Done()
			statuses[i] = h.checkReplica(ctx, node)
		}(i, node)
	}
	wg.Wait()

	leaders := make(map[string]*cluster.NodeStatus)
	for _, status := range statuses {
		if status == nil || status.State != "leader" {
			continue
		}
		if best := leaders[status.ShardID]; best == nil || status.Term > best.Term {
			leaders[status.ShardID] = status
		}
	}

	for shardID, status := range leaders {
		if current, _ := h.registry.Leader(shardID); current == status.Address {
			continue
		}
		if err := h.registry.SetLeader(shardID, status.Address); err != nil {
			h.log.Warn("ignoring leader report", "shard", shardID, "error", err)
			continue
		}
		h.log.Info("discovered shard leader", "shard", shardID,
			"leader", status.Address, "term", status.Term)
	}
}

func (h *HealthMonitor) checkReplica(ctx context.Context, node cluster.NodeInfo) *cluster.NodeStatus {
	h.mu.Lock()
	health, exists := h.replicas[node.ID]
	if !exists {
		health = &ReplicaHealth{
			ReplicaID: node.ID,
			ShardID:   node.ShardID,
			Status:    HealthUnknown,
		}
		h.replicas[node.ID] = health
	}
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	status, err := h.checkFunc(ctx, node.Addr)

	h.mu.Lock()
	defer h.mu.Unlock()

	health.LastCheck = time.Now()

	if err != nil {
		health.ConsecutiveFails++
		h.log.Debug("status check failed", "replica", node.ID,
			"attempt", health.ConsecutiveFails, "error", err)

		if health.ConsecutiveFails >= h.maxFailures && health.Status != HealthUnhealthy {
			health.Status = HealthUnhealthy
			h.log.Warn("replica marked unhealthy", "replica", node.ID,
				"failures", health.ConsecutiveFails)

			if h.registry.ClearLeader(node.ShardID, node.Addr) {
				h.log.Info("forgot unhealthy shard leader", "shard", node.ShardID, "leader", node.Addr)
			}
			if h.onUnhealthy != nil {
				go h.onUnhealthy(node)
			}
		}
		return nil
	}

	if health.Status == HealthUnhealthy {
		h.log.Info("replica recovered", "replica", node.ID)
	}
	health.Status = HealthHealthy
	health.ConsecutiveFails = 0
	health.LastHealthy = health.LastCheck
	health.State = status.State
	health.Term = status.Term

	if status.Address == "" {
		status.Address = node.Addr
	}
	if status.ShardID == "" {
		status.ShardID = node.ShardID
	}

	return &status
}

func (h *HealthMonitor) defaultStatusCheck(ctx context.Context, addr string) (cluster.NodeStatus, error) {
	var status cluster.NodeStatus
	err := cluster.GetJSON(ctx, cluster.JoinURL(addr, "/raft/status"), &status)
	return status, err
}

// ReplicaHealth returns a copy of the health record of a replica, or nil.
func (h *HealthMonitor) ReplicaHealth(replicaID string) *ReplicaHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.replicas[replicaID]
	if !exists {
		return nil
	}

	copied := *health
	return &copied
}

// AllReplicaHealth returns copies of every health record by replica id.
func (h *HealthMonitor) AllReplicaHealth() map[string]ReplicaHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make(map[string]ReplicaHealth, len(h.replicas))
	for id, health := range h.replicas {
		result[id] = *health
	}
	return result
}

// IsHealthy reports whether the replica answered its last check.
func (h *HealthMonitor) IsHealthy(replicaID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.replicas[replicaID]
	return exists && health.Status == HealthHealthy
}
