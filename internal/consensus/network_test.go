package consensus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
)

// memNetwork routes consensus RPCs between in-process nodes. Isolated
// addresses can neither send nor receive.
type memNetwork struct {
	mu       sync.RWMutex
	nodes    map[string]*Node
	isolated map[string]bool
}

func newMemNetwork() *memNetwork {
	return &memNetwork{
		nodes:    make(map[string]*Node),
		isolated: make(map[string]bool),
	}
}

func (net *memNetwork) isolate(addr string) {
	net.mu.Lock()
	defer net.mu.Unlock()
	net.isolated[addr] = true
}

func (net *memNetwork) heal(addr string) {
	net.mu.Lock()
	defer net.mu.Unlock()
	delete(net.isolated, addr)
}

func (net *memNetwork) route(from, to string) (*Node, error) {
	net.mu.RLock()
	defer net.mu.RUnlock()

	if net.isolated[from] || net.isolated[to] {
		return nil, fmt.Errorf("%s -> %s: network partitioned", from, to)
	}
	node, found := net.nodes[to]
	if !found {
		return nil, fmt.Errorf("%s: connection refused", to)
	}
	return node, nil
}

type memTransport struct {
	net  *memNetwork
	from string
}

func (t *memTransport) RequestVote(ctx context.Context, peer string, req VoteRequest) (VoteResponse, error) {
	if err := ctx.Err(); err != nil {
		return VoteResponse{}, err
	}
	node, err := t.net.route(t.from, peer)
	if err != nil {
		return VoteResponse{}, err
	}
	return node.HandleRequestVote(req), nil
}

func (t *memTransport) Heartbeat(ctx context.Context, peer string, req HeartbeatRequest) (HeartbeatResponse, error) {
	if err := ctx.Err(); err != nil {
		return HeartbeatResponse{}, err
	}
	node, err := t.net.route(t.from, peer)
	if err != nil {
		return HeartbeatResponse{}, err
	}
	return node.HandleHeartbeat(req), nil
}

type recordingAnnouncer struct {
	mu            sync.Mutex
	announcements []string
}

func (a *recordingAnnouncer) AnnounceLeader(ctx context.Context, shardID, leaderAddress string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.announcements = append(a.announcements, shardID+"="+leaderAddress)
	return nil
}

func (a *recordingAnnouncer) last() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.announcements) == 0 {
		return ""
	}
	return a.announcements[len(a.announcements)-1]
}

type testCluster struct {
	net       *memNetwork
	nodes     []*Node
	announcer *recordingAnnouncer
}

func testNodeConfig(id, addr string, peers []string, transport Transport) Config {
	return Config{
		ID:                 id,
		ShardID:            "nodeA",
		Address:            addr,
		Peers:              peers,
		MinElectionTimeout: 60 * time.Millisecond,
		MaxElectionTimeout: 150 * time.Millisecond,
		HeartbeatInterval:  15 * time.Millisecond,
		RPCTimeout:         30 * time.Millisecond,
		Transport:          transport,
		Logger:             hclog.NewNullLogger(),
	}
}

// newTestCluster builds n nodes on one in-memory network without starting
// them.
func newTestCluster(t *testing.T, n int) *testCluster {
	t.Helper()

	c := &testCluster{
		net:       newMemNetwork(),
		announcer: &recordingAnnouncer{},
	}

	addrs := make([]string, n)
	for i := range addrs {
		addrs[i] = fmt.Sprintf("http://127.0.0.1:%d", 3001+i)
	}

	for i, addr := range addrs {
		var peers []string
		for j, other := range addrs {
			if j != i {
				peers = append(peers, other)
			}
		}

		cfg := testNodeConfig(fmt.Sprintf("a%d", i+1), addr, peers,
			&memTransport{net: c.net, from: addr})
		cfg.Announcer = c.announcer

		node, err := NewNode(cfg)
		require.NoError(t, err)

		c.net.nodes[addr] = node
		c.nodes = append(c.nodes, node)
	}

	t.Cleanup(c.stop)
	return c
}

func (c *testCluster) start() {
	for _, node := range c.nodes {
		node.Start()
	}
}

func (c *testCluster) stop() {
	for _, node := range c.nodes {
		node.Stop()
	}
}

// leaders returns the nodes currently in the leader state.
func (c *testCluster) leaders() []*Node {
	var leaders []*Node
	for _, node := range c.nodes {
		if node.IsLeader() {
			leaders = append(leaders, node)
		}
	}
	return leaders
}

// waitForLeader waits until exactly one node among candidates is leader and
// every other candidate follows it.
func (c *testCluster) waitForLeader(t *testing.T, candidates []*Node) *Node {
	t.Helper()

	var leader *Node
	require.Eventually(t, func() bool {
		leader = nil
		for _, node := range candidates {
			if node.IsLeader() {
				if leader != nil {
					return false
				}
				leader = node
			}
		}
		if leader == nil {
			return false
		}
		for _, node := range candidates {
			if node != leader && node.LeaderAddress() != leader.Address() {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond, "no stable leader elected")

	return leader
}
