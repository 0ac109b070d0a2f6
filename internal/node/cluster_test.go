package node

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dreamware/beedb/internal/cluster"
	"github.com/dreamware/beedb/internal/storage"
)

var testTiming = cluster.TimingConfig{
	MinElectionTimeout: 150 * time.Millisecond,
	MaxElectionTimeout: 300 * time.Millisecond,
	HeartbeatInterval:  30 * time.Millisecond,
	RPCTimeout:         100 * time.Millisecond,
	PrepareTimeout:     500 * time.Millisecond,
}

// gate sits in front of a replica handler. When blocked, two-phase commit
// calls fail as if the replica were unreachable; consensus and client
// traffic still pass.
type gate struct {
	handler atomic.Pointer[http.Handler]
	blocked atomic.Bool
}

func (g *gate) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.blocked.Load() && strings.HasPrefix(r.URL.Path, "/2pc/") {
		http.Error(w, "unreachable", http.StatusServiceUnavailable)
		return
	}

	h := g.handler.Load()
	if h == nil {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	(*h).ServeHTTP(w, r)
}

type testReplica struct {
	*Replica
	server *httptest.Server
	gate   *gate
}

func (r *testReplica) url() string {
	return r.server.URL
}

type testCluster struct {
	t        *testing.T
	replicas []*testReplica
}

// newTestCluster starts a shard of n replicas talking over real HTTP.
func newTestCluster(t *testing.T, n int) *testCluster {
	t.Helper()

	tc := &testCluster{t: t}

	for i := 0; i < n; i++ {
		g := &gate{}
		server := httptest.NewServer(g)
		t.Cleanup(server.Close)
		tc.replicas = append(tc.replicas, &testReplica{server: server, gate: g})
	}

	for i, tr := range tc.replicas {
		var peers []string
		for j, other := range tc.replicas {
			if j != i {
				peers = append(peers, other.url())
			}
		}

		replica, err := New(Options{
			ID:      fmt.Sprintf("r%d", i+1),
			ShardID: "nodeA",
			Address: tr.url(),
			Peers:   peers,
			Timing:  testTiming,
			Store:   storage.NewMemoryStore(),
			Markers: storage.NewMemoryStore(),
		})
		require.NoError(t, err)

		tr.Replica = replica
		handler := replica.Handler()
		tr.gate.handler.Store(&handler)
	}

	for _, tr := range tc.replicas {
		tr.Start()
		t.Cleanup(tr.Stop)
	}

	return tc
}

// waitForLeader waits until one replica leads and every other replica
// follows it.
func (tc *testCluster) waitForLeader() (*testReplica, []*testReplica) {
	tc.t.Helper()

	var leader *testReplica
	require.Eventually(tc.t, func() bool {
		leader = nil
		for _, r := range tc.replicas {
			if r.Consensus.IsLeader() {
				if leader != nil {
					return false
				}
				leader = r
			}
		}
		if leader == nil {
			return false
		}
		for _, r := range tc.replicas {
			if r.Consensus.LeaderAddress() != leader.url() {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond, "no stable leader elected")

	var followers []*testReplica
	for _, r := range tc.replicas {
		if r != leader {
			followers = append(followers, r)
		}
	}
	return leader, followers
}

type response struct {
	status int
	env    *cluster.Envelope
}

func (r response) value(t *testing.T) KeyValue {
	t.Helper()

	var kv KeyValue
	require.NoError(t, r.env.DecodeData(&kv))
	return kv
}

func (r response) code() cluster.ErrorCode {
	if r.env.Resp.Error == nil {
		return ""
	}
	return r.env.Resp.Error.Code
}

func call(t *testing.T, method, url, body string) response {
	t.Helper()

	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	env, err := cluster.DecodeEnvelope(resp.Body)
	require.NoError(t, err)

	return response{status: resp.StatusCode, env: env}
}

func put(t *testing.T, addr, key string, value any) response {
	t.Helper()

	body, err := json.Marshal(map[string]any{"key": key, "value": value})
	require.NoError(t, err)
	return call(t, http.MethodPost, addr+"/key", string(body))
}

func get(t *testing.T, addr, key string) response {
	t.Helper()
	return call(t, http.MethodGet, addr+"/key/"+key, "")
}

func del(t *testing.T, addr, key string) response {
	t.Helper()
	return call(t, http.MethodDelete, addr+"/key/"+key, "")
}
