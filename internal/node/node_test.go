package node

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/beedb/internal/cluster"
	"github.com/dreamware/beedb/internal/consensus"
	"github.com/dreamware/beedb/internal/replication"
	"github.com/dreamware/beedb/internal/shard"
	"github.com/dreamware/beedb/internal/storage"
)

func TestWriteReplicatedToEveryReplica(t *testing.T) {
	tc := newTestCluster(t, 3)
	leader, _ := tc.waitForLeader()

	resp := put(t, leader.url(), "a", 1)
	require.Equal(t, http.StatusOK, resp.status, "error: %v", resp.env.Resp.Error)
	assert.Equal(t, "a", resp.value(t).Key)

	for _, r := range tc.replicas {
		got := get(t, r.url(), "a")
		require.Equal(t, http.StatusOK, got.status, "replica %s", r.Consensus.ID())
		kv := got.value(t)
		assert.Equal(t, "a", kv.Key)
		assert.JSONEq(t, `1`, string(kv.Value))
		assert.Zero(t, r.Participant.Pending(), "no marker left behind")
	}

	resp = del(t, leader.url(), "a")
	require.Equal(t, http.StatusOK, resp.status)

	for _, r := range tc.replicas {
		assert.Equal(t, cluster.CodeKeyNotFound, get(t, r.url(), "a").code())
	}
}

// TestWriteRedirectedToLeader checks that a write sent to a follower has
// the same outcome as one sent to the leader.
func TestWriteRedirectedToLeader(t *testing.T) {
	tc := newTestCluster(t, 3)
	leader, followers := tc.waitForLeader()

	direct := put(t, leader.url(), "direct", map[string]string{"name": "bee"})
	redirected := put(t, followers[0].url(), "redirected", map[string]string{"name": "bee"})

	assert.Equal(t, direct.status, redirected.status)
	assert.Equal(t, direct.code(), redirected.code())
	assert.JSONEq(t, string(direct.value(t).Value), string(redirected.value(t).Value))

	for _, r := range tc.replicas {
		kv := get(t, r.url(), "redirected").value(t)
		assert.JSONEq(t, `{"name":"bee"}`, string(kv.Value))
	}

	assert.Equal(t, uint64(2), followers[0].Shard.GetStats().Replication.Prepares,
		"the follower took part in both writes as a participant")
	assert.Zero(t, leader.Shard.GetStats().Replication.Prepares)

	resp := del(t, followers[1].url(), "redirected")
	assert.Equal(t, http.StatusOK, resp.status)
	for _, r := range tc.replicas {
		assert.Equal(t, http.StatusNotFound, get(t, r.url(), "redirected").status)
	}
}

// TestPrepareFailureLeavesKeyAbsent makes one follower unreachable for two
// phase commit before a write. No replica may apply it.
func TestPrepareFailureLeavesKeyAbsent(t *testing.T) {
	tc := newTestCluster(t, 3)
	leader, followers := tc.waitForLeader()

	followers[1].gate.blocked.Store(true)

	resp := put(t, leader.url(), "a", 1)
	assert.Equal(t, http.StatusServiceUnavailable, resp.status)
	assert.Equal(t, cluster.CodePrepareFailed, resp.code())
	assert.Equal(t, cluster.SourceShard, resp.env.Resp.Error.Source)

	for _, r := range tc.replicas {
		got := get(t, r.url(), "a")
		assert.Equal(t, http.StatusNotFound, got.status, "replica %s", r.Consensus.ID())
		assert.Equal(t, cluster.CodeKeyNotFound, got.code())
	}

	assert.Equal(t, uint64(1), leader.Shard.GetStats().Replication.Aborts)

	followers[1].gate.blocked.Store(false)
	resp = put(t, leader.url(), "a", 2)
	assert.Equal(t, http.StatusOK, resp.status)
}

// newStandalone builds a replica whose peers are never contacted and whose
// election timer is not armed, so it has no leader.
func newStandalone(t *testing.T) (*Replica, *httptest.Server) {
	t.Helper()

	replica, err := New(Options{
		ID:      "r1",
		ShardID: "nodeA",
		Address: "http://r1.invalid",
		Peers:   []string{"http://r2.invalid", "http://r3.invalid"},
		Timing:  testTiming,
		Store:   storage.NewMemoryStore(),
		Markers: storage.NewMemoryStore(),
	})
	require.NoError(t, err)

	server := httptest.NewServer(replica.Handler())
	t.Cleanup(server.Close)

	return replica, server
}

func TestWriteWithoutLeader(t *testing.T) {
	_, server := newStandalone(t)

	resp := put(t, server.URL, "a", 1)
	assert.Equal(t, http.StatusServiceUnavailable, resp.status)
	assert.Equal(t, cluster.CodeNoLeader, resp.code())

	resp = del(t, server.URL, "a")
	assert.Equal(t, cluster.CodeNoLeader, resp.code())
}

func TestRedirectToUnreachableLeader(t *testing.T) {
	replica, server := newStandalone(t)

	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	replica.Consensus.HandleHeartbeat(heartbeat(1, deadURL))

	resp := put(t, server.URL, "a", 1)
	assert.Equal(t, http.StatusBadGateway, resp.status)
	assert.Equal(t, cluster.CodeRedirectFailed, resp.code())
}

func TestForwardedWriteIsNotBouncedAgain(t *testing.T) {
	replica, server := newStandalone(t)
	replica.Consensus.HandleHeartbeat(heartbeat(1, "http://r3.invalid"))

	req, err := http.NewRequest(http.MethodPost, server.URL+"/key", jsonBody(t, map[string]any{"key": "a", "value": 1}))
	require.NoError(t, err)
	req.Header.Set(cluster.ForwardedByHeader, "http://r2.invalid")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	env, err := cluster.DecodeEnvelope(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, cluster.CodeNoLeader, env.Resp.Error.Code)
}

func TestSelfLeaderAddressHandledLocally(t *testing.T) {
	replica, server := newStandalone(t)

	// A heartbeat naming our own address leaves us a follower that believes
	// it leads; the write is proposed here rather than forwarded.
	replica.Consensus.HandleHeartbeat(heartbeat(1, "http://r1.invalid"))

	resp := put(t, server.URL, "a", 1)
	assert.Equal(t, cluster.CodePrepareFailed, resp.code(), "the unreachable peers fail the prepare")
}

func TestClientValidation(t *testing.T) {
	_, server := newStandalone(t)

	tests := []struct {
		name string
		body string
		code cluster.ErrorCode
	}{
		{"malformed json", `{"key":`, cluster.CodeBadRequest},
		{"missing key", `{"value":1}`, cluster.CodeMissingKey},
		{"missing value", `{"key":"a"}`, cluster.CodeMissingValue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := call(t, http.MethodPost, server.URL+"/key", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.status)
			assert.Equal(t, tt.code, resp.code())
			assert.Equal(t, cluster.SourceShard, resp.env.Resp.Error.Source)
		})
	}

	resp := get(t, server.URL, "missing")
	assert.Equal(t, http.StatusNotFound, resp.status)
	assert.Equal(t, cluster.CodeKeyNotFound, resp.code())
}

func TestParticipantEndpoints(t *testing.T) {
	replica, server := newStandalone(t)
	transport := HTTPTransport{}
	ctx := context.Background()

	prepare := replication.PrepareRequest{TxID: "tx1", Key: "a", Value: json.RawMessage(`"v"`), Operation: cluster.OpCreate}
	decision := replication.DecisionRequest{TxID: "tx1", Key: "a", Operation: cluster.OpCreate}

	require.NoError(t, transport.Prepare(ctx, server.URL, prepare))
	assert.Equal(t, 1, replica.Participant.Pending())

	require.NoError(t, transport.Commit(ctx, server.URL, decision))
	require.NoError(t, transport.Commit(ctx, server.URL, decision), "commit without marker is a no-op")
	require.NoError(t, transport.Abort(ctx, server.URL, decision), "abort without marker is a no-op")

	kv := get(t, server.URL, "a").value(t)
	assert.JSONEq(t, `"v"`, string(kv.Value))

	err := transport.Prepare(ctx, server.URL, replication.PrepareRequest{TxID: "tx2", Operation: cluster.OpCreate})
	var statusErr *cluster.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)

	// an abort that overtook its prepare
	late := replication.PrepareRequest{TxID: "tx3", Key: "b", Value: json.RawMessage(`1`), Operation: cluster.OpCreate}
	require.NoError(t, transport.Abort(ctx, server.URL, replication.DecisionRequest{TxID: "tx3", Key: "b", Operation: cluster.OpCreate}))

	err = transport.Prepare(ctx, server.URL, late)
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusConflict, statusErr.StatusCode)
	assert.Zero(t, replica.Participant.Pending())
}

func TestConsensusEndpoints(t *testing.T) {
	replica, server := newStandalone(t)
	transport := HTTPTransport{}
	ctx := context.Background()

	vote, err := transport.RequestVote(ctx, server.URL, voteRequest(2, "r2"))
	require.NoError(t, err)
	assert.True(t, vote.VoteGranted)
	assert.EqualValues(t, 2, vote.Term)

	hb, err := transport.Heartbeat(ctx, server.URL, heartbeat(2, "http://r2.invalid"))
	require.NoError(t, err)
	assert.True(t, hb.Success)

	var status cluster.NodeStatus
	require.NoError(t, cluster.GetJSON(ctx, server.URL+"/raft/status", &status))
	assert.Equal(t, "r1", status.ID)
	assert.Equal(t, "follower", status.State)
	assert.Equal(t, int64(2), status.Term)
	assert.Equal(t, "http://r2.invalid", status.Leader)

	assert.Equal(t, "http://r2.invalid", replica.Consensus.LeaderAddress())
}

func TestStatsPingAndShutdown(t *testing.T) {
	replica, server := newStandalone(t)
	ctx := context.Background()

	var ping map[string]string
	require.NoError(t, cluster.GetJSON(ctx, server.URL+"/key/ping", &ping))
	assert.Equal(t, "ok", ping["status"])

	var stats cluster.NodeStats
	require.NoError(t, cluster.GetJSON(ctx, server.URL+"/stats", &stats))
	assert.Equal(t, "r1", stats.ID)
	assert.Equal(t, "nodeA", stats.ShardID)
	assert.False(t, stats.Draining)
	assert.Zero(t, stats.ActiveRequests, "stats requests are not counted")
	assert.Equal(t, shard.ShardStateActive, stats.Replica.State)
	assert.Equal(t, "r1", stats.Replica.ReplicaID)

	require.NoError(t, cluster.PostJSON(ctx, server.URL+"/internal/shutdown", struct{}{}, nil))

	select {
	case <-replica.Drainer.Done():
	case <-time.After(time.Second):
		t.Fatal("replica did not finish draining")
	}

	resp := get(t, server.URL, "a")
	assert.Equal(t, http.StatusServiceUnavailable, resp.status)
	assert.Equal(t, cluster.CodeShuttingDown, resp.code())

	require.NoError(t, cluster.GetJSON(ctx, server.URL+"/stats", &stats), "stats answer while draining")
	assert.True(t, stats.Draining)
	assert.Equal(t, shard.ShardStateDraining, stats.Replica.State)
}

func TestFromConfig(t *testing.T) {
	cfg := cluster.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Shards = []cluster.ShardConfig{
		{ID: "nodeA", Replicas: []cluster.ReplicaConfig{
			{ID: "a1", Address: "http://127.0.0.1:3001"},
			{ID: "a2", Address: "http://127.0.0.1:3002"},
			{ID: "a3", Address: "http://127.0.0.1:3003"},
		}},
	}

	replica, err := FromConfig(cfg, "a2", nil)
	require.NoError(t, err)

	assert.Equal(t, "a2", replica.Consensus.ID())
	assert.Equal(t, "nodeA", replica.Consensus.ShardID())
	assert.Equal(t, "http://127.0.0.1:3002", replica.Consensus.Address())
	assert.Equal(t, 3, replica.Consensus.ClusterSize())
	assert.Equal(t, []string{"http://127.0.0.1:3001", "http://127.0.0.1:3003"}, replica.Coordinator.Followers())

	for _, dir := range []string{"data", "prepare"} {
		info, err := os.Stat(filepath.Join(cfg.DataDir, "a2", dir))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}

	_, err = FromConfig(cfg, "zz", nil)
	assert.Error(t, err)
}

func heartbeat(term int64, leader string) consensus.HeartbeatRequest {
	return consensus.HeartbeatRequest{Term: consensus.Term(term), LeaderID: leader}
}

func voteRequest(term int64, candidate string) consensus.VoteRequest {
	return consensus.VoteRequest{Term: consensus.Term(term), CandidateID: candidate}
}

func jsonBody(t *testing.T, v any) io.Reader {
	t.Helper()

	data, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(data)
}
