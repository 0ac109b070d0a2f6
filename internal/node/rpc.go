package node

import (
	"context"
	"fmt"

	"github.com/dreamware/beedb/internal/cluster"
	"github.com/dreamware/beedb/internal/consensus"
	"github.com/dreamware/beedb/internal/replication"
)

// HTTPTransport carries consensus and two-phase commit RPCs between replicas
// as JSON over HTTP. Deadlines come from the caller's context.
type HTTPTransport struct{}

var (
	_ consensus.Transport   = HTTPTransport{}
	_ replication.Transport = HTTPTransport{}
)

// RequestVote posts req to the peer's /raft/vote.
func (HTTPTransport) RequestVote(ctx context.Context, peer string, req consensus.VoteRequest) (consensus.VoteResponse, error) {
	var resp consensus.VoteResponse
	err := cluster.PostJSON(ctx, cluster.JoinURL(peer, "/raft/vote"), req, &resp)
	return resp, err
}

// Heartbeat posts req to the peer's /raft/heartbeat.
func (HTTPTransport) Heartbeat(ctx context.Context, peer string, req consensus.HeartbeatRequest) (consensus.HeartbeatResponse, error) {
	var resp consensus.HeartbeatResponse
	err := cluster.PostJSON(ctx, cluster.JoinURL(peer, "/raft/heartbeat"), req, &resp)
	return resp, err
}

// Prepare, Commit and Abort post to the peer's /2pc endpoints. A reply
// with any status other than the expected one is an error, so a refused
// prepare fails the round.
func (HTTPTransport) Prepare(ctx context.Context, peer string, req replication.PrepareRequest) error {
	return call2PC(ctx, peer, "/2pc/prepare", req, replication.StatusReady)
}

func (HTTPTransport) Commit(ctx context.Context, peer string, req replication.DecisionRequest) error {
	return call2PC(ctx, peer, "/2pc/commit", req, replication.StatusOK)
}

func (HTTPTransport) Abort(ctx context.Context, peer string, req replication.DecisionRequest) error {
	return call2PC(ctx, peer, "/2pc/abort", req, replication.StatusAborted)
}

func call2PC(ctx context.Context, peer, path string, req any, want string) error {
	var reply replication.Reply
	if err := cluster.PostJSON(ctx, cluster.JoinURL(peer, path), req, &reply); err != nil {
		return err
	}
	if reply.Status != want {
		return fmt.Errorf("%s replied %q: %s", path, reply.Status, reply.Message)
	}
	return nil
}

// RouterAnnouncer pushes leader announcements to the router's /set_master
// endpoint.
type RouterAnnouncer struct {
	Router string
}

// AnnounceLeader tells the router that leaderAddress now leads shardID.
// The router rejects announcements carrying an unknown shard id.
func (a RouterAnnouncer) AnnounceLeader(ctx context.Context, shardID, leaderAddress string) error {
	return cluster.PostJSON(ctx, cluster.JoinURL(a.Router, "/set_master"), cluster.LeaderAnnouncement{
		ShardID:       shardID,
		LeaderAddress: leaderAddress,
	}, nil)
}
