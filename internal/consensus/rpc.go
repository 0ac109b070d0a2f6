package consensus

import "context"

// Term is a logical election epoch. It never decreases on a given node.
type Term int64

// State is the consensus role of a node.
type State string

const (
	StateFollower  State = "follower"
	StateCandidate State = "candidate"
	StateLeader    State = "leader"
)

// VoteRequest is sent by a candidate to every peer when it starts an
// election.
type VoteRequest struct {
	Term        Term   `json:"term"`
	CandidateID string `json:"candidateId"`
}

// VoteResponse carries the voter's term after handling the request, so a
// stale candidate can step down.
type VoteResponse struct {
	Term        Term `json:"term"`
	VoteGranted bool `json:"voteGranted"`
}

// HeartbeatRequest is sent by a leader to every peer on each tick. LeaderID
// carries the leader's client-reachable address, which followers use to
// redirect writes.
type HeartbeatRequest struct {
	Term     Term   `json:"term"`
	LeaderID string `json:"leaderId"`
}

// HeartbeatResponse reports whether the peer accepted the sender as leader.
// Success is false when the sender's term is stale.
type HeartbeatResponse struct {
	Term    Term `json:"term"`
	Success bool `json:"success"`
}

// Transport carries consensus RPCs to peers identified by address. An error
// means the peer could not be reached in time; it is never fatal.
type Transport interface {
	RequestVote(ctx context.Context, peer string, req VoteRequest) (VoteResponse, error)
	Heartbeat(ctx context.Context, peer string, req HeartbeatRequest) (HeartbeatResponse, error)
}

// Announcer tells the router about a new shard leader.
type Announcer interface {
	AnnounceLeader(ctx context.Context, shardID, leaderAddress string) error
}
