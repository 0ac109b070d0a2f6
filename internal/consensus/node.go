package consensus

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/exp/slices"

	"github.com/dreamware/beedb/internal/cluster"
)

// Config describes one replica of a shard. Peers lists the addresses of the
// other replicas of the same shard; the configured shard size is
// len(Peers)+1 whatever the reachability of each peer.
type Config struct {
	ID      string
	ShardID string
	Address string
	Peers   []string

	MinElectionTimeout time.Duration
	MaxElectionTimeout time.Duration
	HeartbeatInterval  time.Duration
	RPCTimeout         time.Duration
	AnnounceTimeout    time.Duration

	Transport Transport
	Announcer Announcer
	Logger    hclog.Logger
}

func (cfg *Config) check() error {
	switch {
	case cfg.ID == "":
		return errors.New("missing node id")
	case cfg.Address == "":
		return errors.New("missing node address")
	case cfg.Transport == nil:
		return errors.New("missing transport")
	case cfg.MinElectionTimeout <= 0 || cfg.MaxElectionTimeout < cfg.MinElectionTimeout:
		return errors.New("invalid election timeout range")
	case cfg.HeartbeatInterval <= 0:
		return errors.New("invalid heartbeat interval")
	case cfg.RPCTimeout <= 0:
		return errors.New("invalid rpc timeout")
	}
	return nil
}

// Majority returns the number of votes needed to win an election in a
// shard of n replicas.
func Majority(n int) int {
	return n/2 + 1
}

// Node runs leader election for one replica. All consensus state is guarded
// by mu; no lock is held while talking to peers.
type Node struct {
	cfg       Config
	log       hclog.Logger
	transport Transport
	announcer Announcer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	running       bool
	stopped       bool
	state         State
	term          Term
	votedFor      string
	votesReceived int
	leaderAddr    string
	deadline      time.Time
	unreachable   map[string]bool

	electionTimer *time.Timer
	timerEpoch    uint64
	heartbeatStop chan struct{}

	randGenerator *rand.Rand
}

// NewNode validates cfg and returns a follower at term 0. The node does
// nothing until Start is called.
//
// Parameters:
//   - cfg: replica identity, peers, timing and transport. Logger and
//     Announcer may be nil; AnnounceTimeout defaults to one second.
//
// Returns:
//   - *Node: a stopped node in the follower state
//   - error: if a required field is missing or the election timeouts are
//     inconsistent
//
// Example:
//
//	n, err := consensus.NewNode(consensus.Config{
//		ID:                 "a1",
//		ShardID:            "nodeA",
//		Address:            "http://127.0.0.1:9001",
//		Peers:              []string{"http://127.0.0.1:9002"},
//		MinElectionTimeout: 150 * time.Millisecond,
//		MaxElectionTimeout: 300 * time.Millisecond,
//		HeartbeatInterval:  50 * time.Millisecond,
//		RPCTimeout:         100 * time.Millisecond,
//		Transport:          transport,
//	})
//	if err != nil {
//		return err
//	}
//	n.Start()
//	defer n.Stop()
func NewNode(cfg Config) (*Node, error) {
	if err := cfg.check(); err != nil {
		return nil, err
	}
	if cfg.AnnounceTimeout <= 0 {
		cfg.AnnounceTimeout = time.Second
	}
	cfg.Peers = append([]string(nil), cfg.Peers...)

	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())

	n := &Node{
		cfg:       cfg,
		log:       logger.Named("consensus").With("node", cfg.ID, "shard", cfg.ShardID),
		transport: cfg.Transport,
		announcer: cfg.Announcer,

		ctx:    ctx,
		cancel: cancel,

		state:       StateFollower,
		unreachable: make(map[string]bool),

		randGenerator: rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	return n, nil
}

// ID returns the replica id this node was configured with.
func (n *Node) ID() string { return n.cfg.ID }

// ShardID returns the id of the shard this node votes in.
func (n *Node) ShardID() string { return n.cfg.ShardID }

// Address returns the client-reachable address announced as leader
// address when this node wins an election.
func (n *Node) Address() string { return n.cfg.Address }

// ClusterSize is the configured number of replicas in the shard.
func (n *Node) ClusterSize() int {
	return len(n.cfg.Peers) + 1
}

// Start arms the election timer. The node starts as a follower in term 0.
func (n *Node) Start() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.running || n.stopped {
		return
	}
	n.running = true

	n.log.Info("starting", "peers", len(n.cfg.Peers))
	n.resetElectionTimer()
}

// Stop disarms every timer, cancels in-flight RPCs and waits for background
// goroutines to exit.
func (n *Node) Stop() {
	n.mu.Lock()
	n.running = false
	n.stopped = true
	n.stopElectionTimer()
	n.stopHeartbeats()
	n.mu.Unlock()

	n.cancel()
	n.wg.Wait()

	n.log.Info("stopped")
}

// StartElection runs one election round: term increment, self vote, then a
// parallel vote request to every peer. The node becomes leader as soon as
// it holds a majority of the configured shard size. Otherwise it returns to
// follower with a fresh randomized timer.
func (n *Node) StartElection(ctx context.Context) {
	n.mu.Lock()
	if n.state == StateLeader {
		n.mu.Unlock()
		return
	}

	n.term++
	term := n.term
	n.state = StateCandidate
	n.votedFor = n.cfg.ID
	n.votesReceived = 1
	n.leaderAddr = ""
	n.stopElectionTimer()

	needed := Majority(n.ClusterSize())
	if n.votesReceived >= needed {
		n.becomeLeader(term)
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	n.log.Info("starting election", "term", term, "needed", needed)

	type voteResult struct {
		peer string
		resp VoteResponse
		err  error
	}

	results := make(chan voteResult, len(n.cfg.Peers))
	req := VoteRequest{Term: term, CandidateID: n.cfg.ID}

	for _, peer := range n.cfg.Peers {
		go func(peer string) {
			rpcCtx, cancel := context.WithTimeout(ctx, n.cfg.RPCTimeout)
			defer cancel()

			resp, err := n.transport.RequestVote(rpcCtx, peer, req)
			results <- voteResult{peer: peer, resp: resp, err: err}
		}(peer)
	}

	for range n.cfg.Peers {
		res := <-results

		if res.err != nil {
			n.markUnreachable(res.peer, res.err)
			continue
		}
		n.markReachable(res.peer)

		if n.countVote(term, res.peer, res.resp, needed) {
			return
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state != StateCandidate || n.term != term {
		return
	}

	n.log.Info("election lost", "term", term, "votes", n.votesReceived, "needed", needed)
	n.state = StateFollower
	n.resetElectionTimer()
}

// countVote applies one vote reply and reports whether the election round
// is over for this candidate.
func (n *Node) countVote(term Term, peer string, resp VoteResponse, needed int) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state != StateCandidate || n.term != term {
		return true
	}

	if resp.Term > n.term {
		n.log.Info("vote reply carries a higher term", "peer", peer, "term", resp.Term)
		n.stepDown(resp.Term)
		return true
	}

	if !resp.VoteGranted {
		return false
	}

	n.votesReceived++
	n.log.Debug("vote granted", "peer", peer, "term", term, "votes", n.votesReceived)

	if n.votesReceived >= needed {
		n.becomeLeader(term)
		return true
	}
	return false
}

// HandleRequestVote grants the vote iff the request term is not behind ours
// and no other candidate already holds our vote for that term.
func (n *Node) HandleRequestVote(req VoteRequest) VoteResponse {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term < n.term {
		n.log.Debug("rejecting vote request from older term",
			"candidate", req.CandidateID, "term", req.Term, "current", n.term)
		return VoteResponse{Term: n.term, VoteGranted: false}
	}

	if req.Term > n.term {
		n.adoptTerm(req.Term)
	}

	if n.votedFor != "" && n.votedFor != req.CandidateID {
		n.log.Debug("rejecting vote request, already voted",
			"candidate", req.CandidateID, "term", req.Term, "voted_for", n.votedFor)
		return VoteResponse{Term: n.term, VoteGranted: false}
	}

	n.votedFor = req.CandidateID
	n.state = StateFollower
	n.resetElectionTimer()

	n.log.Info("vote granted", "candidate", req.CandidateID, "term", n.term)
	return VoteResponse{Term: n.term, VoteGranted: true}
}

// HandleHeartbeat accepts a heartbeat whose term is not behind ours: the
// node follows the sender and re-arms its election timer. The recorded vote
// is only cleared when the term moves forward.
func (n *Node) HandleHeartbeat(req HeartbeatRequest) HeartbeatResponse {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term < n.term {
		n.log.Debug("rejecting heartbeat from older term",
			"leader", req.LeaderID, "term", req.Term, "current", n.term)
		return HeartbeatResponse{Term: n.term, Success: false}
	}

	if req.Term > n.term {
		n.adoptTerm(req.Term)
	}

	if n.state == StateLeader {
		n.stopHeartbeats()
	}
	if n.state != StateFollower || n.leaderAddr != req.LeaderID {
		n.log.Info("following leader", "leader", req.LeaderID, "term", n.term)
	}

	n.state = StateFollower
	n.leaderAddr = req.LeaderID
	n.resetElectionTimer()

	return HeartbeatResponse{Term: n.term, Success: true}
}

func (n *Node) becomeLeader(term Term) {
	n.state = StateLeader
	n.leaderAddr = n.cfg.Address
	n.stopElectionTimer()

	n.log.Info("became leader", "term", term, "votes", n.votesReceived)

	if n.stopped {
		return
	}

	stop := make(chan struct{})
	n.heartbeatStop = stop

	if n.announcer != nil {
		n.wg.Add(1)
		go n.announce(term)
	}

	n.wg.Add(1)
	go n.heartbeatLoop(term, stop)
}

func (n *Node) announce(term Term) {
	defer n.wg.Done()

	ctx, cancel := context.WithTimeout(n.ctx, n.cfg.AnnounceTimeout)
	defer cancel()

	err := n.announcer.AnnounceLeader(ctx, n.cfg.ShardID, n.cfg.Address)
	if err != nil {
		n.log.Warn("cannot announce leadership", "term", term, "error", err)
		return
	}

	n.log.Debug("leadership announced", "term", term)
}

func (n *Node) heartbeatLoop(term Term, stop <-chan struct{}) {
	defer n.wg.Done()

	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		if !n.sendHeartbeats(term) {
			return
		}

		select {
		case <-stop:
			return
		case <-n.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// sendHeartbeats fires one heartbeat to every peer without waiting for the
// replies. It returns false once the node no longer leads term.
func (n *Node) sendHeartbeats(term Term) bool {
	n.mu.Lock()
	if n.stopped || n.state != StateLeader || n.term != term {
		n.mu.Unlock()
		return false
	}
	n.wg.Add(len(n.cfg.Peers))
	n.mu.Unlock()

	req := HeartbeatRequest{Term: term, LeaderID: n.cfg.Address}

	for _, peer := range n.cfg.Peers {
		go func(peer string) {
			defer n.wg.Done()

			ctx, cancel := context.WithTimeout(n.ctx, n.cfg.RPCTimeout)
			defer cancel()

			resp, err := n.transport.Heartbeat(ctx, peer, req)
			if err != nil {
				n.markUnreachable(peer, err)
				return
			}
			n.markReachable(peer)

			if resp.Term > term {
				n.mu.Lock()
				if resp.Term > n.term {
					n.log.Info("heartbeat reply carries a higher term",
						"peer", peer, "term", resp.Term)
					n.stepDown(resp.Term)
				}
				n.mu.Unlock()
			}
		}(peer)
	}

	return true
}

// adoptTerm moves to a newer term as a follower with no vote and no known
// leader.
func (n *Node) adoptTerm(term Term) {
	if n.state == StateLeader {
		n.log.Info("stepping down", "term", n.term, "new_term", term)
		n.stopHeartbeats()
	}

	n.term = term
	n.state = StateFollower
	n.votedFor = ""
	n.votesReceived = 0
	n.leaderAddr = ""
}

func (n *Node) stepDown(term Term) {
	n.adoptTerm(term)
	n.resetElectionTimer()
}

func (n *Node) resetElectionTimer() {
	n.stopElectionTimer()

	if !n.running {
		return
	}

	timeout := n.electionTimeout()
	epoch := n.timerEpoch

	n.deadline = time.Now().Add(timeout)
	n.electionTimer = time.AfterFunc(timeout, func() {
		n.onElectionTimeout(epoch)
	})

	n.log.Trace("election timer armed", "timeout", timeout)
}

// stopElectionTimer disarms the timer and invalidates any firing already in
// flight.
func (n *Node) stopElectionTimer() {
	if n.electionTimer != nil {
		n.electionTimer.Stop()
		n.electionTimer = nil
	}
	n.timerEpoch++
	n.deadline = time.Time{}
}

func (n *Node) stopHeartbeats() {
	if n.heartbeatStop != nil {
		close(n.heartbeatStop)
		n.heartbeatStop = nil
	}
}

func (n *Node) electionTimeout() time.Duration {
	minTimeout := n.cfg.MinElectionTimeout
	maxTimeout := n.cfg.MaxElectionTimeout

	jitter := n.randGenerator.Int63n(int64(maxTimeout-minTimeout) + 1)
	return minTimeout + time.Duration(jitter)
}

func (n *Node) onElectionTimeout(epoch uint64) {
	n.mu.Lock()
	if !n.running || epoch != n.timerEpoch || n.state == StateLeader {
		n.mu.Unlock()
		return
	}
	n.wg.Add(1)
	n.mu.Unlock()

	defer n.wg.Done()

	n.log.Debug("election timeout")
	n.StartElection(n.ctx)
}

func (n *Node) markUnreachable(peer string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.unreachable[peer] {
		n.unreachable[peer] = true
		n.log.Warn("peer unreachable", "peer", peer, "error", err)
	}
}

func (n *Node) markReachable(peer string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.unreachable[peer] {
		delete(n.unreachable, peer)
		n.log.Info("peer reachable again", "peer", peer)
	}
}

// State returns the current role of the node.
func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Term returns the current term.
func (n *Node) Term() Term {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.term
}

// IsLeader reports whether the node currently believes it leads its shard.
// A deposed leader may still report true until it sees a higher term.
func (n *Node) IsLeader() bool {
	return n.State() == StateLeader
}

// LeaderAddress returns the last known leader address, or an empty string.
func (n *Node) LeaderAddress() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leaderAddr
}

// Status returns a consistent snapshot of the consensus state.
func (n *Node) Status() cluster.NodeStatus {
	n.mu.Lock()
	defer n.mu.Unlock()

	var unreachable []string
	for peer := range n.unreachable {
		unreachable = append(unreachable, peer)
	}
	slices.Sort(unreachable)

	return cluster.NodeStatus{
		ID:               n.cfg.ID,
		ShardID:          n.cfg.ShardID,
		Address:          n.cfg.Address,
		State:            string(n.state),
		Term:             int64(n.term),
		Leader:           n.leaderAddr,
		VotedFor:         n.votedFor,
		VotesReceived:    n.votesReceived,
		ElectionDeadline: n.deadline,
		UnreachablePeers: unreachable,
	}
}
