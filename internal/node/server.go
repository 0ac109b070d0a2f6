package node

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/exp/slices"

	"github.com/dreamware/beedb/internal/cluster"
	"github.com/dreamware/beedb/internal/consensus"
	"github.com/dreamware/beedb/internal/replication"
	"github.com/dreamware/beedb/internal/storage"
)

// KeyValue is the payload of client writes and the data of read replies.
type KeyValue struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

type server struct {
	replica        *Replica
	client         *http.Client
	log            hclog.Logger
	forwardTimeout time.Duration
}

func newServer(r *Replica, forwardTimeout time.Duration) *server {
	if forwardTimeout <= 0 {
		forwardTimeout = 5 * time.Second
	}

	return &server{
		replica:        r,
		client:         cluster.NewHTTPClient(forwardTimeout),
		log:            r.log.Named("http"),
		forwardTimeout: forwardTimeout,
	}
}

func (s *server) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Client operations
	mux.HandleFunc("/key", s.handleWrite)
	mux.HandleFunc("/key/", s.handleKey)

	// Consensus
	mux.HandleFunc("/raft/vote", s.handleVote)
	mux.HandleFunc("/raft/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("/raft/status", s.handleStatus)

	// Two-phase commit
	mux.HandleFunc("/2pc/prepare", s.handlePrepare)
	mux.HandleFunc("/2pc/commit", s.handleCommit)
	mux.HandleFunc("/2pc/abort", s.handleAbort)

	mux.HandleFunc("/internal/shutdown", s.handleShutdown)

	// Stats keep answering while the replica drains and are not counted as
	// in-flight work.
	root := http.NewServeMux()
	root.HandleFunc("/stats", s.handleStats)
	root.Handle("/", s.replica.Drainer.Middleware(mux))

	return root
}

func shardError(w http.ResponseWriter, code cluster.ErrorCode, format string, args ...any) {
	cluster.WriteError(w, cluster.NewError(cluster.SourceShard, code, format, args...))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func methodNotAllowed(w http.ResponseWriter) {
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}

func (s *server) requestLog(r *http.Request) hclog.Logger {
	if id := r.Header.Get(cluster.RequestIDHeader); id != "" {
		return s.log.With("request", id)
	}
	return s.log
}

// handleWrite serves POST /key.
func (s *server) handleWrite(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	body, err := cluster.ReadBody(r)
	if err != nil {
		shardError(w, cluster.CodeBadRequest, "cannot read body: %v", err)
		return
	}

	var kv KeyValue
	if err := json.Unmarshal(body, &kv); err != nil {
		shardError(w, cluster.CodeBadRequest, "invalid json: %v", err)
		return
	}
	if kv.Key == "" {
		shardError(w, cluster.CodeMissingKey, "key is required")
		return
	}
	if len(kv.Value) == 0 {
		shardError(w, cluster.CodeMissingValue, "value is required")
		return
	}

	if s.redirect(w, r, body) {
		return
	}

	err = s.replica.Coordinator.Propose(r.Context(), replication.Proposal{
		Key:       kv.Key,
		Value:     kv.Value,
		Operation: cluster.OpCreate,
	})
	if err != nil {
		s.writeProposeError(w, r, err)
		return
	}

	cluster.WriteData(w, http.StatusOK, kv)
}

// handleKey serves GET and DELETE /key/{key}, and the /key/ping liveness
// check.
func (s *server) handleKey(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/key/")

	if key == "ping" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "id": s.replica.Consensus.ID()})
		return
	}

	if key == "" {
		shardError(w, cluster.CodeMissingKey, "key is required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.read(w, key)

	case http.MethodDelete:
		if s.redirect(w, r, nil) {
			return
		}

		err := s.replica.Coordinator.Propose(r.Context(), replication.Proposal{
			Key:       key,
			Operation: cluster.OpDelete,
		})
		if err != nil {
			s.writeProposeError(w, r, err)
			return
		}
		cluster.WriteData(w, http.StatusOK, KeyValue{Key: key})

	default:
		methodNotAllowed(w)
	}
}

// read serves a key from the local store. Reads never go through the
// leader.
func (s *server) read(w http.ResponseWriter, key string) {
	value, err := s.replica.Shard.Get(key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		shardError(w, cluster.CodeKeyNotFound, "key %q not found", key)
		return
	} else if err != nil {
		shardError(w, cluster.CodeStorageError, "cannot read %q: %v", key, err)
		return
	}

	cluster.WriteData(w, http.StatusOK, KeyValue{Key: key, Value: value})
}

// redirect sends a write to the shard leader when this replica is not the
// leader, and reports whether the request was answered. A replica that
// still believes itself to be the leader it would redirect to handles the
// write itself.
func (s *server) redirect(w http.ResponseWriter, r *http.Request, body []byte) bool {
	cn := s.replica.Consensus
	if cn.IsLeader() {
		return false
	}

	log := s.requestLog(r)

	leader := cn.LeaderAddress()
	switch {
	case leader == "":
		shardError(w, cluster.CodeNoLeader, "no leader known for shard %s", cn.ShardID())
		return true
	case leader == cn.Address():
		log.Debug("leader address is our own, handling locally")
		return false
	}

	// A write already redirected by a peer is not bounced again.
	if from := r.Header.Get(cluster.ForwardedByHeader); from != "" && s.isPeer(from) {
		log.Warn("refusing to redirect a forwarded write", "from", from, "leader", leader)
		shardError(w, cluster.CodeNoLeader, "replica %s is not the leader of shard %s", cn.ID(), cn.ShardID())
		return true
	}

	log.Debug("redirecting write to leader", "leader", leader)

	ctx, cancel := context.WithTimeout(r.Context(), s.forwardTimeout)
	defer cancel()

	if err := cluster.Forward(ctx, s.client, w, r, leader, body, cn.Address()); err != nil {
		log.Warn("cannot reach leader", "leader", leader, "error", err)
		shardError(w, cluster.CodeRedirectFailed, "cannot reach leader %s: %v", leader, err)
	}
	return true
}

func (s *server) isPeer(addr string) bool {
	return slices.Contains(s.replica.Coordinator.Followers(), addr)
}

func (s *server) writeProposeError(w http.ResponseWriter, r *http.Request, err error) {
	s.requestLog(r).Warn("write failed", "error", err)

	switch {
	case errors.Is(err, replication.ErrInvalidProposal):
		shardError(w, cluster.CodeBadRequest, "%v", err)
	case errors.Is(err, replication.ErrPrepareFailed):
		shardError(w, cluster.CodePrepareFailed, "%v", err)
	case errors.Is(err, replication.ErrPartialCommit):
		shardError(w, cluster.CodePartialReplication, "%v", err)
	default:
		shardError(w, cluster.CodeStorageError, "%v", err)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return false
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, cluster.MaxBodySize)).Decode(v); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return false
	}
	return true
}

func (s *server) handleVote(w http.ResponseWriter, r *http.Request) {
	var req consensus.VoteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.replica.Consensus.HandleRequestVote(req))
}

func (s *server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req consensus.HeartbeatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.replica.Consensus.HandleHeartbeat(req))
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, s.replica.Consensus.Status())
}

func (s *server) handlePrepare(w http.ResponseWriter, r *http.Request) {
	var req replication.PrepareRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s.reply(w, s.replica.Participant.Prepare(req), replication.StatusReady)
}

func (s *server) handleCommit(w http.ResponseWriter, r *http.Request) {
	var req replication.DecisionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s.reply(w, s.replica.Participant.Commit(req), replication.StatusOK)
}

func (s *server) handleAbort(w http.ResponseWriter, r *http.Request) {
	var req replication.DecisionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s.reply(w, s.replica.Participant.Abort(req), replication.StatusAborted)
}

func (s *server) reply(w http.ResponseWriter, err error, status string) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, replication.Reply{Status: status})
	case errors.Is(err, replication.ErrInvalidProposal):
		writeJSON(w, http.StatusBadRequest, replication.Reply{Status: replication.StatusFail, Message: err.Error()})
	case errors.Is(err, replication.ErrTxAborted):
		writeJSON(w, http.StatusConflict, replication.Reply{Status: replication.StatusFail, Message: err.Error()})
	default:
		s.log.Error("2pc participant failure", "error", err)
		writeJSON(w, http.StatusInternalServerError, replication.Reply{Status: replication.StatusFail, Message: err.Error()})
	}
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, s.replica.Stats())
}

func (s *server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	s.log.Info("shutdown requested", "from", r.RemoteAddr)
	s.replica.Drain()

	writeJSON(w, http.StatusOK, map[string]string{"status": "draining"})
}
