package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/dreamware/beedb/internal/admin"
	"github.com/dreamware/beedb/internal/cluster"
)

// ServerConfig holds the collaborators of a router Server.
type ServerConfig struct {
	Registry *ShardRegistry
	Monitor  *HealthMonitor // optional
	Admin    *admin.Admin
	Drainer  *cluster.Drainer

	// Address is the public address of the router, sent to replicas in the
	// forwarded-by header.
	Address string

	// RequestTimeout bounds a forwarded request, 2PC round included.
	RequestTimeout time.Duration

	Client *http.Client
	Logger hclog.Logger
}

// Server is the client-facing HTTP tier of beedb. It hashes keys to shards,
// forwards key operations to the shard leader and accepts leader
// announcements from replicas.
//
// Routes:
//
//	POST   /key               {key, value} → owning shard
//	GET    /key/{key}         → owning shard
//	DELETE /key/{key}         → owning shard
//	GET    /set_master        ?node_id=&leader_url=
//	POST   /set_master        {shardId, leaderAddress}
//	GET    /shards            topology and cached leaders
//	GET    /health            liveness and replica health
//	GET    /admin/status      cluster status
//	GET    /admin/stats       cluster counters
//	GET    /admin/stop        drain every replica (POST also accepted)
//
// Every response is wrapped in a cluster.Envelope. A replica's response is
// relayed untouched; errors raised by the router itself carry the gateway
// source.
type Server struct {
	registry *ShardRegistry
	monitor  *HealthMonitor
	admin    *admin.Admin
	drainer  *cluster.Drainer
	client   *http.Client
	log      hclog.Logger

	address        string
	requestTimeout time.Duration
}

// NewServer creates a router server. Registry and Admin are required.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	client := cfg.Client
	if client == nil {
		client = cluster.NewHTTPClient(timeout)
	}

	drainer := cfg.Drainer
	if drainer == nil {
		drainer = cluster.NewDrainer(cluster.SourceGateway)
	}

	return &Server{
		registry:       cfg.Registry,
		monitor:        cfg.Monitor,
		admin:          cfg.Admin,
		drainer:        drainer,
		client:         client,
		log:            logger.Named("router"),
		address:        cfg.Address,
		requestTimeout: timeout,
	}
}

// Drainer returns the drainer guarding the server's handlers.
func (s *Server) Drainer() *cluster.Drainer {
	return s.drainer
}

// Handler returns the router's HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/key", s.handleWrite)
	mux.HandleFunc("/key/", s.handleKey)
	mux.HandleFunc("/set_master", s.handleSetMaster)
	mux.HandleFunc("/shards", s.handleShards)
	mux.HandleFunc("/health", s.handleHealth)

	mux.HandleFunc("/admin/status", s.handleAdminStatus)
	mux.HandleFunc("/admin/stats", s.handleAdminStats)
	mux.HandleFunc("/admin/stop", s.handleAdminStop)

	return s.withRequestID(s.drainer.Middleware(mux))
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(cluster.RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(cluster.RequestIDHeader, id)
		}
		w.Header().Set(cluster.RequestIDHeader, id)

		next.ServeHTTP(w, r)
	})
}

func (s *Server) gatewayError(w http.ResponseWriter, code cluster.ErrorCode, format string, args ...any) {
	cluster.WriteError(w, cluster.NewError(cluster.SourceGateway, code, format, args...))
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	cluster.WriteError(w, &cluster.APIError{
		Status: http.StatusMethodNotAllowed,
		ErrorBody: cluster.ErrorBody{
			Code:    cluster.CodeBadRequest,
			Errno:   1000,
			Message: "method " + r.Method + " not allowed",
			Source:  cluster.SourceGateway,
		},
	})
}

// handleWrite routes POST /key on the key found in the body.
func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, r)
		return
	}

	body, err := cluster.ReadBody(r)
	if err != nil {
		s.gatewayError(w, cluster.CodeBadRequest, "cannot read body: %v", err)
		return
	}

	var req struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		s.gatewayError(w, cluster.CodeBadRequest, "invalid json: %v", err)
		return
	}
	if req.Key == "" {
		s.gatewayError(w, cluster.CodeMissingKey, "key is required")
		return
	}

	s.forward(w, r, req.Key, body)
}

// handleKey routes GET and DELETE /key/{key}.
func (s *Server) handleKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodDelete {
		s.methodNotAllowed(w, r)
		return
	}

	key := strings.TrimPrefix(r.URL.Path, "/key/")
	if key == "" {
		s.gatewayError(w, cluster.CodeMissingKey, "key is required")
		return
	}

	s.forward(w, r, key, nil)
}

func (s *Server) forward(w http.ResponseWriter, r *http.Request, key string, body []byte) {
	target, err := s.registry.Target(key)
	if err != nil {
		s.gatewayError(w, cluster.CodeUnknownShard, "%v", err)
		return
	}

	log := s.log.With("request", r.Header.Get(cluster.RequestIDHeader),
		"shard", target.Shard.ID, "target", target.Address)
	log.Debug("forwarding request", "method", r.Method, "key", key, "leader", target.ViaLeader)

	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()

	if err := cluster.Forward(ctx, s.client, w, r, target.Address, body, s.address); err != nil {
		log.Warn("cannot reach replica", "error", err)

		if target.ViaLeader && s.registry.ClearLeader(target.Shard.ID, target.Address) {
			log.Info("forgot unreachable shard leader")
		}

		s.gatewayError(w, cluster.CodeProxyError, "cannot reach shard %s at %s: %v",
			target.Shard.ID, target.Address, err)
	}
}

// handleSetMaster records a leader announcement. The announcement always
// replaces the cached leader.
func (s *Server) handleSetMaster(w http.ResponseWriter, r *http.Request) {
	var ann cluster.LeaderAnnouncement

	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		ann.ShardID = q.Get("node_id")
		ann.LeaderAddress = q.Get("leader_url")

	case http.MethodPost:
		body, err := cluster.ReadBody(r)
		if err != nil {
			s.gatewayError(w, cluster.CodeBadRequest, "cannot read body: %v", err)
			return
		}
		if err := json.Unmarshal(body, &ann); err != nil {
			s.gatewayError(w, cluster.CodeBadRequest, "invalid json: %v", err)
			return
		}

	default:
		s.methodNotAllowed(w, r)
		return
	}

	if ann.ShardID == "" || ann.LeaderAddress == "" {
		s.gatewayError(w, cluster.CodeBadRequest, "shard id and leader address are required")
		return
	}

	if err := s.registry.SetLeader(ann.ShardID, ann.LeaderAddress); err != nil {
		if errors.Is(err, ErrUnknownShard) {
			s.gatewayError(w, cluster.CodeUnknownShard, "%v", err)
		} else {
			s.gatewayError(w, cluster.CodeBadRequest, "%v", err)
		}
		return
	}

	s.log.Info("leader announced", "shard", ann.ShardID, "leader", ann.LeaderAddress)
	cluster.WriteData(w, http.StatusOK, ann)
}

func (s *Server) handleShards(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, r)
		return
	}

	cluster.WriteData(w, http.StatusOK, struct {
		Shards    []ShardView `json:"shards"`
		NumShards int         `json:"numShards"`
	}{
		Shards:    s.registry.Snapshot(),
		NumShards: s.registry.NumShards(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Status   string                   `json:"status"`
		Replicas map[string]ReplicaHealth `json:"replicas,omitempty"`
	}{Status: "ok"}

	if s.monitor != nil {
		resp.Replicas = s.monitor.AllReplicaHealth()
	}

	cluster.WriteData(w, http.StatusOK, resp)
}

func (s *Server) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, r)
		return
	}
	cluster.WriteData(w, http.StatusOK, s.admin.Status(r.Context()))
}

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, r)
		return
	}
	cluster.WriteData(w, http.StatusOK, s.admin.Stats(r.Context()))
}

func (s *Server) handleAdminStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		s.methodNotAllowed(w, r)
		return
	}

	s.log.Warn("stopping every replica")
	cluster.WriteData(w, http.StatusOK, struct {
		Replicas []admin.StopResult `json:"replicas"`
	}{Replicas: s.admin.Stop(r.Context())})
}
