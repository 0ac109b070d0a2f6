package node

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/hashicorp/go-hclog"

	"github.com/dreamware/beedb/internal/cluster"
	"github.com/dreamware/beedb/internal/consensus"
	"github.com/dreamware/beedb/internal/replication"
	"github.com/dreamware/beedb/internal/shard"
	"github.com/dreamware/beedb/internal/storage"
)

// Options describe one replica process.
type Options struct {
	ID      string
	ShardID string
	Address string
	Peers   []string

	Timing cluster.TimingConfig

	// Router is the address leader announcements are sent to. Announcements
	// are disabled when it is empty.
	Router string

	// Store holds the replica's data and Markers its staged 2PC operations.
	// They must not share a directory.
	Store   storage.Store
	Markers storage.Store

	// Transport defaults to HTTPTransport.
	Transport interface {
		consensus.Transport
		replication.Transport
	}

	Logger hclog.Logger
}

// Replica wires the pieces of a replica process together: the shard and its
// store, the consensus node electing the shard leader, both sides of two
// phase commit and the HTTP server exposing them.
//
//	┌──────────────────────────────────────────────┐
//	│                   Replica                    │
//	├──────────────────────────────────────────────┤
//	│  Server       /key  /raft/*  /2pc/*  /stats  │
//	│    │                                         │
//	│    ├── consensus.Node      leader election   │
//	│    ├── replication.Coordinator  leader side  │
//	│    ├── replication.Participant  follower side│
//	│    └── shard.Shard ── storage.Store          │
//	│  Drainer      in-flight requests             │
//	└──────────────────────────────────────────────┘
type Replica struct {
	Shard       *shard.Shard
	Consensus   *consensus.Node
	Coordinator *replication.Coordinator
	Participant *replication.Participant
	Drainer     *cluster.Drainer

	srv *server
	log hclog.Logger
}

// New assembles a replica. Nothing runs until Start.
func New(opts Options) (*Replica, error) {
	if opts.Store == nil || opts.Markers == nil {
		return nil, errors.New("missing replica stores")
	}

	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.With("replica", opts.ID, "shard", opts.ShardID)

	var transport interface {
		consensus.Transport
		replication.Transport
	} = HTTPTransport{}
	if opts.Transport != nil {
		transport = opts.Transport
	}

	var announcer consensus.Announcer
	if opts.Router != "" {
		announcer = RouterAnnouncer{Router: opts.Router}
	}

	sh := shard.NewShard(opts.ShardID, opts.ID, opts.Store)

	cn, err := consensus.NewNode(consensus.Config{
		ID:                 opts.ID,
		ShardID:            opts.ShardID,
		Address:            opts.Address,
		Peers:              opts.Peers,
		MinElectionTimeout: opts.Timing.MinElectionTimeout,
		MaxElectionTimeout: opts.Timing.MaxElectionTimeout,
		HeartbeatInterval:  opts.Timing.HeartbeatInterval,
		RPCTimeout:         opts.Timing.RPCTimeout,
		Transport:          transport,
		Announcer:          announcer,
		Logger:             logger,
	})
	if err != nil {
		return nil, fmt.Errorf("cannot create consensus node: %w", err)
	}

	r := &Replica{
		Shard:     sh,
		Consensus: cn,
		Coordinator: replication.NewCoordinator(replication.CoordinatorConfig{
			Shard:          sh,
			Followers:      opts.Peers,
			Transport:      transport,
			PrepareTimeout: opts.Timing.PrepareTimeout,
			Logger:         logger,
		}),
		Participant: replication.NewParticipant(sh, opts.Markers, logger),
		Drainer:     cluster.NewDrainer(cluster.SourceShard),
		log:         logger,
	}
	r.srv = newServer(r, 2*opts.Timing.PrepareTimeout+opts.Timing.RPCTimeout)

	return r, nil
}

// FromConfig assembles replica id of the cluster described by cfg, with
// file stores under cfg.DataDir/<id>.
func FromConfig(cfg *cluster.Config, id string, logger hclog.Logger) (*Replica, error) {
	sh, rc, found := cfg.Topology().Locate(id)
	if !found {
		return nil, fmt.Errorf("replica %q is not part of the cluster", id)
	}

	base := filepath.Join(cfg.DataDir, id)

	store, err := storage.NewFileStore(filepath.Join(base, "data"))
	if err != nil {
		return nil, fmt.Errorf("cannot open data store: %w", err)
	}

	markers, err := storage.NewFileStore(filepath.Join(base, "prepare"))
	if err != nil {
		return nil, fmt.Errorf("cannot open prepare store: %w", err)
	}

	return New(Options{
		ID:      rc.ID,
		ShardID: sh.ID,
		Address: rc.Address,
		Peers:   sh.Peers(id),
		Timing:  cfg.Timing,
		Router:  cfg.Router.Address,
		Store:   store,
		Markers: markers,
		Logger:  logger,
	})
}

// Handler returns the replica's HTTP handler.
func (r *Replica) Handler() http.Handler {
	return r.srv.handler()
}

// Start begins leader election.
func (r *Replica) Start() {
	r.Consensus.Start()
}

// Stop halts consensus. It does not wait for in-flight requests; use the
// Drainer for that.
func (r *Replica) Stop() {
	r.Consensus.Stop()
}

// Drain starts refusing new requests. Drainer.Done is closed once the last
// in-flight request completed.
func (r *Replica) Drain() {
	if !r.Drainer.Draining() {
		r.log.Info("draining")
	}
	r.Shard.SetState(shard.ShardStateDraining)
	r.Drainer.Drain()
}

// Stats reports the replica's counters and consensus view.
func (r *Replica) Stats() cluster.NodeStats {
	status := r.Consensus.Status()

	return cluster.NodeStats{
		ID:              status.ID,
		ShardID:         status.ShardID,
		Address:         status.Address,
		State:           status.State,
		Term:            status.Term,
		Leader:          status.Leader,
		Draining:        r.Drainer.Draining(),
		ActiveRequests:  r.Drainer.Active(),
		PendingPrepares: r.Participant.Pending(),
		Replica:         r.Shard.Info(),
		Shard:           r.Shard.GetStats(),
	}
}
