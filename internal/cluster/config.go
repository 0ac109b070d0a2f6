package cluster

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"
)

// Config is the static cluster description shared by the router and every
// replica. It is loaded once at startup and never re-read.
type Config struct {
	Router  RouterConfig  `yaml:"router"`
	Log     LogConfig     `yaml:"log"`
	Timing  TimingConfig  `yaml:"timing"`
	DataDir string        `yaml:"dataDir"`
	Shards  []ShardConfig `yaml:"shards"`
}

// RouterConfig says where the router listens and the address replicas use
// to reach it. An empty Listen falls back to the host and port of Address.
type RouterConfig struct {
	Listen  string `yaml:"listen"`
	Address string `yaml:"address"`
}

// LogConfig selects the hclog level and output format for every process.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// TimingConfig holds every protocol tunable. Election bounds and the
// heartbeat interval drive the consensus node; the RPC, prepare and admin
// timeouts bound individual outbound calls.
type TimingConfig struct {
	MinElectionTimeout time.Duration `yaml:"minElectionTimeout"`
	MaxElectionTimeout time.Duration `yaml:"maxElectionTimeout"`
	HeartbeatInterval  time.Duration `yaml:"heartbeatInterval"`
	RPCTimeout         time.Duration `yaml:"rpcTimeout"`
	PrepareTimeout     time.Duration `yaml:"prepareTimeout"`
	AdminTimeout       time.Duration `yaml:"adminTimeout"`
	HealthInterval     time.Duration `yaml:"healthInterval"`
}

// ShardConfig lists the replicas of one shard. The first replica has no
// special role; leadership is decided by election.
type ShardConfig struct {
	ID       string          `yaml:"id" json:"id"`
	Replicas []ReplicaConfig `yaml:"replicas" json:"replicas"`
}

// ReplicaConfig is one replica process. Address is what peers and the
// router dial; Listen is the local bind address.
type ReplicaConfig struct {
	ID      string `yaml:"id" json:"id"`
	Listen  string `yaml:"listen" json:"listen,omitempty"`
	Address string `yaml:"address" json:"address"`
}

// DefaultTiming returns the protocol defaults.
func DefaultTiming() TimingConfig {
	return TimingConfig{
		MinElectionTimeout: 300 * time.Millisecond,
		MaxElectionTimeout: 1000 * time.Millisecond,
		HeartbeatInterval:  150 * time.Millisecond,
		RPCTimeout:         200 * time.Millisecond,
		PrepareTimeout:     time.Second,
		AdminTimeout:       time.Second,
		HealthInterval:     2 * time.Second,
	}
}

// DefaultConfig returns a config with a router on :8000, info logging,
// DefaultTiming and a ./data directory. It has no shards; LoadConfig
// requires at least one.
func DefaultConfig() *Config {
	return &Config{
		Router: RouterConfig{
			Listen:  ":8000",
			Address: "http://127.0.0.1:8000",
		},
		Log: LogConfig{
			Level: "info",
		},
		Timing:  DefaultTiming(),
		DataDir: "data",
	}
}

// LoadConfig reads a YAML or JSON cluster file on top of the defaults and
// validates it.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", filePath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot decode %s: %w", filePath, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", filePath, err)
	}

	return cfg, nil
}

// Validate checks identifiers, addresses and timing consistency.
func (cfg *Config) Validate() error {
	if len(cfg.Shards) == 0 {
		return errors.New("no shards configured")
	}

	var replicaIDs, addresses []string

	for i, sh := range cfg.Shards {
		if sh.ID == "" {
			return fmt.Errorf("shard %d: missing or empty id", i)
		}

		if slices.ContainsFunc(cfg.Shards[:i], func(other ShardConfig) bool {
			return other.ID == sh.ID
		}) {
			return fmt.Errorf("duplicate shard id %q", sh.ID)
		}

		if len(sh.Replicas) == 0 {
			return fmt.Errorf("shard %q: no replicas configured", sh.ID)
		}

		for j, r := range sh.Replicas {
			if r.ID == "" {
				return fmt.Errorf("shard %q: replica %d: missing or empty id", sh.ID, j)
			}
			if r.Address == "" {
				return fmt.Errorf("replica %q: missing or empty address", r.ID)
			}
			if slices.Contains(replicaIDs, r.ID) {
				return fmt.Errorf("duplicate replica id %q", r.ID)
			}
			if slices.Contains(addresses, r.Address) {
				return fmt.Errorf("duplicate replica address %q", r.Address)
			}

			replicaIDs = append(replicaIDs, r.ID)
			addresses = append(addresses, r.Address)
		}
	}

	t := cfg.Timing
	if t.MinElectionTimeout <= 0 || t.MaxElectionTimeout < t.MinElectionTimeout {
		return fmt.Errorf("invalid election timeout range [%v, %v]",
			t.MinElectionTimeout, t.MaxElectionTimeout)
	}
	if t.HeartbeatInterval <= 0 || t.HeartbeatInterval >= t.MinElectionTimeout {
		return fmt.Errorf("heartbeat interval %v must be positive and below "+
			"the minimum election timeout %v", t.HeartbeatInterval, t.MinElectionTimeout)
	}
	if t.RPCTimeout <= 0 || t.PrepareTimeout <= 0 || t.AdminTimeout <= 0 {
		return errors.New("rpc, prepare and admin timeouts must be positive")
	}

	return nil
}

// Topology returns an immutable copy of the shard layout.
func (cfg *Config) Topology() Topology {
	shards := make([]ShardConfig, len(cfg.Shards))
	for i, sh := range cfg.Shards {
		shards[i] = ShardConfig{
			ID:       sh.ID,
			Replicas: slices.Clone(sh.Replicas),
		}
	}

	return Topology{shards: shards}
}

// Topology is the static shard layout handed to components at construction.
// Shard order is significant: it defines the result of ShardIndex.
type Topology struct {
	shards []ShardConfig
}

// NewTopology builds a topology from an explicit shard list.
func NewTopology(shards []ShardConfig) Topology {
	cfg := Config{Shards: shards}
	return cfg.Topology()
}

// NumShards is the modulus used by key routing.
func (t Topology) NumShards() int {
	return len(t.shards)
}

// Shards returns a copy of the shard list.
func (t Topology) Shards() []ShardConfig {
	return NewTopology(t.shards).shards
}

// ShardAt returns the shard at position i.
func (t Topology) ShardAt(i int) ShardConfig {
	sh := t.shards[i]
	return ShardConfig{ID: sh.ID, Replicas: slices.Clone(sh.Replicas)}
}

// Shard looks a shard up by id.
func (t Topology) Shard(id string) (ShardConfig, bool) {
	idx := slices.IndexFunc(t.shards, func(sh ShardConfig) bool { return sh.ID == id })
	if idx < 0 {
		return ShardConfig{}, false
	}
	return t.ShardAt(idx), true
}

// Locate finds the shard and replica entry of a replica id.
func (t Topology) Locate(replicaID string) (ShardConfig, ReplicaConfig, bool) {
	for i, sh := range t.shards {
		idx := slices.IndexFunc(sh.Replicas, func(r ReplicaConfig) bool { return r.ID == replicaID })
		if idx >= 0 {
			return t.ShardAt(i), sh.Replicas[idx], true
		}
	}
	return ShardConfig{}, ReplicaConfig{}, false
}

// Peers returns the addresses of every replica except replicaID.
func (sh ShardConfig) Peers(replicaID string) []string {
	var peers []string
	for _, r := range sh.Replicas {
		if r.ID != replicaID {
			peers = append(peers, r.Address)
		}
	}
	return peers
}

// ListenAddr returns the address the replica binds to: Listen when set,
// otherwise the host and port of Address.
func (r ReplicaConfig) ListenAddr() string {
	return listenAddr(r.Listen, r.Address)
}

// ListenAddr returns the address the router binds to.
func (r RouterConfig) ListenAddr() string {
	return listenAddr(r.Listen, r.Address)
}

func listenAddr(listen, address string) string {
	if listen != "" {
		return listen
	}
	u, err := url.Parse(JoinURL(address, ""))
	if err != nil {
		return ""
	}
	return u.Host
}
