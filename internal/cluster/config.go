package cluster

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quantadb/quantadb/internal/qerr"
)

// Duration is a time.Duration that decodes from YAML "300ms"-style
// strings (plain integers are taken as nanoseconds).
type Duration time.Duration

// D unwraps to a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var asInt int64
	if err := value.Decode(&asInt); err == nil {
		*d = Duration(asInt)
		return nil
	}
	var asStr string
	if err := value.Decode(&asStr); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(asStr)
	if err != nil {
		return qerr.Wrap(qerr.KindConfigInvalid, err, "duration %q", asStr)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// DiscoveryMethod selects how peers are found.
type DiscoveryMethod string

const (
	DiscoveryStatic DiscoveryMethod = "static"
	DiscoveryDNS    DiscoveryMethod = "dns"
	DiscoveryConsul DiscoveryMethod = "consul"
	DiscoveryEtcd   DiscoveryMethod = "etcd"
)

// RaftSettings tune the consensus core.
type RaftSettings struct {
	HeartbeatInterval  Duration `yaml:"heartbeat_interval"`
	ElectionTimeoutMin Duration `yaml:"election_timeout_min"`
	ElectionTimeoutMax Duration `yaml:"election_timeout_max"`
	SnapshotThreshold  uint64        `yaml:"snapshot_threshold"`
	SnapshotChunkSize  int           `yaml:"snapshot_chunk_size"`
	EnablePreVote      bool          `yaml:"enable_prevote"`
	EnableLeaderLease  bool          `yaml:"enable_leader_lease"`
}

// ShardingSettings tune key placement.
type ShardingSettings struct {
	VirtualNodes           int           `yaml:"virtual_nodes"`
	ReplicationFactor      int           `yaml:"replication_factor"`
	MinNodesForSharding    int           `yaml:"min_nodes_for_sharding"`
	AutoRebalance          bool          `yaml:"auto_rebalance"`
	RebalanceDelay         Duration `yaml:"rebalance_delay"`
	MaxConcurrentTransfers int           `yaml:"max_concurrent_transfers"`
}

// DiscoverySettings select and parameterise peer discovery.
type DiscoverySettings struct {
	Method DiscoveryMethod `yaml:"method"`
	// Static.
	Peers []string `yaml:"peers,omitempty"`
	// DNS.
	DNSName     string        `yaml:"dns_name,omitempty"`
	DNSInterval Duration `yaml:"dns_interval,omitempty"`
	// Consul.
	ConsulAddr    string `yaml:"consul_addr,omitempty"`
	ConsulService string `yaml:"consul_service,omitempty"`
	// Etcd.
	EtcdEndpoints []string `yaml:"etcd_endpoints,omitempty"`
	EtcdPrefix    string   `yaml:"etcd_prefix,omitempty"`
}

// TLSSettings secure inter-node traffic. All three paths travel together.
type TLSSettings struct {
	Enable bool   `yaml:"enable"`
	Cert   string `yaml:"cert,omitempty"`
	Key    string `yaml:"key,omitempty"`
	CA     string `yaml:"ca,omitempty"`
}

// UpgradeSettings guard rolling upgrades.
type UpgradeSettings struct {
	MinHealthyNodes     int      `yaml:"min_healthy_nodes"`
	HealthCheckInterval Duration `yaml:"health_check_interval"`
	DrainTimeout        Duration `yaml:"drain_timeout"`
}

// Config is the full cluster configuration, YAML-loadable.
type Config struct {
	NodeID        uint64            `yaml:"node_id"`
	BindAddr      string            `yaml:"bind_addr"`
	AdvertiseAddr string            `yaml:"advertise_addr,omitempty"`
	Peers         []string          `yaml:"peers,omitempty"`
	DataDir       string            `yaml:"data_dir"`
	Raft          RaftSettings      `yaml:"raft"`
	Sharding      ShardingSettings  `yaml:"sharding"`
	Discovery     DiscoverySettings `yaml:"discovery"`
	TLS           TLSSettings       `yaml:"tls"`
	Upgrade       UpgradeSettings   `yaml:"upgrade"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		BindAddr: "0.0.0.0:7700",
		Raft: RaftSettings{
			HeartbeatInterval:  Duration(100 * time.Millisecond),
			ElectionTimeoutMin: Duration(300 * time.Millisecond),
			ElectionTimeoutMax: Duration(500 * time.Millisecond),
			SnapshotThreshold:  10000,
			SnapshotChunkSize:  1 << 20,
			EnablePreVote:      true,
		},
		Sharding: ShardingSettings{
			VirtualNodes:           150,
			ReplicationFactor:      3,
			MinNodesForSharding:    3,
			AutoRebalance:          true,
			RebalanceDelay:         Duration(30 * time.Second),
			MaxConcurrentTransfers: 4,
		},
		Discovery: DiscoverySettings{Method: DiscoveryStatic},
		Upgrade: UpgradeSettings{
			MinHealthyNodes:     2,
			HealthCheckInterval: Duration(5 * time.Second),
			DrainTimeout:        Duration(30 * time.Second),
		},
	}
}

// LoadConfig reads a YAML config file over the defaults and validates it.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, qerr.Wrap(qerr.KindConfigInvalid, err, "read config %s", path)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, qerr.Wrap(qerr.KindConfigInvalid, err, "parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate enforces the recognised-option invariants.
func (c *Config) Validate() error {
	if c.NodeID == 0 {
		return qerr.New(qerr.KindConfigInvalid, "node_id must be non-zero")
	}
	if c.BindAddr == "" {
		return qerr.New(qerr.KindConfigInvalid, "bind_addr is required")
	}
	if c.DataDir == "" {
		return qerr.New(qerr.KindConfigInvalid, "data_dir is required")
	}
	r := c.Raft
	if !(r.HeartbeatInterval < r.ElectionTimeoutMin && r.ElectionTimeoutMin < r.ElectionTimeoutMax) {
		return qerr.New(qerr.KindConfigInvalid,
			"raft timings must satisfy heartbeat_interval < election_timeout_min < election_timeout_max")
	}
	if c.Sharding.ReplicationFactor < 1 {
		return qerr.New(qerr.KindConfigInvalid, "replication_factor must be ≥ 1")
	}
	if c.Sharding.VirtualNodes < 1 {
		return qerr.New(qerr.KindConfigInvalid, "virtual_nodes must be ≥ 1")
	}
	switch c.Discovery.Method {
	case DiscoveryStatic, "":
	case DiscoveryDNS:
		if c.Discovery.DNSName == "" {
			return qerr.New(qerr.KindConfigInvalid, "dns discovery needs dns_name")
		}
	case DiscoveryConsul:
		if c.Discovery.ConsulAddr == "" || c.Discovery.ConsulService == "" {
			return qerr.New(qerr.KindConfigInvalid, "consul discovery needs consul_addr and consul_service")
		}
	case DiscoveryEtcd:
		if len(c.Discovery.EtcdEndpoints) == 0 {
			return qerr.New(qerr.KindConfigInvalid, "etcd discovery needs etcd_endpoints")
		}
	default:
		return qerr.New(qerr.KindConfigInvalid, "unknown discovery method %q", c.Discovery.Method)
	}
	if c.TLS.Enable {
		if c.TLS.Cert == "" || c.TLS.Key == "" || c.TLS.CA == "" {
			return qerr.New(qerr.KindConfigInvalid, "tls requires cert, key and ca paths")
		}
	}
	return nil
}
