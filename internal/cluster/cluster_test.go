package cluster

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantadb/quantadb/internal/cluster/raft"
	"github.com/quantadb/quantadb/internal/qerr"
)

func TestRingResolvesExactlyRDistinctNodes(t *testing.T) {
	r := NewRing(150)
	for i := 1; i <= 5; i++ {
		r.AddNode(raft.NodeID(i))
	}
	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("key-%d", i)
		nodes := r.Locate(key, 3)
		require.Len(t, nodes, 3, "key %s", key)
		seen := map[raft.NodeID]bool{}
		for _, n := range nodes {
			assert.False(t, seen[n], "key %s resolved duplicate node %d", key, n)
			seen[n] = true
		}
	}
}

func TestRingStableUnderMembershipChange(t *testing.T) {
	r := NewRing(150)
	for i := 1; i <= 4; i++ {
		r.AddNode(raft.NodeID(i))
	}
	before := map[string]raft.NodeID{}
	for i := 0; i < 500; i++ {
		key := fmt.Sprintf("k%d", i)
		p, ok := r.Primary(key)
		require.True(t, ok)
		before[key] = p
	}
	r.AddNode(5)
	moved := 0
	for key, prev := range before {
		p, _ := r.Primary(key)
		if p != prev {
			moved++
		}
	}
	// Adding one of five nodes should remap roughly a fifth of the keys.
	assert.Less(t, moved, 250, "too many keys moved: %d", moved)
	assert.Greater(t, moved, 0)
}

func TestRingFewerNodesThanReplicas(t *testing.T) {
	r := NewRing(50)
	r.AddNode(1)
	r.AddNode(2)
	nodes := r.Locate("x", 3)
	assert.Len(t, nodes, 2)
}

func TestConfigValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NodeID = 1
	cfg.DataDir = "/tmp/x"
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.NodeID = 0
	assert.True(t, qerr.Is(bad.Validate(), qerr.KindConfigInvalid))

	bad = cfg
	bad.Raft.ElectionTimeoutMin = Duration(bad.Raft.HeartbeatInterval.D() / 2)
	assert.True(t, qerr.Is(bad.Validate(), qerr.KindConfigInvalid))

	bad = cfg
	bad.Sharding.ReplicationFactor = 0
	assert.True(t, qerr.Is(bad.Validate(), qerr.KindConfigInvalid))

	bad = cfg
	bad.TLS.Enable = true
	bad.TLS.Cert = "cert.pem" // key and ca missing
	assert.True(t, qerr.Is(bad.Validate(), qerr.KindConfigInvalid))

	bad = cfg
	bad.Discovery.Method = DiscoveryDNS
	assert.True(t, qerr.Is(bad.Validate(), qerr.KindConfigInvalid))
}

func TestConfigYAMLRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cluster.yaml")
	doc := `
node_id: 7
bind_addr: "10.0.0.1:7700"
data_dir: "/var/lib/quantadb"
peers: ["10.0.0.2:7700", "10.0.0.3:7700"]
raft:
  heartbeat_interval: 100ms
  election_timeout_min: 300ms
  election_timeout_max: 500ms
  enable_prevote: true
sharding:
  virtual_nodes: 150
  replication_factor: 3
discovery:
  method: static
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.EqualValues(t, 7, cfg.NodeID)
	assert.Len(t, cfg.Peers, 2)
	assert.True(t, cfg.Raft.EnablePreVote)
	assert.Equal(t, 150, cfg.Sharding.VirtualNodes)
}

func newTestManager(t *testing.T, minHealthy int) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.NodeID = 1
	cfg.DataDir = t.TempDir()
	cfg.Peers = []string{"n2", "n3"}
	cfg.Upgrade.MinHealthyNodes = minHealthy
	cfg.Upgrade.HealthCheckInterval = Duration(50 * time.Millisecond)
	cfg.Upgrade.DrainTimeout = Duration(time.Second)
	cfg.Sharding.RebalanceDelay = Duration(time.Millisecond)

	node, err := raft.NewNode(raft.Config{
		ID:        1,
		Peers:     []raft.NodeID{2, 3},
		Storage:   raft.NewMemoryStorage(),
		Transport: raft.NewMemoryTransport(),
	})
	require.NoError(t, err)
	m, err := NewManager(cfg, node)
	require.NoError(t, err)
	return m
}

func TestUpgradeGuardInsufficientHealthyNodes(t *testing.T) {
	// Three-node cluster, min_healthy 3: with only the local node healthy
	// the upgrade must refuse.
	m := newTestManager(t, 3)
	err := m.Upgrader().Prepare(context.Background())
	require.Error(t, err)
	assert.True(t, qerr.Is(err, qerr.KindInsufficientHealthyNodes))
	st, _ := m.Upgrader().Status()
	assert.Equal(t, UpgradeIdle, st)
}

func TestUpgradeProceedsThroughStates(t *testing.T) {
	m := newTestManager(t, 2)
	// Mark one peer healthy: 2 healthy nodes total meets the floor.
	m.SetPeerHealthy(2)

	require.NoError(t, m.Upgrader().Prepare(context.Background()))
	st, _ := m.Upgrader().Status()
	assert.Equal(t, UpgradePending, st)

	require.NoError(t, m.Upgrader().Rejoin(context.Background()))
	st, _ = m.Upgrader().Status()
	assert.Equal(t, UpgradeCompleted, st)
}

func TestUpgradeRejectsConcurrentPrepare(t *testing.T) {
	m := newTestManager(t, 1)
	require.NoError(t, m.Upgrader().Prepare(context.Background()))
	err := m.Upgrader().Prepare(context.Background())
	require.Error(t, err)
	assert.True(t, qerr.Is(err, qerr.KindUpgradeInProgress))
}

func TestDiscovererSelection(t *testing.T) {
	d, err := NewDiscoverer(DiscoverySettings{Method: DiscoveryStatic, Peers: []string{"a:1", "b:2"}})
	require.NoError(t, err)
	peers, err := d.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a:1", "b:2"}, peers)

	_, err = NewDiscoverer(DiscoverySettings{Method: "carrier-pigeon"})
	require.Error(t, err)
}

func TestManagerStatusQuorum(t *testing.T) {
	m := newTestManager(t, 2)
	m.Start()
	defer m.Stop()

	m.SetPeerHealthy(2)
	st := m.Status()
	assert.Equal(t, StateRunning, st.State)
	assert.True(t, st.Quorum) // 2 of 3 nodes
	assert.EqualValues(t, 1, st.NodeID)
}
