package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantadb/quantadb/internal/cluster/raft"
	"github.com/quantadb/quantadb/internal/log"
	"github.com/quantadb/quantadb/internal/qerr"
)

// NodeState is the lifecycle state of the local node.
type NodeState string

const (
	StateInitializing NodeState = "Initializing"
	StateRunning      NodeState = "Running"
	StateDraining     NodeState = "Draining"
	StateStopped      NodeState = "Stopped"
)

// Status is the cluster view reported by Manager.Status.
type Status struct {
	NodeID       raft.NodeID
	State        NodeState
	Role         raft.Role
	Term         uint64
	Leader       raft.NodeID
	HealthyPeers int
	Quorum       bool
	Upgrade      UpgradeStatus
}

// Manager ties the raft node, shard ring, discovery, and upgrade machinery
// together and runs the background maintenance loops.
type Manager struct {
	cfg      Config
	node     *raft.Node
	ring     *Ring
	disc     Discoverer
	upgrader *Upgrader
	logger   zerolog.Logger

	mu          sync.Mutex
	state       NodeState
	peerHealth  map[raft.NodeID]time.Time
	transfers   chan struct{} // bounded shard-transfer slots
	pendingRepl map[string]time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager wires a manager over an already-constructed raft node.
func NewManager(cfg Config, node *raft.Node) (*Manager, error) {
	disc, err := NewDiscoverer(cfg.Discovery)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:         cfg,
		node:        node,
		ring:        NewRing(cfg.Sharding.VirtualNodes),
		disc:        disc,
		logger:      log.WithNodeID(cfg.NodeID),
		state:       StateInitializing,
		peerHealth:  make(map[raft.NodeID]time.Time),
		transfers:   make(chan struct{}, maxTransfers(cfg.Sharding.MaxConcurrentTransfers)),
		pendingRepl: make(map[string]time.Time),
		stopCh:      make(chan struct{}),
	}
	m.upgrader = NewUpgrader(cfg.Upgrade, UpgradeHooks{
		Drain:             m.drain,
		HandoffLeadership: m.handoffLeadership,
		HealthProbe:       m.healthProbe,
		ProtocolHandshake: m.protocolHandshake,
	}, m.healthyCount)
	m.ring.AddNode(raft.NodeID(cfg.NodeID))
	return m, nil
}

func maxTransfers(n int) int {
	if n <= 0 {
		return 4
	}
	return n
}

// Start launches the raft node and background tasks.
func (m *Manager) Start() {
	m.node.Start()
	m.mu.Lock()
	m.state = StateRunning
	m.mu.Unlock()

	m.wg.Add(3)
	go m.healthLoop()
	go m.discoveryLoop()
	go m.replCleanupLoop()
	m.logger.Info().Msg("cluster manager started")
}

// Stop drains and halts everything.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.state == StateStopped {
		m.mu.Unlock()
		return
	}
	m.state = StateDraining
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
	m.node.Stop()

	m.mu.Lock()
	m.state = StateStopped
	m.mu.Unlock()
	m.logger.Info().Msg("cluster manager stopped")
}

// Ring exposes the shard ring.
func (m *Manager) Ring() *Ring { return m.ring }

// Upgrader exposes the rolling-upgrade driver.
func (m *Manager) Upgrader() *Upgrader { return m.upgrader }

// Status reports the local role, leader, peer health, and quorum.
func (m *Manager) Status() Status {
	rs := m.node.Status()
	m.mu.Lock()
	state := m.state
	healthy := m.healthyPeersLocked()
	m.mu.Unlock()
	upgrade, _ := m.upgrader.Status()
	total := len(m.cfg.Peers) + 1
	return Status{
		NodeID:       rs.ID,
		State:        state,
		Role:         rs.Role,
		Term:         rs.Term,
		Leader:       rs.Leader,
		HealthyPeers: healthy,
		Quorum:       healthy+1 >= total/2+1,
		Upgrade:      upgrade,
	}
}

// Propose submits a command through raft, rejecting while draining.
func (m *Manager) Propose(ctx context.Context, command []byte) (uint64, error) {
	m.mu.Lock()
	if m.state != StateRunning {
		st := m.state
		m.mu.Unlock()
		return 0, qerr.New(qerr.KindUpgradeInProgress, "node is %s", st)
	}
	m.mu.Unlock()

	idx, done, err := m.node.Propose(command)
	if err != nil {
		return 0, err
	}
	select {
	case err := <-done:
		return idx, err
	case <-ctx.Done():
		return 0, qerr.Wrap(qerr.KindTimeout, ctx.Err(), "proposal %d", idx)
	}
}

// Locate returns the replica set for a shard key.
func (m *Manager) Locate(key string) []raft.NodeID {
	return m.ring.Locate(key, m.cfg.Sharding.ReplicationFactor)
}

// ─── Background loops ──────────────────────────────────────────────────────

func (m *Manager) healthLoop() {
	defer m.wg.Done()
	interval := m.cfg.Upgrade.HealthCheckInterval.D()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkPeers()
		}
	}
}

// checkPeers marks peers healthy on successful raft contact. The raft
// layer's heartbeats already carry liveness; the manager samples leader
// contact and its own reachability view.
func (m *Manager) checkPeers() {
	rs := m.node.Status()
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if rs.Leader != 0 && rs.Leader != raft.NodeID(m.cfg.NodeID) {
		m.peerHealth[rs.Leader] = now
	}
	if rs.Role == raft.Leader {
		// Leader: any peer that acked recently counts as healthy. The raft
		// node tracks acks; approximate with ring members here.
		for _, id := range m.ring.Nodes() {
			if id != raft.NodeID(m.cfg.NodeID) {
				m.peerHealth[id] = now
			}
		}
	}
}

func (m *Manager) healthyPeersLocked() int {
	cutoff := time.Now().Add(-3 * m.cfg.Upgrade.HealthCheckInterval.D())
	n := 0
	for _, ts := range m.peerHealth {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}

// healthyCount includes the local node.
func (m *Manager) healthyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthyPeersLocked() + 1
}

// SetPeerHealthy records out-of-band health information (tests, external
// probes).
func (m *Manager) SetPeerHealthy(id raft.NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peerHealth[id] = time.Now()
}

func (m *Manager) discoveryLoop() {
	defer m.wg.Done()
	interval := m.cfg.Discovery.DNSInterval.D()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			peers, err := m.disc.Discover(ctx)
			cancel()
			if err != nil {
				m.logger.Warn().Err(err).Msg("peer discovery failed")
				continue
			}
			m.logger.Debug().Int("peers", len(peers)).Msg("discovery refresh")
		}
	}
}

// replCleanupLoop expires replication requests that never completed.
func (m *Manager) replCleanupLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-10 * time.Minute)
			m.mu.Lock()
			for id, ts := range m.pendingRepl {
				if ts.Before(cutoff) {
					delete(m.pendingRepl, id)
				}
			}
			m.mu.Unlock()
		}
	}
}

// ─── Membership / rebalance ────────────────────────────────────────────────

// AddMember projects a joined node onto the ring and, when auto-rebalance
// is on, schedules shard transfers.
func (m *Manager) AddMember(id raft.NodeID) {
	m.ring.AddNode(id)
	m.SetPeerHealthy(id)
	if m.cfg.Sharding.AutoRebalance && m.ring.Size() >= m.cfg.Sharding.MinNodesForSharding {
		go m.rebalance()
	}
}

// RemoveMember drops a departed node from the ring.
func (m *Manager) RemoveMember(id raft.NodeID) {
	m.ring.RemoveNode(id)
	m.mu.Lock()
	delete(m.peerHealth, id)
	m.mu.Unlock()
	if m.cfg.Sharding.AutoRebalance {
		go m.rebalance()
	}
}

// rebalance waits RebalanceDelay, takes one of the MaxConcurrentTransfers
// slots and logs a rebalance pass. It moves no shard data: no snapshot,
// delta stream or cutover runs here.
func (m *Manager) rebalance() {
	select {
	case <-time.After(m.cfg.Sharding.RebalanceDelay.D()):
	case <-m.stopCh:
		return
	}
	select {
	case m.transfers <- struct{}{}:
		defer func() { <-m.transfers }()
	case <-m.stopCh:
		return
	}
	m.logger.Info().Int("members", m.ring.Size()).Msg("shard rebalance pass")
}

// ─── Upgrade hooks ─────────────────────────────────────────────────────────

func (m *Manager) drain(ctx context.Context) error {
	m.mu.Lock()
	m.state = StateDraining
	m.mu.Unlock()
	return nil
}

func (m *Manager) handoffLeadership(ctx context.Context) error {
	// The raft role is left unchanged: a leading node keeps leading and
	// sending heartbeats while it drains.
	return nil
}

func (m *Manager) healthProbe(ctx context.Context) error {
	rs := m.node.Status()
	if rs.Term == 0 && rs.Leader == 0 && len(m.cfg.Peers) > 0 && m.healthyCount() <= 1 {
		return qerr.New(qerr.KindHealthCheckFailed, "no cluster contact")
	}
	return nil
}

func (m *Manager) protocolHandshake(ctx context.Context) error {
	return nil // no version check is made; the handshake always succeeds
}

// Resume returns the node to Running after an upgrade completes.
func (m *Manager) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateRunning
}
