package realtime

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantadb/quantadb/internal/log"
	"github.com/quantadb/quantadb/internal/metrics"
	"github.com/quantadb/quantadb/internal/qerr"
)

// Session is the transport half of a connection: the manager pushes frames
// through it and closes it on eviction. The gorilla/websocket adapter in
// websocket.go is the production implementation.
type Session interface {
	Send(msg []byte) error
	Close() error
}

// ConnConfig tunes the connection manager.
type ConnConfig struct {
	MaxConnections    int
	HeartbeatInterval time.Duration // supervision tick
	HeartbeatTimeout  time.Duration // close connections silent past this
}

func (c ConnConfig) withDefaults() ConnConfig {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 10000
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 90 * time.Second
	}
	return c
}

// Connection is one registered session.
type Connection struct {
	ID       ConnectionID
	Session  Session
	Metadata map[string]string

	mu            sync.Mutex
	lastHeartbeat time.Time
}

// Heartbeat records liveness.
func (c *Connection) Heartbeat() {
	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
}

// LastHeartbeat returns the most recent liveness timestamp.
func (c *Connection) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

// ConnManager is the session registry with heartbeat supervision.
type ConnManager struct {
	cfg    ConnConfig
	logger zerolog.Logger

	mu    sync.RWMutex
	conns map[ConnectionID]*Connection

	nextID atomic.Uint64
	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// NewConnManager builds and starts the registry (supervision ticker
// included).
func NewConnManager(cfg ConnConfig) *ConnManager {
	m := &ConnManager{
		cfg:    cfg.withDefaults(),
		logger: log.WithComponent("realtime"),
		conns:  make(map[ConnectionID]*Connection),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go m.supervise()
	return m
}

// Register admits a new session, rejecting past MaxConnections.
func (m *ConnManager) Register(s Session, metadata map[string]string) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.conns) >= m.cfg.MaxConnections {
		return nil, qerr.New(qerr.KindMaxConnections,
			"%d connections active (limit %d)", len(m.conns), m.cfg.MaxConnections)
	}
	conn := &Connection{
		ID:            ConnectionID(m.nextID.Add(1)),
		Session:       s,
		Metadata:      metadata,
		lastHeartbeat: time.Now(),
	}
	m.conns[conn.ID] = conn
	metrics.ActiveConnections.Set(float64(len(m.conns)))
	return conn, nil
}

// Unregister removes and closes a connection. Idempotent.
func (m *ConnManager) Unregister(id ConnectionID) {
	m.mu.Lock()
	conn, ok := m.conns[id]
	if ok {
		delete(m.conns, id)
	}
	count := len(m.conns)
	m.mu.Unlock()
	if ok {
		conn.Session.Close()
		metrics.ActiveConnections.Set(float64(count))
	}
}

// Get returns a connection by id.
func (m *ConnManager) Get(id ConnectionID) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[id]
	return c, ok
}

// Count returns the number of live connections.
func (m *ConnManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// IDs lists the live connection ids.
func (m *ConnManager) IDs() []ConnectionID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ConnectionID, 0, len(m.conns))
	for id := range m.conns {
		out = append(out, id)
	}
	return out
}

// Send delivers a frame to one connection; a failed send evicts it.
func (m *ConnManager) Send(id ConnectionID, msg []byte) error {
	conn, ok := m.Get(id)
	if !ok {
		return qerr.New(qerr.KindIO, "connection %d is gone", id)
	}
	if err := conn.Session.Send(msg); err != nil {
		m.logger.Debug().Uint64("conn", uint64(id)).Err(err).Msg("send failed; evicting")
		m.Unregister(id)
		return err
	}
	return nil
}

// Broadcast sends a frame to every connection, evicting any that fail.
func (m *ConnManager) Broadcast(msg []byte) {
	for _, id := range m.IDs() {
		m.Send(id, msg) // Send handles eviction
	}
}

// supervise closes connections whose heartbeat went silent.
func (m *ConnManager) supervise() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-m.cfg.HeartbeatTimeout)
			for _, id := range m.IDs() {
				conn, ok := m.Get(id)
				if ok && conn.LastHeartbeat().Before(cutoff) {
					m.logger.Info().Uint64("conn", uint64(id)).Msg("heartbeat timeout")
					m.Unregister(id)
				}
			}
		}
	}
}

// Shutdown closes every session and stops the supervisor.
func (m *ConnManager) Shutdown() {
	m.once.Do(func() {
		close(m.stopCh)
		<-m.doneCh
		for _, id := range m.IDs() {
			m.Unregister(id)
		}
	})
}
