package raft

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantadb/quantadb/internal/log"
	"github.com/quantadb/quantadb/internal/metrics"
	"github.com/quantadb/quantadb/internal/qerr"
)

// Role is the node's current raft role.
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	default:
		return "leader"
	}
}

// Config configures one raft node.
type Config struct {
	ID    NodeID
	Peers []NodeID // other voting members (excluding self)

	HeartbeatInterval  time.Duration // default 100 ms
	ElectionTimeoutMin time.Duration // default 300 ms
	ElectionTimeoutMax time.Duration // default 500 ms
	EnablePreVote      bool
	EnableLeaderLease  bool
	SnapshotThreshold  uint64 // log length that triggers a snapshot
	SnapshotChunkSize  int    // bytes per InstallSnapshot chunk

	Storage   Storage
	Transport Transport

	// Apply feeds committed entries to the state machine, in log order,
	// exactly once per entry.
	Apply func(Entry)
	// Snapshot captures the state machine for log compaction.
	Snapshot func() ([]byte, error)
	// Restore installs a received snapshot into the state machine.
	Restore func(SnapshotMeta, []byte) error
}

func (c *Config) withDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 100 * time.Millisecond
	}
	if c.ElectionTimeoutMin <= 0 {
		c.ElectionTimeoutMin = 300 * time.Millisecond
	}
	if c.ElectionTimeoutMax <= c.ElectionTimeoutMin {
		c.ElectionTimeoutMax = c.ElectionTimeoutMin + 200*time.Millisecond
	}
	if c.SnapshotThreshold == 0 {
		c.SnapshotThreshold = 10000
	}
	if c.SnapshotChunkSize <= 0 {
		c.SnapshotChunkSize = 1 << 20
	}
}

// Node is one raft participant.
type Node struct {
	cfg    Config
	logger zerolog.Logger

	mu          sync.Mutex
	role        Role
	term        uint64
	votedFor    NodeID
	leader      NodeID
	commitIndex uint64
	lastApplied uint64

	// Leader volatile state.
	nextIndex  map[NodeID]uint64
	matchIndex map[NodeID]uint64
	lastAck    map[NodeID]time.Time

	// Snapshot bookkeeping.
	snapMeta SnapshotMeta

	// Pending snapshot chunks being received.
	pendingSnap []byte

	electionDeadline time.Time

	waiters map[uint64][]chan error

	stopCh  chan struct{}
	doneCh  chan struct{}
	applyCh chan struct{}
	rng     *rand.Rand
}

// NewNode builds (but does not start) a raft node.
func NewNode(cfg Config) (*Node, error) {
	cfg.withDefaults()
	if cfg.ID == 0 {
		return nil, qerr.New(qerr.KindConfigInvalid, "raft: node id must be non-zero")
	}
	if cfg.Storage == nil || cfg.Transport == nil {
		return nil, qerr.New(qerr.KindConfigInvalid, "raft: storage and transport are required")
	}
	term, voted, err := cfg.Storage.InitialState()
	if err != nil {
		return nil, err
	}
	snapMeta, snapData, err := cfg.Storage.LoadSnapshot()
	if err != nil {
		return nil, err
	}
	n := &Node{
		cfg:        cfg,
		logger:     log.WithComponent("raft").With().Uint64("node", uint64(cfg.ID)).Logger(),
		role:       Follower,
		term:       term,
		votedFor:   voted,
		nextIndex:  make(map[NodeID]uint64),
		matchIndex: make(map[NodeID]uint64),
		lastAck:    make(map[NodeID]time.Time),
		snapMeta:   snapMeta,
		waiters:    make(map[uint64][]chan error),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		applyCh:    make(chan struct{}, 1),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(cfg.ID)<<17)),
	}
	if snapMeta.LastIndex > 0 && cfg.Restore != nil && len(snapData) > 0 {
		if err := cfg.Restore(snapMeta, snapData); err != nil {
			return nil, err
		}
		n.commitIndex = snapMeta.LastIndex
		n.lastApplied = snapMeta.LastIndex
	}
	cfg.Transport.Register(cfg.ID, n.handleRPC)
	return n, nil
}

// Start launches the node's background loops.
func (n *Node) Start() {
	n.mu.Lock()
	n.resetElectionTimerLocked()
	n.mu.Unlock()
	go n.run()
	go n.applyLoop()
}

// Stop halts the node.
func (n *Node) Stop() {
	close(n.stopCh)
	<-n.doneCh
}

// ─── Introspection ─────────────────────────────────────────────────────────

// Status is a point-in-time view of the node.
type Status struct {
	ID          NodeID
	Role        Role
	Term        uint64
	Leader      NodeID
	CommitIndex uint64
	LastApplied uint64
}

// Status reports the node's current view.
func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Status{
		ID:          n.cfg.ID,
		Role:        n.role,
		Term:        n.term,
		Leader:      n.leader,
		CommitIndex: n.commitIndex,
		LastApplied: n.lastApplied,
	}
}

// IsLeader reports whether this node currently leads.
func (n *Node) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role == Leader
}

// Leader returns the current leader hint (0 = unknown).
func (n *Node) Leader() NodeID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leader
}

// ─── Main loop ─────────────────────────────────────────────────────────────

func (n *Node) run() {
	defer close(n.doneCh)
	ticker := time.NewTicker(n.cfg.HeartbeatInterval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			n.tick()
		}
	}
}

func (n *Node) tick() {
	n.mu.Lock()
	role := n.role
	expired := time.Now().After(n.electionDeadline)
	n.mu.Unlock()

	switch role {
	case Leader:
		n.broadcastHeartbeat()
	default:
		if expired {
			n.startElection()
		}
	}
}

func (n *Node) resetElectionTimerLocked() {
	span := n.cfg.ElectionTimeoutMax - n.cfg.ElectionTimeoutMin
	d := n.cfg.ElectionTimeoutMin + time.Duration(n.rng.Int63n(int64(span)+1))
	n.electionDeadline = time.Now().Add(d)
}

// ─── Elections ─────────────────────────────────────────────────────────────

func (n *Node) startElection() {
	if n.cfg.EnablePreVote {
		if !n.runVoteRound(true) {
			n.mu.Lock()
			n.resetElectionTimerLocked()
			n.mu.Unlock()
			return
		}
	}
	n.mu.Lock()
	n.role = Candidate
	n.term++
	n.votedFor = n.cfg.ID
	n.leader = 0
	term := n.term
	if err := n.cfg.Storage.SetState(n.term, n.votedFor); err != nil {
		n.logger.Error().Err(err).Msg("persist vote state")
		n.mu.Unlock()
		return
	}
	n.resetElectionTimerLocked()
	n.mu.Unlock()
	metrics.RaftTerm.Set(float64(term))

	if n.runVoteRound(false) {
		n.becomeLeader(term)
	}
}

// runVoteRound solicits votes (or pre-votes). Returns true on majority.
func (n *Node) runVoteRound(preVote bool) bool {
	n.mu.Lock()
	term := n.term
	if preVote {
		term++ // a pre-vote probes term+1 without claiming it
	}
	lastIdx, lastTerm := n.lastLogInfoLocked()
	req := Message{
		Kind:         MsgRequestVote,
		From:         n.cfg.ID,
		Term:         term,
		PreVote:      preVote,
		LastLogIndex: lastIdx,
		LastLogTerm:  lastTerm,
	}
	peers := append([]NodeID(nil), n.cfg.Peers...)
	n.mu.Unlock()

	votes := 1 // self
	needed := (len(peers)+1)/2 + 1
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, p := range peers {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := req
			r.To = p
			resp, err := n.cfg.Transport.Send(p, r)
			if err != nil {
				return
			}
			n.observeTerm(resp.Term)
			if resp.VoteGranted {
				mu.Lock()
				votes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return votes >= needed
}

func (n *Node) becomeLeader(term uint64) {
	n.mu.Lock()
	if n.role != Candidate || n.term != term {
		n.mu.Unlock()
		return // the world moved on during the vote
	}
	n.role = Leader
	n.leader = n.cfg.ID
	last, _ := n.cfg.Storage.LastIndex()
	for _, p := range n.cfg.Peers {
		n.nextIndex[p] = last + 1
		n.matchIndex[p] = 0
	}
	n.mu.Unlock()
	metrics.RaftLeaderChanges.Inc()
	n.logger.Info().Uint64("term", term).Msg("became leader")
	n.broadcastHeartbeat()
}

// observeTerm steps down if a higher term is seen anywhere.
func (n *Node) observeTerm(term uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.observeTermLocked(term)
}

func (n *Node) observeTermLocked(term uint64) {
	if term <= n.term {
		return
	}
	n.term = term
	n.role = Follower
	n.votedFor = 0
	n.leader = 0
	if err := n.cfg.Storage.SetState(n.term, n.votedFor); err != nil {
		n.logger.Error().Err(err).Msg("persist term")
	}
	n.resetElectionTimerLocked()
	metrics.RaftTerm.Set(float64(term))
}

func (n *Node) lastLogInfoLocked() (uint64, uint64) {
	last, _ := n.cfg.Storage.LastIndex()
	if last == 0 {
		return n.snapMeta.LastIndex, n.snapMeta.LastTerm
	}
	e, err := n.cfg.Storage.Entry(last)
	if err != nil {
		return n.snapMeta.LastIndex, n.snapMeta.LastTerm
	}
	return e.Index, e.Term
}

// ─── Replication ───────────────────────────────────────────────────────────

func (n *Node) broadcastHeartbeat() {
	n.mu.Lock()
	if n.role != Leader {
		n.mu.Unlock()
		return
	}
	peers := append([]NodeID(nil), n.cfg.Peers...)
	n.mu.Unlock()
	for _, p := range peers {
		go n.replicateTo(p)
	}
}

// replicateTo sends the next batch of entries (or a heartbeat) to one peer.
func (n *Node) replicateTo(peer NodeID) {
	n.mu.Lock()
	if n.role != Leader {
		n.mu.Unlock()
		return
	}
	term := n.term
	next := n.nextIndex[peer]
	if next == 0 {
		next = 1
	}
	first, _ := n.cfg.Storage.FirstIndex()
	if n.snapMeta.LastIndex > 0 && next <= n.snapMeta.LastIndex && (first == 0 || next < first) {
		n.mu.Unlock()
		n.sendSnapshot(peer, term)
		return
	}
	prevIdx := next - 1
	var prevTerm uint64
	if prevIdx > 0 {
		if prevIdx == n.snapMeta.LastIndex {
			prevTerm = n.snapMeta.LastTerm
		} else if e, err := n.cfg.Storage.Entry(prevIdx); err == nil {
			prevTerm = e.Term
		}
	}
	last, _ := n.cfg.Storage.LastIndex()
	var entries []Entry
	for i := next; i <= last; i++ {
		e, err := n.cfg.Storage.Entry(i)
		if err != nil {
			break
		}
		entries = append(entries, e)
	}
	req := Message{
		Kind:         MsgAppendEntries,
		From:         n.cfg.ID,
		To:           peer,
		Term:         term,
		PrevLogIndex: prevIdx,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: n.commitIndex,
	}
	n.mu.Unlock()

	resp, err := n.cfg.Transport.Send(peer, req)
	if err != nil {
		return
	}
	n.observeTerm(resp.Term)

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role != Leader || n.term != term {
		return
	}
	n.lastAck[peer] = time.Now()
	if resp.Success {
		if resp.MatchIndex > n.matchIndex[peer] {
			n.matchIndex[peer] = resp.MatchIndex
		}
		n.nextIndex[peer] = n.matchIndex[peer] + 1
		n.advanceCommitLocked()
	} else {
		// Back off to the follower's hint.
		if resp.ConflictHint > 0 {
			n.nextIndex[peer] = resp.ConflictHint
		} else if n.nextIndex[peer] > 1 {
			n.nextIndex[peer]--
		}
	}
}

// advanceCommitLocked commits the highest index replicated on a majority
// whose entry is from the current term.
func (n *Node) advanceCommitLocked() {
	last, _ := n.cfg.Storage.LastIndex()
	for idx := last; idx > n.commitIndex; idx-- {
		e, err := n.cfg.Storage.Entry(idx)
		if err != nil || e.Term != n.term {
			continue
		}
		count := 1 // self
		for _, p := range n.cfg.Peers {
			if n.matchIndex[p] >= idx {
				count++
			}
		}
		if count >= (len(n.cfg.Peers)+1)/2+1 {
			n.commitIndex = idx
			select {
			case n.applyCh <- struct{}{}:
			default:
			}
			break
		}
	}
}

// ─── Propose / reads ───────────────────────────────────────────────────────

// Propose appends a command to the replicated log. On a non-leader it
// fails with NotLeader carrying the current leader hint. The returned
// channel resolves when the entry is applied.
func (n *Node) Propose(command []byte) (uint64, <-chan error, error) {
	n.mu.Lock()
	if n.role != Leader {
		hint := n.leader
		n.mu.Unlock()
		return 0, nil, qerr.New(qerr.KindNotLeader, "not leader; try node %d", hint)
	}
	last, _ := n.cfg.Storage.LastIndex()
	if last == 0 {
		last = n.snapMeta.LastIndex
	}
	e := Entry{Index: last + 1, Term: n.term, Command: command}
	if err := n.cfg.Storage.Append([]Entry{e}); err != nil {
		n.mu.Unlock()
		return 0, nil, err
	}
	ch := make(chan error, 1)
	n.waiters[e.Index] = append(n.waiters[e.Index], ch)

	// A single-member cluster commits immediately.
	if len(n.cfg.Peers) == 0 {
		n.commitIndex = e.Index
		select {
		case n.applyCh <- struct{}{}:
		default:
		}
	}
	n.mu.Unlock()

	n.broadcastHeartbeat()
	return e.Index, ch, nil
}

// LeaseRead verifies the leader lease for a low-latency local read: the
// leader must have heard from a majority within the minimum election
// timeout. Without the lease option it degrades to a leadership check.
func (n *Node) LeaseRead() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role != Leader {
		return qerr.New(qerr.KindNotLeader, "not leader; try node %d", n.leader)
	}
	if !n.cfg.EnableLeaderLease {
		return nil
	}
	cutoff := time.Now().Add(-n.cfg.ElectionTimeoutMin)
	acked := 1
	for _, p := range n.cfg.Peers {
		if n.lastAck[p].After(cutoff) {
			acked++
		}
	}
	if acked < (len(n.cfg.Peers)+1)/2+1 {
		return qerr.New(qerr.KindTimeout, "leader lease expired")
	}
	return nil
}

// ─── Apply loop ────────────────────────────────────────────────────────────

func (n *Node) applyLoop() {
	for {
		select {
		case <-n.stopCh:
			return
		case <-n.applyCh:
		}
		for {
			n.mu.Lock()
			if n.lastApplied >= n.commitIndex {
				n.mu.Unlock()
				break
			}
			idx := n.lastApplied + 1
			e, err := n.cfg.Storage.Entry(idx)
			if err != nil {
				n.mu.Unlock()
				break
			}
			n.lastApplied = idx
			ws := n.waiters[idx]
			delete(n.waiters, idx)
			n.mu.Unlock()

			if n.cfg.Apply != nil {
				n.cfg.Apply(e)
			}
			for _, ch := range ws {
				ch <- nil
			}
			n.maybeSnapshot()
		}
	}
}

// maybeSnapshot compacts the log once it grows past the threshold.
func (n *Node) maybeSnapshot() {
	if n.cfg.Snapshot == nil {
		return
	}
	n.mu.Lock()
	first, _ := n.cfg.Storage.FirstIndex()
	applied := n.lastApplied
	if first == 0 || applied < first || applied-first < n.cfg.SnapshotThreshold {
		n.mu.Unlock()
		return
	}
	e, err := n.cfg.Storage.Entry(applied)
	if err != nil {
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	data, err := n.cfg.Snapshot()
	if err != nil {
		n.logger.Error().Err(err).Msg("state machine snapshot failed")
		return
	}
	meta := SnapshotMeta{LastIndex: applied, LastTerm: e.Term}
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.cfg.Storage.SaveSnapshot(meta, data); err != nil {
		n.logger.Error().Err(err).Msg("save snapshot failed")
		return
	}
	n.snapMeta = meta
	if err := n.cfg.Storage.TruncatePrefix(applied); err != nil {
		n.logger.Error().Err(err).Msg("truncate log failed")
	}
	n.logger.Info().Uint64("through", applied).Msg("log compacted")
}

// sendSnapshot streams the stored snapshot to a lagging peer in chunks.
func (n *Node) sendSnapshot(peer NodeID, term uint64) {
	meta, data, err := n.cfg.Storage.LoadSnapshot()
	if err != nil || meta.LastIndex == 0 {
		return
	}
	size := n.cfg.SnapshotChunkSize
	for off, idx := 0, 0; off < len(data) || idx == 0; off, idx = off+size, idx+1 {
		end := off + size
		if end > len(data) {
			end = len(data)
		}
		req := Message{
			Kind:       MsgInstallSnapshot,
			From:       n.cfg.ID,
			To:         peer,
			Term:       term,
			SnapMeta:   meta,
			Chunk:      data[off:end],
			ChunkIndex: idx,
			LastChunk:  end >= len(data),
		}
		resp, err := n.cfg.Transport.Send(peer, req)
		if err != nil {
			return
		}
		n.observeTerm(resp.Term)
		if !resp.Success {
			return
		}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.matchIndex[peer] < meta.LastIndex {
		n.matchIndex[peer] = meta.LastIndex
	}
	n.nextIndex[peer] = meta.LastIndex + 1
}

// ─── RPC handlers ──────────────────────────────────────────────────────────

func (n *Node) handleRPC(msg Message) Message {
	switch msg.Kind {
	case MsgRequestVote:
		return n.handleRequestVote(msg)
	case MsgAppendEntries:
		return n.handleAppendEntries(msg)
	case MsgInstallSnapshot:
		return n.handleInstallSnapshot(msg)
	default:
		return Message{Kind: msg.Kind, From: n.cfg.ID, To: msg.From}
	}
}

func (n *Node) handleRequestVote(msg Message) Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	resp := Message{Kind: MsgRequestVote, From: n.cfg.ID, To: msg.From, PreVote: msg.PreVote}

	if !msg.PreVote {
		n.observeTermLocked(msg.Term)
	}
	resp.Term = n.term
	if msg.Term < n.term {
		return resp
	}

	lastIdx, lastTerm := n.lastLogInfoLocked()
	upToDate := msg.LastLogTerm > lastTerm ||
		(msg.LastLogTerm == lastTerm && msg.LastLogIndex >= lastIdx)
	if !upToDate {
		return resp
	}
	if msg.PreVote {
		// Grant pre-votes freely when the candidate's log qualifies and we
		// have not heard from a live leader recently.
		resp.VoteGranted = n.leader == 0 || time.Now().After(n.electionDeadline)
		return resp
	}
	if n.votedFor == 0 || n.votedFor == msg.From {
		n.votedFor = msg.From
		if err := n.cfg.Storage.SetState(n.term, n.votedFor); err != nil {
			n.logger.Error().Err(err).Msg("persist vote")
			return resp
		}
		n.resetElectionTimerLocked()
		resp.VoteGranted = true
	}
	return resp
}

func (n *Node) handleAppendEntries(msg Message) Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	resp := Message{Kind: MsgAppendEntries, From: n.cfg.ID, To: msg.From}

	n.observeTermLocked(msg.Term)
	resp.Term = n.term
	if msg.Term < n.term {
		return resp
	}
	// A current-term AppendEntries asserts leadership.
	n.role = Follower
	n.leader = msg.From
	n.resetElectionTimerLocked()

	// Consistency check on the previous entry.
	if msg.PrevLogIndex > 0 {
		switch {
		case msg.PrevLogIndex == n.snapMeta.LastIndex:
			if msg.PrevLogTerm != n.snapMeta.LastTerm {
				resp.ConflictHint = n.snapMeta.LastIndex
				return resp
			}
		default:
			e, err := n.cfg.Storage.Entry(msg.PrevLogIndex)
			if err != nil {
				last, _ := n.cfg.Storage.LastIndex()
				resp.ConflictHint = last + 1
				return resp
			}
			if e.Term != msg.PrevLogTerm {
				if err := n.cfg.Storage.TruncateSuffix(msg.PrevLogIndex); err != nil {
					return resp
				}
				resp.ConflictHint = msg.PrevLogIndex
				return resp
			}
		}
	}

	// Append new entries, dropping conflicting suffixes.
	for _, e := range msg.Entries {
		existing, err := n.cfg.Storage.Entry(e.Index)
		if err == nil && existing.Term == e.Term {
			continue
		}
		if err == nil {
			if terr := n.cfg.Storage.TruncateSuffix(e.Index); terr != nil {
				return resp
			}
		}
		if aerr := n.cfg.Storage.Append([]Entry{e}); aerr != nil {
			return resp
		}
	}

	last, _ := n.cfg.Storage.LastIndex()
	if msg.LeaderCommit > n.commitIndex {
		n.commitIndex = msg.LeaderCommit
		if n.commitIndex > last {
			n.commitIndex = last
		}
		select {
		case n.applyCh <- struct{}{}:
		default:
		}
	}
	resp.Success = true
	resp.MatchIndex = msg.PrevLogIndex + uint64(len(msg.Entries))
	return resp
}

func (n *Node) handleInstallSnapshot(msg Message) Message {
	n.mu.Lock()
	resp := Message{Kind: MsgInstallSnapshot, From: n.cfg.ID, To: msg.From}
	n.observeTermLocked(msg.Term)
	resp.Term = n.term
	if msg.Term < n.term {
		n.mu.Unlock()
		return resp
	}
	n.leader = msg.From
	n.resetElectionTimerLocked()

	if msg.ChunkIndex == 0 {
		n.pendingSnap = nil
	}
	n.pendingSnap = append(n.pendingSnap, msg.Chunk...)
	if !msg.LastChunk {
		resp.Success = true
		n.mu.Unlock()
		return resp
	}

	data := n.pendingSnap
	n.pendingSnap = nil
	meta := msg.SnapMeta
	if err := n.cfg.Storage.SaveSnapshot(meta, data); err != nil {
		n.mu.Unlock()
		return resp
	}
	if err := n.cfg.Storage.TruncatePrefix(meta.LastIndex); err != nil {
		n.mu.Unlock()
		return resp
	}
	n.snapMeta = meta
	if n.commitIndex < meta.LastIndex {
		n.commitIndex = meta.LastIndex
	}
	n.lastApplied = meta.LastIndex
	n.mu.Unlock()

	if n.cfg.Restore != nil {
		if err := n.cfg.Restore(meta, data); err != nil {
			n.logger.Error().Err(err).Msg("snapshot restore failed")
			return resp
		}
	}
	resp.Success = true
	return resp
}
