package raft

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"sync"
	"time"

	"github.com/quantadb/quantadb/internal/qerr"
)

// MessageKind tags an RPC.
type MessageKind string

const (
	MsgRequestVote     MessageKind = "request_vote"
	MsgAppendEntries   MessageKind = "append_entries"
	MsgInstallSnapshot MessageKind = "install_snapshot"
)

// Message is the single RPC envelope: request and response share the
// struct, discriminated by Kind and direction.
type Message struct {
	Kind MessageKind `json:"kind"`
	From NodeID      `json:"from"`
	To   NodeID      `json:"to"`
	Term uint64      `json:"term"`

	// RequestVote.
	PreVote      bool   `json:"pre_vote,omitempty"`
	LastLogIndex uint64 `json:"last_log_index,omitempty"`
	LastLogTerm  uint64 `json:"last_log_term,omitempty"`
	VoteGranted  bool   `json:"vote_granted,omitempty"`

	// AppendEntries.
	PrevLogIndex uint64  `json:"prev_log_index,omitempty"`
	PrevLogTerm  uint64  `json:"prev_log_term,omitempty"`
	Entries      []Entry `json:"entries,omitempty"`
	LeaderCommit uint64  `json:"leader_commit,omitempty"`
	Success      bool    `json:"success,omitempty"`
	MatchIndex   uint64  `json:"match_index,omitempty"`
	ConflictHint uint64  `json:"conflict_hint,omitempty"`

	// InstallSnapshot (chunked).
	SnapMeta   SnapshotMeta `json:"snap_meta,omitempty"`
	Chunk      []byte       `json:"chunk,omitempty"`
	ChunkIndex int          `json:"chunk_index,omitempty"`
	LastChunk  bool         `json:"last_chunk,omitempty"`
}

// Handler processes an inbound RPC and returns the response.
type Handler func(Message) Message

// Transport delivers RPCs between nodes.
type Transport interface {
	// Send performs a synchronous RPC round trip.
	Send(to NodeID, msg Message) (Message, error)
	// Register installs the local node's inbound handler.
	Register(id NodeID, h Handler)
	Close() error
}

// ─── In-memory transport ───────────────────────────────────────────────────

// MemoryTransport connects nodes in one process. Partitions can be
// simulated by disconnecting node pairs.
type MemoryTransport struct {
	mu       sync.RWMutex
	handlers map[NodeID]Handler
	cut      map[[2]NodeID]bool
}

// NewMemoryTransport builds a transport shared by all in-process nodes.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		handlers: make(map[NodeID]Handler),
		cut:      make(map[[2]NodeID]bool),
	}
}

func (t *MemoryTransport) Register(id NodeID, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[id] = h
}

// Disconnect severs both directions between a and b.
func (t *MemoryTransport) Disconnect(a, b NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cut[[2]NodeID{a, b}] = true
	t.cut[[2]NodeID{b, a}] = true
}

// Reconnect restores both directions between a and b.
func (t *MemoryTransport) Reconnect(a, b NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.cut, [2]NodeID{a, b})
	delete(t.cut, [2]NodeID{b, a})
}

func (t *MemoryTransport) Send(to NodeID, msg Message) (Message, error) {
	t.mu.RLock()
	h, ok := t.handlers[to]
	severed := t.cut[[2]NodeID{msg.From, to}]
	t.mu.RUnlock()
	if !ok || severed {
		return Message{}, qerr.New(qerr.KindTimeout, "node %d unreachable", to)
	}
	return h(msg), nil
}

func (t *MemoryTransport) Close() error { return nil }

// ─── TCP transport ─────────────────────────────────────────────────────────
//
// Length-prefixed JSON frames over persistent-less connections: one frame
// out, one frame back. The cluster wire surface is a collaborator boundary,
// so the framing stays deliberately simple.

// TCPTransport serves the local node and dials peers by address.
type TCPTransport struct {
	mu      sync.RWMutex
	addrs   map[NodeID]string
	local   NodeID
	handler Handler
	ln      net.Listener
	timeout time.Duration
	done    chan struct{}
}

// NewTCPTransport listens on bind and resolves peers via addrs.
func NewTCPTransport(bind string, addrs map[NodeID]string) (*TCPTransport, error) {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, qerr.Wrap(qerr.KindIO, err, "raft listen %s", bind)
	}
	t := &TCPTransport{
		addrs:   addrs,
		ln:      ln,
		timeout: 2 * time.Second,
		done:    make(chan struct{}),
	}
	go t.serve()
	return t, nil
}

// SetPeer adds or updates a peer address.
func (t *TCPTransport) SetPeer(id NodeID, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addrs[id] = addr
}

func (t *TCPTransport) Register(id NodeID, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.local = id
	t.handler = h
}

func (t *TCPTransport) serve() {
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
				continue
			}
		}
		go t.handleConn(conn)
	}
}

func (t *TCPTransport) handleConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(t.timeout))
	msg, err := readFrame(bufio.NewReader(conn))
	if err != nil {
		return
	}
	t.mu.RLock()
	h := t.handler
	t.mu.RUnlock()
	if h == nil {
		return
	}
	resp := h(msg)
	writeFrame(conn, resp)
}

func (t *TCPTransport) Send(to NodeID, msg Message) (Message, error) {
	t.mu.RLock()
	addr, ok := t.addrs[to]
	t.mu.RUnlock()
	if !ok {
		return Message{}, qerr.New(qerr.KindIO, "no address for node %d", to)
	}
	conn, err := net.DialTimeout("tcp", addr, t.timeout)
	if err != nil {
		return Message{}, qerr.Wrap(qerr.KindTimeout, err, "dial node %d", to)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(t.timeout))
	if err := writeFrame(conn, msg); err != nil {
		return Message{}, err
	}
	return readFrame(bufio.NewReader(conn))
}

func (t *TCPTransport) Close() error {
	close(t.done)
	return t.ln.Close()
}

func writeFrame(conn net.Conn, msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return qerr.Wrap(qerr.KindIO, err, "encode raft frame")
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(raw)))
	if _, err := conn.Write(hdr[:]); err != nil {
		return qerr.Wrap(qerr.KindIO, err, "write raft frame")
	}
	_, err = conn.Write(raw)
	return err
}

func readFrame(r *bufio.Reader) (Message, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Message{}, qerr.Wrap(qerr.KindIO, err, "read raft frame header")
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > 64<<20 {
		return Message{}, qerr.New(qerr.KindNetworkCapacityExceeded, "raft frame of %d bytes", n)
	}
	raw := make([]byte, n)
	if _, err := io.ReadFull(r, raw); err != nil {
		return Message{}, qerr.Wrap(qerr.KindIO, err, "read raft frame body")
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, qerr.Wrap(qerr.KindIO, err, "decode raft frame")
	}
	return msg, nil
}
