// Package raft implements the consensus core for QuantaDB clusters:
// leader election with optional pre-vote, log replication, commitment,
// snapshots with chunked transfer, and an optional leader lease for
// low-latency local reads.
package raft

import (
	"encoding/binary"
	"encoding/json"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/quantadb/quantadb/internal/qerr"
)

// NodeID identifies a cluster member. Zero is invalid.
type NodeID uint64

// Entry is one replicated log record. Commands are opaque bytes; the state
// machine interprets them.
type Entry struct {
	Index   uint64 `json:"index"`
	Term    uint64 `json:"term"`
	Command []byte `json:"command"`
}

// SnapshotMeta describes a state-machine snapshot.
type SnapshotMeta struct {
	LastIndex uint64 `json:"last_index"`
	LastTerm  uint64 `json:"last_term"`
}

// Storage persists the raft hard state, the log, and snapshots.
type Storage interface {
	// InitialState loads the persisted term and vote.
	InitialState() (term uint64, votedFor NodeID, err error)
	// SetState durably records term and vote before any message that
	// depends on them is sent.
	SetState(term uint64, votedFor NodeID) error

	Append(entries []Entry) error
	// Entry returns the log entry at index (FirstIndex ≤ index ≤ LastIndex).
	Entry(index uint64) (Entry, error)
	FirstIndex() (uint64, error)
	LastIndex() (uint64, error)
	// TruncateSuffix removes entries with index ≥ from (conflict repair).
	TruncateSuffix(from uint64) error
	// TruncatePrefix removes entries with index ≤ through (post-snapshot).
	TruncatePrefix(through uint64) error

	SaveSnapshot(meta SnapshotMeta, data []byte) error
	LoadSnapshot() (SnapshotMeta, []byte, error)
}

// ─── bbolt-backed storage ──────────────────────────────────────────────────

var (
	bucketState    = []byte("state")
	bucketLog      = []byte("log")
	bucketSnapshot = []byte("snapshot")

	keyTerm     = []byte("term")
	keyVotedFor = []byte("voted_for")
	keySnapMeta = []byte("meta")
	keySnapData = []byte("data")
)

// BoltStorage keeps raft state in a bbolt file.
type BoltStorage struct {
	db *bolt.DB
}

// OpenBoltStorage opens (or creates) the store at path.
func OpenBoltStorage(path string) (*BoltStorage, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, qerr.Wrap(qerr.KindIO, err, "open raft store")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketState, bucketLog, bucketSnapshot} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, qerr.Wrap(qerr.KindIO, err, "init raft store")
	}
	return &BoltStorage{db: db}, nil
}

// Close releases the underlying file.
func (s *BoltStorage) Close() error { return s.db.Close() }

func u64b(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func (s *BoltStorage) InitialState() (uint64, NodeID, error) {
	var term uint64
	var voted NodeID
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketState)
		if v := b.Get(keyTerm); v != nil {
			term = binary.BigEndian.Uint64(v)
		}
		if v := b.Get(keyVotedFor); v != nil {
			voted = NodeID(binary.BigEndian.Uint64(v))
		}
		return nil
	})
	return term, voted, err
}

func (s *BoltStorage) SetState(term uint64, votedFor NodeID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketState)
		if err := b.Put(keyTerm, u64b(term)); err != nil {
			return err
		}
		return b.Put(keyVotedFor, u64b(uint64(votedFor)))
	})
}

func (s *BoltStorage) Append(entries []Entry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLog)
		for _, e := range entries {
			raw, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := b.Put(u64b(e.Index), raw); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStorage) Entry(index uint64) (Entry, error) {
	var e Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketLog).Get(u64b(index))
		if raw == nil {
			return qerr.New(qerr.KindIO, "no raft entry at %d", index)
		}
		return json.Unmarshal(raw, &e)
	})
	return e, err
}

func (s *BoltStorage) FirstIndex() (uint64, error) {
	var idx uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		k, _ := tx.Bucket(bucketLog).Cursor().First()
		if k != nil {
			idx = binary.BigEndian.Uint64(k)
		}
		return nil
	})
	return idx, err
}

func (s *BoltStorage) LastIndex() (uint64, error) {
	var idx uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		k, _ := tx.Bucket(bucketLog).Cursor().Last()
		if k != nil {
			idx = binary.BigEndian.Uint64(k)
		}
		return nil
	})
	return idx, err
}

func (s *BoltStorage) TruncateSuffix(from uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketLog).Cursor()
		for k, _ := c.Seek(u64b(from)); k != nil; k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStorage) TruncatePrefix(through uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketLog).Cursor()
		for k, _ := c.First(); k != nil && binary.BigEndian.Uint64(k) <= through; k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStorage) SaveSnapshot(meta SnapshotMeta, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshot)
		raw, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		if err := b.Put(keySnapMeta, raw); err != nil {
			return err
		}
		return b.Put(keySnapData, data)
	})
}

func (s *BoltStorage) LoadSnapshot() (SnapshotMeta, []byte, error) {
	var meta SnapshotMeta
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshot)
		if raw := b.Get(keySnapMeta); raw != nil {
			if err := json.Unmarshal(raw, &meta); err != nil {
				return err
			}
		}
		if raw := b.Get(keySnapData); raw != nil {
			data = append([]byte(nil), raw...)
		}
		return nil
	})
	return meta, data, err
}

// ─── In-memory storage (tests, ephemeral members) ──────────────────────────

// MemoryStorage is a Storage kept entirely in memory.
type MemoryStorage struct {
	mu       sync.Mutex
	term     uint64
	votedFor NodeID
	entries  map[uint64]Entry
	first    uint64
	last     uint64
	snapMeta SnapshotMeta
	snapData []byte
}

// NewMemoryStorage returns an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{entries: make(map[uint64]Entry)}
}

func (s *MemoryStorage) InitialState() (uint64, NodeID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.term, s.votedFor, nil
}

func (s *MemoryStorage) SetState(term uint64, votedFor NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.term, s.votedFor = term, votedFor
	return nil
}

func (s *MemoryStorage) Append(entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.entries[e.Index] = e
		if s.first == 0 || e.Index < s.first {
			s.first = e.Index
		}
		if e.Index > s.last {
			s.last = e.Index
		}
	}
	return nil
}

func (s *MemoryStorage) Entry(index uint64) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[index]
	if !ok {
		return Entry{}, qerr.New(qerr.KindIO, "no raft entry at %d", index)
	}
	return e, nil
}

func (s *MemoryStorage) FirstIndex() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.first, nil
}

func (s *MemoryStorage) LastIndex() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, nil
}

func (s *MemoryStorage) TruncateSuffix(from uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := from; i <= s.last; i++ {
		delete(s.entries, i)
	}
	if from > 0 {
		s.last = from - 1
	}
	if s.last < s.first {
		s.first, s.last = 0, 0
	}
	return nil
}

func (s *MemoryStorage) TruncatePrefix(through uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := s.first; i <= through && i != 0; i++ {
		delete(s.entries, i)
	}
	s.first = through + 1
	if s.first > s.last {
		s.first, s.last = 0, 0
	}
	return nil
}

func (s *MemoryStorage) SaveSnapshot(meta SnapshotMeta, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapMeta = meta
	s.snapData = append([]byte(nil), data...)
	return nil
}

func (s *MemoryStorage) LoadSnapshot() (SnapshotMeta, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapMeta, append([]byte(nil), s.snapData...), nil
}
