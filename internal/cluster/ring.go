// Package cluster wraps the raft core with membership, consistent-hash
// shard placement, discovery, health checking, and rolling upgrades.
package cluster

import (
	"fmt"
	"hash/crc32"
	"sort"
	"sync"

	"github.com/quantadb/quantadb/internal/cluster/raft"
)

// ───────────────────────────────────────────────────────────────────────────
// Consistent-hash ring
// ───────────────────────────────────────────────────────────────────────────
//
// Each physical node projects VirtualNodes points onto a 32-bit ring; a key
// hashes to a point and walks clockwise collecting the next R distinct
// physical nodes. Virtual nodes smooth the distribution so a membership
// change only remaps a 1/n slice of the key space.

// Ring places keys on nodes.
type Ring struct {
	mu           sync.RWMutex
	virtualNodes int
	points       []ringPoint // sorted by hash
	nodes        map[raft.NodeID]bool
}

type ringPoint struct {
	hash uint32
	node raft.NodeID
}

// NewRing creates an empty ring with the given virtual-node count per
// member (default 150).
func NewRing(virtualNodes int) *Ring {
	if virtualNodes <= 0 {
		virtualNodes = 150
	}
	return &Ring{
		virtualNodes: virtualNodes,
		nodes:        make(map[raft.NodeID]bool),
	}
}

func ringHash(data string) uint32 {
	return crc32.Checksum([]byte(data), crc32.MakeTable(crc32.Castagnoli))
}

// AddNode projects a member onto the ring. Idempotent.
func (r *Ring) AddNode(id raft.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.nodes[id] {
		return
	}
	r.nodes[id] = true
	for v := 0; v < r.virtualNodes; v++ {
		r.points = append(r.points, ringPoint{
			hash: ringHash(fmt.Sprintf("%d#%d", id, v)),
			node: id,
		})
	}
	sort.Slice(r.points, func(i, j int) bool { return r.points[i].hash < r.points[j].hash })
}

// RemoveNode removes a member and its virtual nodes.
func (r *Ring) RemoveNode(id raft.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.nodes[id] {
		return
	}
	delete(r.nodes, id)
	kept := r.points[:0]
	for _, p := range r.points {
		if p.node != id {
			kept = append(kept, p)
		}
	}
	r.points = kept
}

// Nodes returns the current members.
func (r *Ring) Nodes() []raft.NodeID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]raft.NodeID, 0, len(r.nodes))
	for id := range r.nodes {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Size returns the member count.
func (r *Ring) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// Locate returns the R distinct physical nodes responsible for key,
// clockwise from the key's ring position. Fewer than R members yields all
// of them.
func (r *Ring) Locate(key string, replicas int) []raft.NodeID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.points) == 0 || replicas <= 0 {
		return nil
	}
	if replicas > len(r.nodes) {
		replicas = len(r.nodes)
	}
	h := ringHash(key)
	start := sort.Search(len(r.points), func(i int) bool { return r.points[i].hash >= h })
	seen := make(map[raft.NodeID]bool, replicas)
	var out []raft.NodeID
	for i := 0; len(out) < replicas && i < len(r.points); i++ {
		p := r.points[(start+i)%len(r.points)]
		if !seen[p.node] {
			seen[p.node] = true
			out = append(out, p.node)
		}
	}
	return out
}

// Primary returns the first replica for key.
func (r *Ring) Primary(key string) (raft.NodeID, bool) {
	nodes := r.Locate(key, 1)
	if len(nodes) == 0 {
		return 0, false
	}
	return nodes[0], true
}
