package table

import (
	"sync"
	"time"
)

// snowflakeGen issues sortable 63-bit ids:
// 41 bits of milliseconds since epoch, 10 bits of node id, 12 bits of
// per-millisecond sequence.
type snowflakeGen struct {
	mu     sync.Mutex
	node   uint64
	lastMs int64
	seq    uint64
}

// snowflakeEpoch anchors the timestamp field (2024-01-01T00:00:00Z).
const snowflakeEpoch = int64(1704067200000)

func newSnowflakeGen(node uint64) *snowflakeGen {
	return &snowflakeGen{node: node & 0x3FF}
}

func (g *snowflakeGen) setNode(node uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.node = node & 0x3FF
}

func (g *snowflakeGen) next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	ms := time.Now().UnixMilli() - snowflakeEpoch
	if ms == g.lastMs {
		g.seq++
		if g.seq >= 1<<12 {
			for ms <= g.lastMs {
				ms = time.Now().UnixMilli() - snowflakeEpoch
			}
			g.seq = 0
		}
	} else {
		g.seq = 0
	}
	g.lastMs = ms
	return (ms << 22) | int64(g.node<<12) | int64(g.seq)
}
