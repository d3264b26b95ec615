package txn

import (
	"context"
	"sort"
	"sync"

	"github.com/quantadb/quantadb/internal/metrics"
	"github.com/quantadb/quantadb/internal/qerr"
	"github.com/quantadb/quantadb/internal/storage/pager"
)

// ───────────────────────────────────────────────────────────────────────────
// Lock manager
// ───────────────────────────────────────────────────────────────────────────
//
// Row and index-entry locks keyed by (table, key). Shared locks are
// compatible with shared; exclusive conflicts with everything. A blocked
// request adds waits-for edges; a cycle selects the youngest transaction
// (highest TxID) as the deadlock victim. Callers acquire locks in canonical
// (table, key) order to keep most executions cycle-free; detection handles
// the remainder.

// LockKey addresses one lockable resource. Key "" locks the whole table.
type LockKey struct {
	Table string
	Key   string
}

// LockMode is shared or exclusive.
type LockMode int

const (
	LockShared LockMode = iota
	LockExclusive
)

type waiter struct {
	tx   pager.TxID
	mode LockMode
	ch   chan error
}

type lockState struct {
	holders map[pager.TxID]LockMode
	waiters []*waiter
}

type lockManager struct {
	mu    sync.Mutex
	locks map[LockKey]*lockState
	// held[tx] is the set of keys tx currently holds, for release.
	held map[pager.TxID]map[LockKey]LockMode
}

func newLockManager() *lockManager {
	return &lockManager{
		locks: make(map[LockKey]*lockState),
		held:  make(map[pager.TxID]map[LockKey]LockMode),
	}
}

// compatible reports whether tx may take mode on st right now.
func compatible(st *lockState, tx pager.TxID, mode LockMode) bool {
	for holder, hm := range st.holders {
		if holder == tx {
			continue
		}
		if mode == LockExclusive || hm == LockExclusive {
			return false
		}
	}
	return true
}

// Acquire takes (or upgrades) a lock, blocking until granted, cancelled,
// or chosen as a deadlock victim.
func (lm *lockManager) Acquire(ctx context.Context, tx pager.TxID, key LockKey, mode LockMode) error {
	lm.mu.Lock()
	st, ok := lm.locks[key]
	if !ok {
		st = &lockState{holders: make(map[pager.TxID]LockMode)}
		lm.locks[key] = st
	}
	if cur, holds := st.holders[tx]; holds && cur >= mode {
		lm.mu.Unlock()
		return nil // already held at sufficient strength
	}
	if compatible(st, tx, mode) {
		lm.grant(st, tx, key, mode)
		lm.mu.Unlock()
		return nil
	}

	w := &waiter{tx: tx, mode: mode, ch: make(chan error, 1)}
	st.waiters = append(st.waiters, w)

	// Deadlock check: does adding tx's edges close a cycle?
	if victim, found := lm.findVictim(tx); found {
		if victim == tx {
			lm.removeWaiter(st, w)
			lm.mu.Unlock()
			metrics.Deadlocks.Inc()
			return qerr.New(qerr.KindDeadlock, "transaction %d selected as deadlock victim", tx)
		}
		lm.killWaiter(victim)
	}
	lm.mu.Unlock()

	select {
	case err := <-w.ch:
		return err
	case <-ctx.Done():
		lm.mu.Lock()
		lm.removeWaiter(st, w)
		lm.mu.Unlock()
		// A grant may have raced the cancellation.
		select {
		case err := <-w.ch:
			return err
		default:
		}
		if ctx.Err() == context.DeadlineExceeded {
			return qerr.Wrap(qerr.KindTimeout, ctx.Err(), "lock %s/%q", key.Table, key.Key)
		}
		return qerr.Wrap(qerr.KindCancelled, ctx.Err(), "lock %s/%q", key.Table, key.Key)
	}
}

// grant records tx as holder. Caller holds lm.mu.
func (lm *lockManager) grant(st *lockState, tx pager.TxID, key LockKey, mode LockMode) {
	if cur, ok := st.holders[tx]; !ok || mode > cur {
		st.holders[tx] = mode
	}
	hm, ok := lm.held[tx]
	if !ok {
		hm = make(map[LockKey]LockMode)
		lm.held[tx] = hm
	}
	if cur, ok := hm[key]; !ok || mode > cur {
		hm[key] = mode
	}
}

func (lm *lockManager) removeWaiter(st *lockState, w *waiter) {
	for i, x := range st.waiters {
		if x == w {
			st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
			return
		}
	}
}

// killWaiter delivers a Deadlock error to every pending wait of victim.
// Caller holds lm.mu.
func (lm *lockManager) killWaiter(victim pager.TxID) {
	metrics.Deadlocks.Inc()
	for _, st := range lm.locks {
		for i := 0; i < len(st.waiters); {
			w := st.waiters[i]
			if w.tx == victim {
				st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
				w.ch <- qerr.New(qerr.KindDeadlock, "transaction %d selected as deadlock victim", victim)
				continue
			}
			i++
		}
	}
}

// waitsForEdges builds the current waits-for adjacency. Caller holds lm.mu.
func (lm *lockManager) waitsForEdges() map[pager.TxID]map[pager.TxID]bool {
	edges := make(map[pager.TxID]map[pager.TxID]bool)
	for _, st := range lm.locks {
		for _, w := range st.waiters {
			for holder := range st.holders {
				if holder == w.tx {
					continue
				}
				if edges[w.tx] == nil {
					edges[w.tx] = make(map[pager.TxID]bool)
				}
				edges[w.tx][holder] = true
			}
		}
	}
	return edges
}

// findVictim looks for a cycle reachable from start and returns the
// youngest (highest TxID) transaction in it.
func (lm *lockManager) findVictim(start pager.TxID) (pager.TxID, bool) {
	edges := lm.waitsForEdges()
	var stack []pager.TxID
	onStack := make(map[pager.TxID]int)
	var cycle []pager.TxID

	var dfs func(tx pager.TxID) bool
	dfs = func(tx pager.TxID) bool {
		if pos, ok := onStack[tx]; ok {
			cycle = append([]pager.TxID(nil), stack[pos:]...)
			return true
		}
		onStack[tx] = len(stack)
		stack = append(stack, tx)
		next := make([]pager.TxID, 0, len(edges[tx]))
		for n := range edges[tx] {
			next = append(next, n)
		}
		sort.Slice(next, func(i, j int) bool { return next[i] < next[j] })
		for _, n := range next {
			if dfs(n) {
				return true
			}
		}
		stack = stack[:len(stack)-1]
		delete(onStack, tx)
		return false
	}
	if !dfs(start) {
		return 0, false
	}
	victim := cycle[0]
	for _, tx := range cycle {
		if tx > victim {
			victim = tx
		}
	}
	return victim, true
}

// ReleaseAll frees every lock tx holds and wakes compatible waiters.
func (lm *lockManager) ReleaseAll(tx pager.TxID) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	for key := range lm.held[tx] {
		lm.releaseOne(tx, key)
	}
	delete(lm.held, tx)
}

// ReleaseShared frees only tx's shared locks (statement-boundary release
// for ReadCommitted).
func (lm *lockManager) ReleaseShared(tx pager.TxID) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	for key, mode := range lm.held[tx] {
		if mode == LockShared {
			lm.releaseOne(tx, key)
			delete(lm.held[tx], key)
		}
	}
}

// releaseOne drops tx's hold on key and promotes waiters. Caller holds lm.mu.
func (lm *lockManager) releaseOne(tx pager.TxID, key LockKey) {
	st, ok := lm.locks[key]
	if !ok {
		return
	}
	delete(st.holders, tx)
	// Wake waiters in arrival order while they stay compatible.
	for len(st.waiters) > 0 {
		w := st.waiters[0]
		if !compatible(st, w.tx, w.mode) {
			break
		}
		st.waiters = st.waiters[1:]
		lm.grant(st, w.tx, key, w.mode)
		w.ch <- nil
	}
	if len(st.holders) == 0 && len(st.waiters) == 0 {
		delete(lm.locks, key)
	}
}
