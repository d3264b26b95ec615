// Package txn implements transaction lifecycle, isolation via two-phase
// locking, savepoints, and deadlock detection over the pager's WAL
// machinery.
package txn

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/quantadb/quantadb/internal/log"
	"github.com/quantadb/quantadb/internal/qerr"
	"github.com/quantadb/quantadb/internal/storage/pager"
)

// Isolation selects the concurrency discipline of a transaction.
type Isolation int

const (
	ReadUncommitted Isolation = iota
	ReadCommitted
	RepeatableRead
	Serializable
)

func (i Isolation) String() string {
	switch i {
	case ReadUncommitted:
		return "READ UNCOMMITTED"
	case ReadCommitted:
		return "READ COMMITTED"
	case RepeatableRead:
		return "REPEATABLE READ"
	default:
		return "SERIALIZABLE"
	}
}

// ParseIsolation maps SQL isolation names to levels.
func ParseIsolation(s string) (Isolation, bool) {
	switch strings.ToUpper(strings.Join(strings.Fields(s), " ")) {
	case "READ UNCOMMITTED":
		return ReadUncommitted, true
	case "READ COMMITTED":
		return ReadCommitted, true
	case "REPEATABLE READ":
		return RepeatableRead, true
	case "SERIALIZABLE":
		return Serializable, true
	default:
		return 0, false
	}
}

// State is the transaction lifecycle state.
type State int

const (
	StateActive State = iota
	StateCommitted
	StateAborted
)

type savepoint struct {
	name string
	lsn  pager.LSN
}

// Tx is one transaction.
type Tx struct {
	id  pager.TxID
	iso Isolation
	mgr *Manager

	mu         sync.Mutex
	state      State
	poisoned   bool
	savepoints []savepoint
}

// Manager owns transaction lifecycle and the lock table.
type Manager struct {
	p      *pager.Pager
	locks  *lockManager
	logger zerolog.Logger

	mu     sync.Mutex
	active map[pager.TxID]*Tx
}

// NewManager builds a transaction manager over a recovered pager.
func NewManager(p *pager.Pager) *Manager {
	return &Manager{
		p:      p,
		locks:  newLockManager(),
		logger: log.WithComponent("txn"),
		active: make(map[pager.TxID]*Tx),
	}
}

// Begin starts a transaction at the given isolation level.
func (m *Manager) Begin(iso Isolation) (*Tx, error) {
	id, err := m.p.BeginTx()
	if err != nil {
		return nil, err
	}
	tx := &Tx{id: id, iso: iso, mgr: m}
	m.mu.Lock()
	m.active[id] = tx
	m.mu.Unlock()
	return tx, nil
}

// ActiveCount returns the number of open transactions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

func (m *Manager) finish(tx *Tx) {
	m.mu.Lock()
	delete(m.active, tx.id)
	m.mu.Unlock()
	m.locks.ReleaseAll(tx.id)
}

// ID returns the transaction id.
func (t *Tx) ID() pager.TxID { return t.id }

// Isolation returns the transaction's isolation level.
func (t *Tx) Isolation() Isolation { return t.iso }

// State returns the lifecycle state.
func (t *Tx) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Usable returns TransactionAborted once a statement error has poisoned the
// transaction; every later statement must fail until a rollback.
func (t *Tx) Usable() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateActive {
		return qerr.New(qerr.KindNoActiveTransaction, "transaction %d is finished", t.id)
	}
	if t.poisoned {
		return qerr.New(qerr.KindTransactionAborted,
			"transaction %d aborted; ROLLBACK (or ROLLBACK TO a savepoint) required", t.id)
	}
	return nil
}

// Poison marks the transaction failed after a statement error.
func (t *Tx) Poison() {
	t.mu.Lock()
	t.poisoned = true
	t.mu.Unlock()
}

// Commit makes the transaction durable. A poisoned transaction cannot
// commit; it is rolled back and TransactionAborted is returned.
func (t *Tx) Commit() error {
	t.mu.Lock()
	if t.state != StateActive {
		t.mu.Unlock()
		return qerr.New(qerr.KindNoActiveTransaction, "transaction %d is finished", t.id)
	}
	if t.poisoned {
		t.mu.Unlock()
		if err := t.Abort(); err != nil {
			return err
		}
		return qerr.New(qerr.KindTransactionAborted, "transaction %d rolled back instead of committed", t.id)
	}
	t.state = StateCommitted
	t.mu.Unlock()

	if err := t.mgr.p.CommitTx(t.id); err != nil {
		return err
	}
	t.mgr.finish(t)
	return nil
}

// Abort rolls back every update and releases all locks.
func (t *Tx) Abort() error {
	t.mu.Lock()
	if t.state != StateActive {
		t.mu.Unlock()
		return qerr.New(qerr.KindNoActiveTransaction, "transaction %d is finished", t.id)
	}
	t.state = StateAborted
	t.mu.Unlock()

	if err := t.mgr.p.AbortTx(t.id); err != nil {
		return err
	}
	t.mgr.finish(t)
	return nil
}

// ─── Savepoints ────────────────────────────────────────────────────────────

// Savepoint records a named rollback target. Re-using a name moves it.
func (t *Tx) Savepoint(name string) error {
	if err := t.Usable(); err != nil {
		return err
	}
	lsn, err := t.mgr.p.SavepointTx(t.id, name)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.savepoints {
		if t.savepoints[i].name == name {
			t.savepoints[i].lsn = lsn
			t.savepoints = t.savepoints[:i+1]
			return nil
		}
	}
	t.savepoints = append(t.savepoints, savepoint{name: name, lsn: lsn})
	return nil
}

// RollbackTo undoes work past the named savepoint, leaving the transaction
// open and the savepoint valid. Also clears statement poisoning.
func (t *Tx) RollbackTo(name string) error {
	t.mu.Lock()
	if t.state != StateActive {
		t.mu.Unlock()
		return qerr.New(qerr.KindNoActiveTransaction, "transaction %d is finished", t.id)
	}
	idx := -1
	for i := range t.savepoints {
		if t.savepoints[i].name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		t.mu.Unlock()
		return qerr.New(qerr.KindSavepointNotFound, "savepoint %q", name)
	}
	target := t.savepoints[idx].lsn
	// Later savepoints die; the target survives (idempotent rollback).
	t.savepoints = t.savepoints[:idx+1]
	t.poisoned = false
	t.mu.Unlock()

	return t.mgr.p.RollbackToSavepoint(t.id, name, target)
}

// Release discards a savepoint without rolling back.
func (t *Tx) Release(name string) error {
	if err := t.Usable(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.savepoints {
		if t.savepoints[i].name == name {
			t.savepoints = append(t.savepoints[:i], t.savepoints[i+1:]...)
			return nil
		}
	}
	return qerr.New(qerr.KindSavepointNotFound, "savepoint %q", name)
}

// ─── Locking hooks for the executor ────────────────────────────────────────

// LockForWrite takes an exclusive row lock; all isolation levels write-lock.
func (t *Tx) LockForWrite(ctx context.Context, tbl, key string) error {
	return t.mgr.locks.Acquire(ctx, t.id, LockKey{Table: tbl, Key: key}, LockExclusive)
}

// LockForRead takes a shared row lock per the isolation level.
// ReadUncommitted skips shared locks entirely (it still takes the intent
// table lock through LockTable).
func (t *Tx) LockForRead(ctx context.Context, tbl, key string) error {
	if t.iso == ReadUncommitted {
		return nil
	}
	return t.mgr.locks.Acquire(ctx, t.id, LockKey{Table: tbl, Key: key}, LockShared)
}

// LockTable takes a whole-table lock (exclusive for DDL, shared intent
// otherwise).
func (t *Tx) LockTable(ctx context.Context, tbl string, exclusive bool) error {
	mode := LockShared
	if exclusive {
		mode = LockExclusive
	}
	return t.mgr.locks.Acquire(ctx, t.id, LockKey{Table: tbl}, mode)
}

// EndStatement applies statement-boundary lock release: ReadCommitted drops
// its read locks here.
func (t *Tx) EndStatement() {
	if t.iso == ReadCommitted || t.iso == ReadUncommitted {
		t.mgr.locks.ReleaseShared(t.id)
	}
}
