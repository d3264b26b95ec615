package txn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantadb/quantadb/internal/qerr"
	"github.com/quantadb/quantadb/internal/storage/pager"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	p, err := pager.Open(pager.Config{Dir: t.TempDir(), Sync: pager.SyncCommit})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return NewManager(p)
}

func TestBeginCommitLifecycle(t *testing.T) {
	m := newTestManager(t)
	tx, err := m.Begin(ReadCommitted)
	require.NoError(t, err)
	assert.Equal(t, StateActive, tx.State())
	assert.Equal(t, 1, m.ActiveCount())

	require.NoError(t, tx.Commit())
	assert.Equal(t, StateCommitted, tx.State())
	assert.Zero(t, m.ActiveCount())

	// Double commit is NoActiveTransaction.
	err = tx.Commit()
	require.Error(t, err)
	assert.True(t, qerr.Is(err, qerr.KindNoActiveTransaction))
}

func TestPoisonedTransaction(t *testing.T) {
	m := newTestManager(t)
	tx, err := m.Begin(Serializable)
	require.NoError(t, err)

	tx.Poison()
	err = tx.Usable()
	require.Error(t, err)
	assert.True(t, qerr.Is(err, qerr.KindTransactionAborted))

	// Commit of a poisoned tx rolls back.
	err = tx.Commit()
	require.Error(t, err)
	assert.True(t, qerr.Is(err, qerr.KindTransactionAborted))
	assert.Equal(t, StateAborted, tx.State())
}

func TestSavepointLifecycle(t *testing.T) {
	m := newTestManager(t)
	tx, err := m.Begin(Serializable)
	require.NoError(t, err)
	defer tx.Abort()

	require.NoError(t, tx.Savepoint("s1"))
	require.NoError(t, tx.Savepoint("s2"))

	// Rolling back to s1 kills s2 but keeps s1.
	require.NoError(t, tx.RollbackTo("s1"))
	require.NoError(t, tx.RollbackTo("s1")) // idempotent
	err = tx.RollbackTo("s2")
	require.Error(t, err)
	assert.True(t, qerr.Is(err, qerr.KindSavepointNotFound))

	require.NoError(t, tx.Release("s1"))
	err = tx.Release("s1")
	require.Error(t, err)
	assert.True(t, qerr.Is(err, qerr.KindSavepointNotFound))
}

func TestRollbackToClearsPoison(t *testing.T) {
	m := newTestManager(t)
	tx, err := m.Begin(Serializable)
	require.NoError(t, err)
	defer tx.Abort()

	require.NoError(t, tx.Savepoint("s1"))
	tx.Poison()
	require.Error(t, tx.Usable())

	require.NoError(t, tx.RollbackTo("s1"))
	assert.NoError(t, tx.Usable())
}

func TestSharedLocksCoexistExclusiveBlocks(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	t1, err := m.Begin(RepeatableRead)
	require.NoError(t, err)
	t2, err := m.Begin(RepeatableRead)
	require.NoError(t, err)

	require.NoError(t, t1.LockForRead(ctx, "t", "k"))
	require.NoError(t, t2.LockForRead(ctx, "t", "k"))

	// Exclusive must wait for both readers.
	t3, err := m.Begin(RepeatableRead)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- t3.LockForWrite(ctx, "t", "k") }()

	select {
	case <-done:
		t.Fatal("exclusive lock granted while shared locks held")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, t1.Commit())
	require.NoError(t, t2.Commit())
	require.NoError(t, <-done)
	require.NoError(t, t3.Commit())
}

func TestReadUncommittedSkipsSharedLocks(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	writer, err := m.Begin(Serializable)
	require.NoError(t, err)
	require.NoError(t, writer.LockForWrite(ctx, "t", "k"))

	dirty, err := m.Begin(ReadUncommitted)
	require.NoError(t, err)
	// Would block under any other level; returns immediately here.
	require.NoError(t, dirty.LockForRead(ctx, "t", "k"))
	require.NoError(t, dirty.Commit())
	require.NoError(t, writer.Commit())
}

func TestReadCommittedReleasesAtStatementEnd(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	reader, err := m.Begin(ReadCommitted)
	require.NoError(t, err)
	require.NoError(t, reader.LockForRead(ctx, "t", "k"))
	reader.EndStatement()

	writer, err := m.Begin(ReadCommitted)
	require.NoError(t, err)
	cctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	require.NoError(t, writer.LockForWrite(cctx, "t", "k"))
	require.NoError(t, writer.Commit())
	require.NoError(t, reader.Commit())
}

func TestDeadlockVictimIsYoungest(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	older, err := m.Begin(Serializable)
	require.NoError(t, err)
	younger, err := m.Begin(Serializable)
	require.NoError(t, err)
	require.Greater(t, uint64(younger.ID()), uint64(older.ID()))

	require.NoError(t, older.LockForWrite(ctx, "t", "a"))
	require.NoError(t, younger.LockForWrite(ctx, "t", "b"))

	var wg sync.WaitGroup
	var olderErr, youngerErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		olderErr = older.LockForWrite(ctx, "t", "b")
	}()
	time.Sleep(50 * time.Millisecond) // let the older request queue first
	go func() {
		defer wg.Done()
		youngerErr = younger.LockForWrite(ctx, "t", "a")
	}()
	wg.Wait()

	// Exactly the younger transaction dies.
	require.Error(t, youngerErr)
	assert.True(t, qerr.Is(youngerErr, qerr.KindDeadlock))
	require.NoError(t, younger.Abort())
	require.NoError(t, olderErr)
	require.NoError(t, older.Commit())
}

func TestLockTimeout(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	holder, err := m.Begin(Serializable)
	require.NoError(t, err)
	require.NoError(t, holder.LockForWrite(ctx, "t", "k"))

	blocked, err := m.Begin(Serializable)
	require.NoError(t, err)
	tctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err = blocked.LockForWrite(tctx, "t", "k")
	require.Error(t, err)
	assert.True(t, qerr.Is(err, qerr.KindTimeout))
	require.NoError(t, blocked.Abort())
	require.NoError(t, holder.Commit())
}
