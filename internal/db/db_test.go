package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantadb/quantadb/internal/qerr"
	"github.com/quantadb/quantadb/internal/storage/pager"
)

func openDB(t *testing.T, dir string) *DB {
	t.Helper()
	d, err := Open(dir, Options{Sync: pager.SyncCommit})
	require.NoError(t, err)
	return d
}

func mustExec(t *testing.T, s *Session, text string) {
	t.Helper()
	_, err := s.Exec(context.Background(), text)
	require.NoError(t, err, "sql: %s", text)
}

func queryText(t *testing.T, s *Session, text string) [][]string {
	t.Helper()
	res, err := s.Exec(context.Background(), text)
	require.NoError(t, err, "sql: %s", text)
	var out [][]string
	for _, row := range res.Rows {
		var r []string
		for _, v := range row {
			r = append(r, v.String())
		}
		out = append(out, r)
	}
	return out
}

func TestCrashAfterDurableCommit(t *testing.T) {
	dir := t.TempDir()
	d := openDB(t, dir)
	s := d.Session()
	mustExec(t, s, `CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)`)
	mustExec(t, s, `BEGIN`)
	mustExec(t, s, `INSERT INTO t(id, v) VALUES (1, 'a')`)
	mustExec(t, s, `COMMIT`)
	// Crash: the process dies without flushing pages or checkpointing.
	// (The handle is abandoned, not closed.)

	d2 := openDB(t, dir)
	defer d2.Close()
	rows := queryText(t, d2.Session(), `SELECT v FROM t WHERE id = 1`)
	require.Len(t, rows, 1)
	assert.Equal(t, "a", rows[0][0])
}

func TestCrashBeforeCommitRollsBack(t *testing.T) {
	dir := t.TempDir()
	d := openDB(t, dir)
	s := d.Session()
	mustExec(t, s, `CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)`)
	mustExec(t, s, `BEGIN`)
	mustExec(t, s, `INSERT INTO t(id, v) VALUES (2, 'b')`)
	// The update reached the WAL but no COMMIT did.
	require.NoError(t, d.Pager().WAL().Sync())

	d2 := openDB(t, dir)
	defer d2.Close()
	rows := queryText(t, d2.Session(), `SELECT * FROM t WHERE id = 2`)
	assert.Empty(t, rows)
}

func TestSavepointScenario(t *testing.T) {
	d := openDB(t, t.TempDir())
	defer d.Close()
	s := d.Session()
	mustExec(t, s, `CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)`)

	mustExec(t, s, `BEGIN`)
	mustExec(t, s, `INSERT INTO t(id, v) VALUES (3, 'c')`)
	mustExec(t, s, `SAVEPOINT s1`)
	mustExec(t, s, `INSERT INTO t(id, v) VALUES (4, 'd')`)
	mustExec(t, s, `ROLLBACK TO SAVEPOINT s1`)
	// The savepoint survives its own rollback until RELEASE.
	mustExec(t, s, `ROLLBACK TO SAVEPOINT s1`)
	mustExec(t, s, `RELEASE SAVEPOINT s1`)
	_, err := s.Exec(context.Background(), `ROLLBACK TO SAVEPOINT s1`)
	require.Error(t, err)
	assert.True(t, qerr.Is(err, qerr.KindSavepointNotFound))
	mustExec(t, s, `COMMIT`)

	rows := queryText(t, s, `SELECT id FROM t ORDER BY id`)
	require.Len(t, rows, 1)
	assert.Equal(t, "3", rows[0][0])
}

func TestMultiRowInsertAtomicity(t *testing.T) {
	d := openDB(t, t.TempDir())
	defer d.Close()
	s := d.Session()
	mustExec(t, s, `CREATE TABLE logs (id INTEGER PRIMARY KEY AUTO_INCREMENT, msg TEXT)`)

	mustExec(t, s, `BEGIN`)
	mustExec(t, s, `INSERT INTO logs(msg) VALUES ('a'), ('b'), ('c')`)
	mustExec(t, s, `ROLLBACK`)

	rows := queryText(t, s, `SELECT COUNT(*) FROM logs`)
	assert.Equal(t, "0", rows[0][0])
}

func TestTransactionControlErrors(t *testing.T) {
	d := openDB(t, t.TempDir())
	defer d.Close()
	s := d.Session()
	mustExec(t, s, `CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)`)

	// COMMIT without BEGIN errors and does not advance the LSN.
	before := d.Pager().WAL().LastLSN()
	_, err := s.Exec(context.Background(), `COMMIT`)
	require.Error(t, err)
	assert.True(t, qerr.Is(err, qerr.KindNoActiveTransaction))
	assert.Equal(t, before, d.Pager().WAL().LastLSN())

	_, err = s.Exec(context.Background(), `ROLLBACK`)
	assert.True(t, qerr.Is(err, qerr.KindNoActiveTransaction))
	_, err = s.Exec(context.Background(), `SAVEPOINT x`)
	assert.True(t, qerr.Is(err, qerr.KindNoActiveTransaction))

	// Nested BEGIN.
	mustExec(t, s, `BEGIN`)
	_, err = s.Exec(context.Background(), `BEGIN`)
	require.Error(t, err)
	assert.True(t, qerr.Is(err, qerr.KindNestedTransaction))
	mustExec(t, s, `ROLLBACK`)
}

func TestStatementErrorPoisonsTransaction(t *testing.T) {
	d := openDB(t, t.TempDir())
	defer d.Close()
	s := d.Session()
	mustExec(t, s, `CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)`)

	mustExec(t, s, `BEGIN`)
	mustExec(t, s, `INSERT INTO t(id, v) VALUES (1, 'x')`)
	mustExec(t, s, `SAVEPOINT sp`)

	// Duplicate key poisons the transaction.
	_, err := s.Exec(context.Background(), `INSERT INTO t(id, v) VALUES (1, 'dup')`)
	require.Error(t, err)
	assert.True(t, qerr.Is(err, qerr.KindDuplicateKey))

	_, err = s.Exec(context.Background(), `SELECT * FROM t`)
	require.Error(t, err)
	assert.True(t, qerr.Is(err, qerr.KindTransactionAborted))

	// ROLLBACK TO a savepoint revives the transaction.
	mustExec(t, s, `ROLLBACK TO SAVEPOINT sp`)
	mustExec(t, s, `INSERT INTO t(id, v) VALUES (2, 'y')`)
	mustExec(t, s, `COMMIT`)

	rows := queryText(t, s, `SELECT id FROM t ORDER BY id`)
	require.Len(t, rows, 2)
}

func TestIsolationLevelSelection(t *testing.T) {
	d := openDB(t, t.TempDir())
	defer d.Close()
	s := d.Session()
	mustExec(t, s, `BEGIN TRANSACTION ISOLATION LEVEL SERIALIZABLE`)
	assert.True(t, s.InTransaction())
	mustExec(t, s, `COMMIT`)

	_, err := s.Exec(context.Background(), `BEGIN ISOLATION LEVEL SOMETHING ODD`)
	require.Error(t, err)
	assert.True(t, qerr.Is(err, qerr.KindParse))
	// A failed BEGIN leaves no transaction open.
	assert.False(t, s.InTransaction())
}

func TestAutocommitVisibilityAcrossSessions(t *testing.T) {
	d := openDB(t, t.TempDir())
	defer d.Close()
	a := d.Session()
	b := d.Session()
	mustExec(t, a, `CREATE TABLE kv (id INTEGER PRIMARY KEY AUTO_INCREMENT, v INT)`)
	for i := 0; i < 5; i++ {
		mustExec(t, a, fmt.Sprintf(`INSERT INTO kv(v) VALUES (%d)`, i))
	}
	rows := queryText(t, b, `SELECT COUNT(*) FROM kv`)
	assert.Equal(t, "5", rows[0][0])
}

func TestStreamQueryCursor(t *testing.T) {
	d := openDB(t, t.TempDir())
	defer d.Close()
	s := d.Session()
	mustExec(t, s, `CREATE TABLE n (id INTEGER PRIMARY KEY AUTO_INCREMENT, v INT)`)
	for i := 0; i < 7; i++ {
		mustExec(t, s, fmt.Sprintf(`INSERT INTO n(v) VALUES (%d)`, i))
	}
	cur, err := d.StreamQuery(context.Background(), `SELECT v FROM n ORDER BY v`)
	require.NoError(t, err)
	assert.Equal(t, []string{"v"}, cur.Columns())
	assert.Equal(t, 7, cur.Remaining())

	batch, err := cur.NextBatch(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	assert.Equal(t, int64(0), batch[0][0].Int)

	total := 3
	for {
		b, err := cur.NextBatch(context.Background(), 3)
		require.NoError(t, err)
		if b == nil {
			break
		}
		total += len(b)
	}
	assert.Equal(t, 7, total)
}
