package quantadb

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenExecClose(t *testing.T) {
	qdb, err := Open(t.TempDir(), Options{})
	require.NoError(t, err)
	defer qdb.Close()

	sess := qdb.Session()
	ctx := context.Background()

	_, err = sess.Exec(ctx, `CREATE TABLE notes (id INTEGER PRIMARY KEY AUTO_INCREMENT, body TEXT)`)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err = sess.Exec(ctx, fmt.Sprintf(`INSERT INTO notes(body) VALUES ('note %d')`, i))
		require.NoError(t, err)
	}

	res, err := sess.Exec(ctx, `SELECT COUNT(*) FROM notes`)
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.Rows[0][0].Int)

	res, err = sess.Exec(ctx, `SELECT body FROM notes WHERE id = 3`)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "note 2", res.Rows[0][0].Text)
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	qdb, err := Open(dir, Options{SyncMode: SyncCommit})
	require.NoError(t, err)
	sess := qdb.Session()
	_, err = sess.Exec(context.Background(), `CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)`)
	require.NoError(t, err)
	_, err = sess.Exec(context.Background(), `INSERT INTO t(id, v) VALUES (1, 'persisted')`)
	require.NoError(t, err)
	require.NoError(t, qdb.Close())

	qdb2, err := Open(dir, Options{SyncMode: SyncCommit})
	require.NoError(t, err)
	defer qdb2.Close()
	res, err := qdb2.Session().Exec(context.Background(), `SELECT v FROM t WHERE id = 1`)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "persisted", res.Rows[0][0].Text)
}
