package query

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantadb/quantadb/internal/qerr"
	"github.com/quantadb/quantadb/internal/sql"
	"github.com/quantadb/quantadb/internal/storage/pager"
	"github.com/quantadb/quantadb/internal/storage/table"
	"github.com/quantadb/quantadb/internal/txn"
)

type testDB struct {
	eng *Engine
	txm *txn.Manager
}

func newTestDB(t *testing.T) *testDB {
	t.Helper()
	dir := t.TempDir()
	p, err := pager.Open(pager.Config{Dir: dir, Sync: pager.SyncCommit})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	store, err := table.OpenStore(p, dir)
	require.NoError(t, err)
	return &testDB{eng: NewEngine(store), txm: txn.NewManager(p)}
}

// exec runs one statement in its own transaction (autocommit).
func (d *testDB) exec(t *testing.T, text string) *Result {
	t.Helper()
	res, err := d.tryExec(text)
	require.NoError(t, err, "sql: %s", text)
	return res
}

func (d *testDB) tryExec(text string) (*Result, error) {
	stmt, err := sql.Parse(text)
	if err != nil {
		return nil, err
	}
	tx, err := d.txm.Begin(txn.ReadCommitted)
	if err != nil {
		return nil, err
	}
	res, err := d.eng.Exec(context.Background(), tx, stmt, text)
	if err != nil {
		tx.Abort()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return res, nil
}

func seedOrders(t *testing.T, d *testDB) {
	d.exec(t, `CREATE TABLE orders (
		id INTEGER PRIMARY KEY AUTO_INCREMENT,
		category TEXT NOT NULL,
		total FLOAT
	)`)
	cats := map[string]int{"Electronics": 3, "Books": 2, "Clothing": 4, "Food": 1}
	for cat, n := range cats {
		for i := 0; i < n; i++ {
			d.exec(t, fmt.Sprintf(
				`INSERT INTO orders(category, total) VALUES ('%s', %d.5)`, cat, 10+i))
		}
	}
}

func TestSelectBasics(t *testing.T) {
	d := newTestDB(t)
	d.exec(t, `CREATE TABLE users (id INTEGER PRIMARY KEY AUTO_INCREMENT, name TEXT, age INT)`)
	for i := 0; i < 10; i++ {
		d.exec(t, fmt.Sprintf(`INSERT INTO users(name, age) VALUES ('u%d', %d)`, i, 20+i))
	}

	res := d.exec(t, `SELECT name, age FROM users WHERE age >= 25 ORDER BY age DESC LIMIT 3`)
	assert.Equal(t, []string{"name", "age"}, res.Columns)
	require.Len(t, res.Rows, 3)
	assert.Equal(t, int64(29), res.Rows[0][1].Int)
	assert.Equal(t, int64(27), res.Rows[2][1].Int)

	res = d.exec(t, `SELECT * FROM users WHERE id = 4`)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "u3", res.Rows[0][1].Text)
}

func TestHavingOverGroupBy(t *testing.T) {
	d := newTestDB(t)
	seedOrders(t, d)

	res := d.exec(t, `SELECT category, COUNT(*) FROM orders GROUP BY category HAVING COUNT(*) > 1`)
	require.Len(t, res.Rows, 3) // Electronics, Books, Clothing; Food excluded
	got := map[string]int64{}
	for _, row := range res.Rows {
		got[row[0].Text] = row[1].Int
	}
	assert.Equal(t, map[string]int64{"Electronics": 3, "Books": 2, "Clothing": 4}, got)
}

func TestAggregateSemantics(t *testing.T) {
	d := newTestDB(t)
	d.exec(t, `CREATE TABLE m (id INTEGER PRIMARY KEY AUTO_INCREMENT, v INT)`)
	d.exec(t, `INSERT INTO m(v) VALUES (1), (2), (NULL), (4)`)

	res := d.exec(t, `SELECT COUNT(*), COUNT(v), SUM(v), AVG(v), MIN(v), MAX(v) FROM m`)
	require.Len(t, res.Rows, 1)
	row := res.Rows[0]
	assert.Equal(t, int64(4), row[0].Int)               // COUNT(*)
	assert.Equal(t, int64(3), row[1].Int)               // COUNT(v) skips NULL
	assert.Equal(t, int64(7), row[2].Int)               // SUM skips NULL
	assert.Equal(t, table.TypeFloat, row[3].Type)       // integer AVG is a float
	assert.InDelta(t, 7.0/3.0, row[3].Float, 1e-9)
	assert.Equal(t, int64(1), row[4].Int)
	assert.Equal(t, int64(4), row[5].Int)
}

func TestMultiRowInsertAtomicInTx(t *testing.T) {
	d := newTestDB(t)
	d.exec(t, `CREATE TABLE logs (id INTEGER PRIMARY KEY AUTO_INCREMENT, msg TEXT)`)

	tx, err := d.txm.Begin(txn.ReadCommitted)
	require.NoError(t, err)
	stmt, err := sql.Parse(`INSERT INTO logs(msg) VALUES ('a'), ('b'), ('c')`)
	require.NoError(t, err)
	res, err := d.eng.Exec(context.Background(), tx, stmt, "")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Affected)
	require.NoError(t, tx.Abort())

	// The enclosing transaction aborted: zero rows present.
	out := d.exec(t, `SELECT COUNT(*) FROM logs`)
	assert.Equal(t, int64(0), out.Rows[0][0].Int)
}

func TestJoins(t *testing.T) {
	d := newTestDB(t)
	d.exec(t, `CREATE TABLE teams (id INTEGER PRIMARY KEY, name TEXT)`)
	d.exec(t, `CREATE TABLE players (id INTEGER PRIMARY KEY AUTO_INCREMENT, team_id INT, name TEXT)`)
	d.exec(t, `INSERT INTO teams(id, name) VALUES (1, 'Red'), (2, 'Blue'), (3, 'Empty')`)
	d.exec(t, `INSERT INTO players(team_id, name) VALUES (1, 'ana'), (1, 'bo'), (2, 'cy')`)

	res := d.exec(t, `SELECT t.name, p.name FROM teams t JOIN players p ON t.id = p.team_id ORDER BY p.name`)
	require.Len(t, res.Rows, 3)
	assert.Equal(t, "Red", res.Rows[0][0].Text)

	// LEFT JOIN keeps the team without players.
	res = d.exec(t, `SELECT t.name, COUNT(p.id) FROM teams t LEFT JOIN players p ON t.id = p.team_id GROUP BY t.name`)
	counts := map[string]int64{}
	for _, r := range res.Rows {
		counts[r[0].Text] = r[1].Int
	}
	assert.Equal(t, int64(0), counts["Empty"])
	assert.Equal(t, int64(2), counts["Red"])
}

func TestUpdateDelete(t *testing.T) {
	d := newTestDB(t)
	d.exec(t, `CREATE TABLE kv (id INTEGER PRIMARY KEY AUTO_INCREMENT, k TEXT, v INT)`)
	for i := 0; i < 6; i++ {
		d.exec(t, fmt.Sprintf(`INSERT INTO kv(k, v) VALUES ('k%d', %d)`, i, i))
	}
	res := d.exec(t, `UPDATE kv SET v = 100 WHERE v >= 3`)
	assert.Equal(t, 3, res.Affected)
	res = d.exec(t, `DELETE FROM kv WHERE v = 100`)
	assert.Equal(t, 3, res.Affected)
	out := d.exec(t, `SELECT COUNT(*) FROM kv`)
	assert.Equal(t, int64(3), out.Rows[0][0].Int)
}

func TestIndexLookupPlan(t *testing.T) {
	d := newTestDB(t)
	d.exec(t, `CREATE TABLE big (id INTEGER PRIMARY KEY AUTO_INCREMENT, grp TEXT, v INT)`)
	for i := 0; i < 100; i++ {
		d.exec(t, fmt.Sprintf(`INSERT INTO big(grp, v) VALUES ('g%d', %d)`, i%10, i))
	}
	d.exec(t, `CREATE INDEX ON big (grp)`)

	res := d.exec(t, `EXPLAIN SELECT * FROM big WHERE grp = 'g3'`)
	require.NotEmpty(t, res.Plan)
	plan := strings.Join(res.Plan, "\n")
	assert.Contains(t, plan, "IndexLookup")
	assert.Contains(t, plan, "index(grp)")

	// PK equality always plans a point lookup.
	res = d.exec(t, `EXPLAIN SELECT * FROM big WHERE id = 42`)
	plan = strings.Join(res.Plan, "\n")
	assert.Contains(t, plan, "IndexLookup")
	assert.Contains(t, plan, "index(id)")

	rows := d.exec(t, `SELECT COUNT(*) FROM big WHERE grp = 'g3'`)
	assert.Equal(t, int64(10), rows.Rows[0][0].Int)
}

func TestExplainAnalyze(t *testing.T) {
	d := newTestDB(t)
	seedOrders(t, d)
	res := d.exec(t, `EXPLAIN ANALYZE SELECT category, COUNT(*) FROM orders GROUP BY category`)
	require.NotEmpty(t, res.Plan)
	assert.Contains(t, res.Plan[0], "actual rows=")
}

func TestNeuromatchPredicate(t *testing.T) {
	d := newTestDB(t)
	d.exec(t, `CREATE TABLE seqs (id INTEGER PRIMARY KEY AUTO_INCREMENT, tag TEXT)`)
	d.exec(t, `INSERT INTO seqs(tag) VALUES ('alpha-protein'), ('beta-factor'), ('gamma')`)
	res := d.exec(t, `SELECT tag FROM seqs WHERE NEUROMATCH(tag, 'protein')`)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "alpha-protein", res.Rows[0][0].Text)
}

func TestQuantumHintIsAccepted(t *testing.T) {
	d := newTestDB(t)
	d.exec(t, `CREATE TABLE q (id INTEGER PRIMARY KEY, v INT)`)
	d.exec(t, `INSERT INTO q(id, v) VALUES (1, 10), (2, 20)`)
	// The hint is recorded as a plan note; the operators are those of the
	// plain query, so results are identical.
	res := d.exec(t, `QUANTUM_SEARCH SELECT v FROM q WHERE id = 2`)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, int64(20), res.Rows[0][0].Int)
}

func TestStatementErrorSurfacesKind(t *testing.T) {
	d := newTestDB(t)
	_, err := d.tryExec(`SELECT * FROM missing_table`)
	require.Error(t, err)
	assert.True(t, qerr.Is(err, qerr.KindSchema))

	_, err = d.tryExec(`SELEKT 1`)
	require.Error(t, err)
	assert.True(t, qerr.Is(err, qerr.KindParse))
}

func TestPlanCacheInvalidation(t *testing.T) {
	d := newTestDB(t)
	d.exec(t, `CREATE TABLE c (id INTEGER PRIMARY KEY AUTO_INCREMENT, v TEXT)`)
	d.exec(t, `INSERT INTO c(v) VALUES ('x')`)
	q := `SELECT v FROM c`
	d.exec(t, q)
	d.eng.cacheMu.Lock()
	_, cached := d.eng.cache[q]
	d.eng.cacheMu.Unlock()
	assert.True(t, cached)

	d.exec(t, `ALTER TABLE c ADD COLUMN extra TEXT`)
	d.eng.cacheMu.Lock()
	_, cached = d.eng.cache[q]
	d.eng.cacheMu.Unlock()
	assert.False(t, cached, "DDL must invalidate plans touching the table")
}

func TestCompressTableRegistersCodec(t *testing.T) {
	d := newTestDB(t)
	d.exec(t, `CREATE TABLE genomes (id INTEGER PRIMARY KEY AUTO_INCREMENT, seq TEXT)`)
	d.exec(t, `COMPRESS TABLE genomes USING nucleotide`)
	tm, err := d.eng.Store().Catalog().Get("genomes")
	require.NoError(t, err)
	assert.Equal(t, "nucleotide", tm.Codec)

	_, err = d.tryExec(`COMPRESS TABLE genomes USING bogus`)
	require.Error(t, err)
}
