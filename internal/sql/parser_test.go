package sql

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantadb/quantadb/internal/qerr"
	"github.com/quantadb/quantadb/internal/storage/table"
)

func TestParseCreateTable(t *testing.T) {
	st, err := Parse(`CREATE TABLE users (
		id INTEGER PRIMARY KEY AUTO_INCREMENT,
		name TEXT NOT NULL,
		age INT,
		team_id INTEGER REFERENCES teams(id) ON DELETE CASCADE,
		active BOOLEAN DEFAULT TRUE
	)`)
	require.NoError(t, err)
	ct, ok := st.(*CreateTable)
	require.True(t, ok)
	assert.Equal(t, "users", ct.Name)
	assert.Equal(t, "id", ct.PrimaryKey)
	require.Len(t, ct.Columns, 5)
	assert.True(t, ct.Columns[0].AutoIncrement)
	assert.False(t, ct.Columns[1].Nullable)
	require.NotNil(t, ct.Columns[3].References)
	assert.Equal(t, table.FKCascade, ct.Columns[3].References.OnDelete)
	require.NotNil(t, ct.Columns[4].Default)
	assert.True(t, ct.Columns[4].Default.Bool)
}

func TestParseAutoincrementSynonym(t *testing.T) {
	st, err := Parse(`CREATE TABLE t (id INT PRIMARY KEY AUTOINCREMENT, v TEXT)`)
	require.NoError(t, err)
	assert.True(t, st.(*CreateTable).Columns[0].AutoIncrement)
}

func TestParseMultiRowInsert(t *testing.T) {
	st, err := Parse(`INSERT INTO logs(msg) VALUES ('a'), ('b'), ('c')`)
	require.NoError(t, err)
	ins := st.(*Insert)
	assert.Equal(t, []string{"msg"}, ins.Columns)
	require.Len(t, ins.Rows, 3)
	assert.Equal(t, "b", ins.Rows[1][0].(*Literal).Val.Text)
}

func TestParseSelectFull(t *testing.T) {
	st, err := Parse(`SELECT category, COUNT(*) AS n
		FROM orders o
		JOIN customers c ON o.customer_id = c.id
		WHERE o.total >= 10.5 AND NOT c.banned
		GROUP BY category
		HAVING COUNT(*) > 1
		ORDER BY n DESC, category
		LIMIT 10 OFFSET 5`)
	require.NoError(t, err)
	sel := st.(*Select)
	require.Len(t, sel.Items, 2)
	assert.Equal(t, "n", sel.Items[1].Alias)
	assert.Equal(t, "orders", sel.Table)
	assert.Equal(t, "o", sel.Alias)
	require.Len(t, sel.Joins, 1)
	assert.Equal(t, "customers", sel.Joins[0].Table)
	require.NotNil(t, sel.Having)
	require.Len(t, sel.OrderBy, 2)
	assert.True(t, sel.OrderBy[0].Desc)
	require.NotNil(t, sel.Limit)
	assert.EqualValues(t, 10, *sel.Limit)
	require.NotNil(t, sel.Offset)
	assert.EqualValues(t, 5, *sel.Offset)
}

func TestParsePrecedence(t *testing.T) {
	st, err := Parse(`SELECT * FROM t WHERE a = 1 OR b = 2 AND c = 3`)
	require.NoError(t, err)
	where := st.(*Select).Where.(*Binary)
	// OR binds loosest: (a=1) OR ((b=2) AND (c=3))
	assert.Equal(t, "OR", where.Op)
	assert.Equal(t, "AND", where.Right.(*Binary).Op)

	st, err = Parse(`SELECT * FROM t WHERE a + 2 * 3 = 7`)
	require.NoError(t, err)
	cmp := st.(*Select).Where.(*Binary)
	assert.Equal(t, "=", cmp.Op)
	add := cmp.Left.(*Binary)
	assert.Equal(t, "+", add.Op)
	assert.Equal(t, "*", add.Right.(*Binary).Op)
}

func TestParseTransactionControl(t *testing.T) {
	st, err := Parse(`BEGIN TRANSACTION ISOLATION LEVEL REPEATABLE READ`)
	require.NoError(t, err)
	assert.Equal(t, "REPEATABLE READ", strings.ToUpper(st.(*Begin).Isolation))

	st, err = Parse(`ROLLBACK TO SAVEPOINT s1`)
	require.NoError(t, err)
	assert.Equal(t, "s1", st.(*Rollback).Savepoint)

	st, err = Parse(`SAVEPOINT mark`)
	require.NoError(t, err)
	assert.Equal(t, "mark", st.(*SavepointStmt).Name)

	st, err = Parse(`RELEASE SAVEPOINT mark`)
	require.NoError(t, err)
	assert.Equal(t, "mark", st.(*ReleaseStmt).Name)
}

func TestParseAlterVariants(t *testing.T) {
	st, err := Parse(`ALTER TABLE t ADD COLUMN city TEXT DEFAULT 'n/a'`)
	require.NoError(t, err)
	add := st.(*AlterTable).Action.(*AddColumn)
	assert.Equal(t, "city", add.Def.Name)

	st, err = Parse(`ALTER TABLE t DROP COLUMN city`)
	require.NoError(t, err)
	assert.Equal(t, "city", st.(*AlterTable).Action.(*DropColumn).Name)

	st, err = Parse(`ALTER TABLE t RENAME COLUMN a TO b`)
	require.NoError(t, err)
	rn := st.(*AlterTable).Action.(*RenameColumn)
	assert.Equal(t, "a", rn.From)
	assert.Equal(t, "b", rn.To)

	st, err = Parse(`ALTER TABLE t MODIFY COLUMN a BIGINT`)
	require.NoError(t, err)
	mod := st.(*AlterTable).Action.(*ModifyColumn)
	assert.Equal(t, table.TypeBigInt, mod.Type)
}

func TestParseExtensions(t *testing.T) {
	st, err := Parse(`EXPLAIN ANALYZE SELECT * FROM t`)
	require.NoError(t, err)
	ex := st.(*Explain)
	assert.True(t, ex.Analyze)
	_, ok := ex.Stmt.(*Select)
	assert.True(t, ok)

	st, err = Parse(`COMPRESS TABLE genomes USING nucleotide`)
	require.NoError(t, err)
	cp := st.(*CompressTable)
	assert.Equal(t, "genomes", cp.Table)
	assert.Equal(t, "nucleotide", cp.Codec)

	st, err = Parse(`QUANTUM_SEARCH SELECT * FROM t WHERE id = 5`)
	require.NoError(t, err)
	assert.Equal(t, "quantum_search", st.(*Select).Hint)

	st, err = Parse(`SELECT * FROM t WHERE NEUROMATCH(name, 'fuzzy~pattern')`)
	require.NoError(t, err)
	fc := st.(*Select).Where.(*FuncCall)
	assert.Equal(t, "NEUROMATCH", fc.Name)
	require.Len(t, fc.Args, 2)
}

func TestParseErrorsCarryPosition(t *testing.T) {
	_, err := Parse("SELECT *\nFRM t")
	require.Error(t, err)
	assert.True(t, qerr.Is(err, qerr.KindParse))
	assert.Contains(t, err.Error(), "line 2")

	_, err = Parse(`INSERT INTO t VALUES (`)
	require.Error(t, err)
	assert.True(t, qerr.Is(err, qerr.KindParse))
}

func TestParseCaseInsensitiveKeywords(t *testing.T) {
	st, err := Parse(`select name from users where age >= 21`)
	require.NoError(t, err)
	sel := st.(*Select)
	assert.Equal(t, "users", sel.Table)
	assert.Equal(t, ">=", sel.Where.(*Binary).Op)
}

func TestParseStringEscapes(t *testing.T) {
	st, err := Parse(`INSERT INTO t(v) VALUES ('it''s')`)
	require.NoError(t, err)
	assert.Equal(t, "it's", st.(*Insert).Rows[0][0].(*Literal).Val.Text)
}

func TestParseAllScript(t *testing.T) {
	sts, err := ParseAll(`BEGIN; INSERT INTO t(id) VALUES (1); COMMIT;`)
	require.NoError(t, err)
	require.Len(t, sts, 3)
	_, ok := sts[0].(*Begin)
	assert.True(t, ok)
	_, ok = sts[2].(*Commit)
	assert.True(t, ok)
}
