package table

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantadb/quantadb/internal/qerr"
	"github.com/quantadb/quantadb/internal/storage/pager"
)

func openTestStore(t *testing.T) (*Store, *pager.Pager) {
	t.Helper()
	dir := t.TempDir()
	p, err := pager.Open(pager.Config{Dir: dir, Sync: pager.SyncCommit})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	s, err := OpenStore(p, dir)
	require.NoError(t, err)
	return s, p
}

func usersSchema(t *testing.T) *Schema {
	t.Helper()
	sc, err := NewSchema("users", []Column{
		{Name: "id", Type: TypeInteger, AutoIncrement: true},
		{Name: "name", Type: TypeText},
		{Name: "age", Type: TypeInteger, Nullable: true},
	}, "id")
	require.NoError(t, err)
	return sc
}

func mustBegin(t *testing.T, p *pager.Pager) pager.TxID {
	t.Helper()
	tx, err := p.BeginTx()
	require.NoError(t, err)
	return tx
}

func TestCreateTableAndDuplicate(t *testing.T) {
	s, p := openTestStore(t)
	tx := mustBegin(t, p)
	require.NoError(t, s.CreateTable(tx, usersSchema(t)))
	err := s.CreateTable(tx, usersSchema(t))
	require.Error(t, err)
	assert.True(t, qerr.Is(err, qerr.KindSchema))
	require.NoError(t, p.CommitTx(tx))
}

func TestInsertGetScan(t *testing.T) {
	s, p := openTestStore(t)
	ctx := context.Background()
	tx := mustBegin(t, p)
	require.NoError(t, s.CreateTable(tx, usersSchema(t)))
	tbl, err := s.Table("users")
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		_, err := tbl.Insert(ctx, tx, map[string]Value{
			"name": Text(fmt.Sprintf("user-%02d", i)),
			"age":  Int(int64(20 + i)),
		})
		require.NoError(t, err)
	}
	require.NoError(t, p.CommitTx(tx))

	row, found, err := tbl.GetByPK(Int(7))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "user-06", row.Values["name"].Text) // ids start at 1

	var n int
	require.NoError(t, tbl.Scan(ctx, func(Row) bool { n++; return true }))
	assert.Equal(t, 50, n)
}

func TestAutoIncrementSemantics(t *testing.T) {
	s, p := openTestStore(t)
	ctx := context.Background()
	tx := mustBegin(t, p)
	require.NoError(t, s.CreateTable(tx, usersSchema(t)))
	tbl, err := s.Table("users")
	require.NoError(t, err)

	r1, err := tbl.Insert(ctx, tx, map[string]Value{"name": Text("a")})
	require.NoError(t, err)
	assert.Equal(t, int64(1), r1.Values["id"].Int)

	// Explicit value far ahead advances the counter.
	_, err = tbl.Insert(ctx, tx, map[string]Value{"id": Int(100), "name": Text("b")})
	require.NoError(t, err)
	r3, err := tbl.Insert(ctx, tx, map[string]Value{"name": Text("c")})
	require.NoError(t, err)
	assert.Equal(t, int64(101), r3.Values["id"].Int)

	// Explicit value behind the counter does not move it backwards.
	_, err = tbl.Insert(ctx, tx, map[string]Value{"id": Int(5), "name": Text("d")})
	require.NoError(t, err)
	r5, err := tbl.Insert(ctx, tx, map[string]Value{"name": Text("e")})
	require.NoError(t, err)
	assert.Equal(t, int64(102), r5.Values["id"].Int)
	require.NoError(t, p.CommitTx(tx))
}

func TestDuplicatePrimaryKey(t *testing.T) {
	s, p := openTestStore(t)
	ctx := context.Background()
	tx := mustBegin(t, p)
	require.NoError(t, s.CreateTable(tx, usersSchema(t)))
	tbl, _ := s.Table("users")

	_, err := tbl.Insert(ctx, tx, map[string]Value{"id": Int(1), "name": Text("a")})
	require.NoError(t, err)
	_, err = tbl.Insert(ctx, tx, map[string]Value{"id": Int(1), "name": Text("b")})
	require.Error(t, err)
	assert.True(t, qerr.Is(err, qerr.KindDuplicateKey))
}

func TestUpdateAndDelete(t *testing.T) {
	s, p := openTestStore(t)
	ctx := context.Background()
	tx := mustBegin(t, p)
	require.NoError(t, s.CreateTable(tx, usersSchema(t)))
	tbl, _ := s.Table("users")

	for i := 1; i <= 10; i++ {
		_, err := tbl.Insert(ctx, tx, map[string]Value{"name": Text("u"), "age": Int(int64(i))})
		require.NoError(t, err)
	}
	n, err := tbl.UpdateWhere(ctx, tx, func(r Row) (bool, error) {
		return r.Values["age"].Int > 5, nil
	}, map[string]Value{"name": Text("senior")})
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = tbl.DeleteWhere(ctx, tx, func(r Row) (bool, error) {
		return r.Values["age"].Int <= 3, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	var left int
	require.NoError(t, tbl.Scan(ctx, func(Row) bool { left++; return true }))
	assert.Equal(t, 7, left)

	// Deleted rows are unreachable via the PK index too.
	_, found, err := tbl.GetByPK(Int(1))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestForeignKeyRestrictAndCascade(t *testing.T) {
	s, p := openTestStore(t)
	ctx := context.Background()
	tx := mustBegin(t, p)

	parent, err := NewSchema("authors", []Column{
		{Name: "id", Type: TypeInteger, AutoIncrement: true},
		{Name: "name", Type: TypeText},
	}, "id")
	require.NoError(t, err)
	require.NoError(t, s.CreateTable(tx, parent))

	child, err := NewSchema("books", []Column{
		{Name: "id", Type: TypeInteger, AutoIncrement: true},
		{Name: "author_id", Type: TypeInteger},
		{Name: "title", Type: TypeText},
	}, "id")
	require.NoError(t, err)
	child.ForeignKeys = []ForeignKey{{Column: "author_id", RefTable: "authors", RefColumn: "id", OnDelete: FKRestrict}}
	require.NoError(t, s.CreateTable(tx, child))

	authors, _ := s.Table("authors")
	books, _ := s.Table("books")

	a, err := authors.Insert(ctx, tx, map[string]Value{"name": Text("K.")})
	require.NoError(t, err)

	// Insert referencing a missing parent fails.
	_, err = books.Insert(ctx, tx, map[string]Value{"author_id": Int(999), "title": Text("x")})
	require.Error(t, err)
	assert.True(t, qerr.Is(err, qerr.KindConstraintViolation))

	_, err = books.Insert(ctx, tx, map[string]Value{"author_id": a.Values["id"], "title": Text("ok")})
	require.NoError(t, err)

	// Restrict: parent with children cannot be deleted.
	row, found, err := authors.GetByPK(a.Values["id"])
	require.NoError(t, err)
	require.True(t, found)
	err = authors.DeleteRow(ctx, tx, row)
	require.Error(t, err)
	assert.True(t, qerr.Is(err, qerr.KindConstraintViolation))

	// Cascade: switching the action removes the children with the parent.
	require.NoError(t, s.Catalog().Update("books", func(m *TableMeta) error {
		m.Schema.ForeignKeys[0].OnDelete = FKCascade
		return nil
	}))
	require.NoError(t, authors.DeleteRow(ctx, tx, row))
	var left int
	require.NoError(t, books.Scan(ctx, func(Row) bool { left++; return true }))
	assert.Zero(t, left)
}

func TestOverflowValues(t *testing.T) {
	s, p := openTestStore(t)
	ctx := context.Background()
	tx := mustBegin(t, p)
	require.NoError(t, s.CreateTable(tx, usersSchema(t)))
	tbl, _ := s.Table("users")

	big := strings.Repeat("q", 10_000)
	r, err := tbl.Insert(ctx, tx, map[string]Value{"name": Text(big)})
	require.NoError(t, err)
	require.NoError(t, p.CommitTx(tx))

	got, err := tbl.ReadRow(r.ID)
	require.NoError(t, err)
	assert.Equal(t, big, got.Values["name"].Text)
}

func TestSecondaryIndexLookup(t *testing.T) {
	s, p := openTestStore(t)
	ctx := context.Background()
	tx := mustBegin(t, p)
	require.NoError(t, s.CreateTable(tx, usersSchema(t)))
	tbl, _ := s.Table("users")

	for i := 0; i < 30; i++ {
		_, err := tbl.Insert(ctx, tx, map[string]Value{
			"name": Text(fmt.Sprintf("g%d", i%3)),
			"age":  Int(int64(i)),
		})
		require.NoError(t, err)
	}
	require.NoError(t, tbl.CreateIndex(ctx, tx, "name"))
	assert.True(t, tbl.HasIndex("name"))

	var hits int
	require.NoError(t, tbl.IndexLookup(ctx, "name", Text("g1"), func(r Row) bool {
		hits++
		assert.Equal(t, "g1", r.Values["name"].Text)
		return true
	}))
	assert.Equal(t, 10, hits)

	// Index follows subsequent DML.
	_, err := tbl.Insert(ctx, tx, map[string]Value{"name": Text("g1"), "age": Int(99)})
	require.NoError(t, err)
	hits = 0
	require.NoError(t, tbl.IndexLookup(ctx, "name", Text("g1"), func(Row) bool { hits++; return true }))
	assert.Equal(t, 11, hits)
}

func TestCatalogSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	p, err := pager.Open(pager.Config{Dir: dir, Sync: pager.SyncCommit})
	require.NoError(t, err)
	s, err := OpenStore(p, dir)
	require.NoError(t, err)
	tx := mustBegin(t, p)
	require.NoError(t, s.CreateTable(tx, usersSchema(t)))
	tbl, _ := s.Table("users")
	_, err = tbl.Insert(context.Background(), tx, map[string]Value{"name": Text("persist")})
	require.NoError(t, err)
	require.NoError(t, p.CommitTx(tx))
	require.NoError(t, p.Close())

	p2, err := pager.Open(pager.Config{Dir: dir, Sync: pager.SyncCommit})
	require.NoError(t, err)
	defer p2.Close()
	s2, err := OpenStore(p2, dir)
	require.NoError(t, err)
	tbl2, err := s2.Table("users")
	require.NoError(t, err)
	row, found, err := tbl2.GetByPK(Int(1))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "persist", row.Values["name"].Text)
}
