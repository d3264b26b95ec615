package table

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantadb/quantadb/internal/qerr"
)

func TestAddColumnLazyBackfill(t *testing.T) {
	s, p := openTestStore(t)
	ctx := context.Background()
	tx := mustBegin(t, p)
	require.NoError(t, s.CreateTable(tx, usersSchema(t)))
	tbl, _ := s.Table("users")

	r, err := tbl.Insert(ctx, tx, map[string]Value{"name": Text("old-row")})
	require.NoError(t, err)

	def := Text("unknown")
	require.NoError(t, tbl.AddColumn(Column{Name: "city", Type: TypeText, Nullable: true, Default: &def}))

	sc, err := tbl.Schema()
	require.NoError(t, err)
	assert.Equal(t, uint32(2), sc.Version)

	// Rows written before the ALTER read the default.
	got, err := tbl.ReadRow(r.ID)
	require.NoError(t, err)
	assert.Equal(t, "unknown", got.Values["city"].Text)

	// New rows store real values.
	r2, err := tbl.Insert(ctx, tx, map[string]Value{"name": Text("new-row"), "city": Text("Berlin")})
	require.NoError(t, err)
	got2, err := tbl.ReadRow(r2.ID)
	require.NoError(t, err)
	assert.Equal(t, "Berlin", got2.Values["city"].Text)
}

func TestDropColumnMasksAndProtectsPK(t *testing.T) {
	s, p := openTestStore(t)
	ctx := context.Background()
	tx := mustBegin(t, p)
	require.NoError(t, s.CreateTable(tx, usersSchema(t)))
	tbl, _ := s.Table("users")

	r, err := tbl.Insert(ctx, tx, map[string]Value{"name": Text("x"), "age": Int(30)})
	require.NoError(t, err)

	err = tbl.DropColumn("id")
	require.Error(t, err)
	assert.True(t, qerr.Is(err, qerr.KindSchema))

	require.NoError(t, tbl.DropColumn("age"))
	got, err := tbl.ReadRow(r.ID)
	require.NoError(t, err)
	_, present := got.Values["age"]
	assert.False(t, present)
}

func TestRenameColumn(t *testing.T) {
	s, p := openTestStore(t)
	ctx := context.Background()
	tx := mustBegin(t, p)
	require.NoError(t, s.CreateTable(tx, usersSchema(t)))
	tbl, _ := s.Table("users")

	r, err := tbl.Insert(ctx, tx, map[string]Value{"name": Text("renamed-later")})
	require.NoError(t, err)

	require.NoError(t, tbl.RenameColumn("name", "full_name"))
	err = tbl.RenameColumn("age", "full_name")
	require.Error(t, err) // collision

	// Identity is the column ID: old rows read under the new label.
	got, err := tbl.ReadRow(r.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed-later", got.Values["full_name"].Text)
	_, oldPresent := got.Values["name"]
	assert.False(t, oldPresent)
}

func TestModifyColumnAllOrNothing(t *testing.T) {
	s, p := openTestStore(t)
	ctx := context.Background()
	tx := mustBegin(t, p)
	require.NoError(t, s.CreateTable(tx, usersSchema(t)))
	tbl, _ := s.Table("users")

	_, err := tbl.Insert(ctx, tx, map[string]Value{"name": Text("123")})
	require.NoError(t, err)
	_, err = tbl.Insert(ctx, tx, map[string]Value{"name": Text("not-a-number")})
	require.NoError(t, err)

	// One row fails to coerce: the whole ALTER aborts, table unchanged.
	err = tbl.ModifyColumn(ctx, tx, "name", TypeInteger)
	require.Error(t, err)
	assert.True(t, qerr.Is(err, qerr.KindTypeMismatch))
	sc, _ := tbl.Schema()
	assert.Equal(t, TypeText, sc.Column("name").Type)

	// Remove the offender and retry: now every value coerces.
	_, err = tbl.DeleteWhere(ctx, tx, func(r Row) (bool, error) {
		return r.Values["name"].Text == "not-a-number", nil
	})
	require.NoError(t, err)
	require.NoError(t, tbl.ModifyColumn(ctx, tx, "name", TypeInteger))
	sc, _ = tbl.Schema()
	assert.Equal(t, TypeInteger, sc.Column("name").Type)

	var vals []int64
	require.NoError(t, tbl.Scan(ctx, func(r Row) bool {
		vals = append(vals, r.Values["name"].Int)
		return true
	}))
	assert.Equal(t, []int64{123}, vals)
}
