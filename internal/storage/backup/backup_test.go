package backup

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantadb/quantadb/internal/storage/pager"
	"github.com/quantadb/quantadb/internal/storage/table"
)

type fixture struct {
	dir   string
	p     *pager.Pager
	store *table.Store
	tbl   *table.Table
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	p, err := pager.Open(pager.Config{Dir: dir, Sync: pager.SyncCommit})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	store, err := table.OpenStore(p, dir)
	require.NoError(t, err)
	sc, err := table.NewSchema("events", []table.Column{
		{Name: "id", Type: table.TypeInteger, AutoIncrement: true},
		{Name: "msg", Type: table.TypeText},
	}, "id")
	require.NoError(t, err)
	tx, err := p.BeginTx()
	require.NoError(t, err)
	require.NoError(t, store.CreateTable(tx, sc))
	require.NoError(t, p.CommitTx(tx))
	tbl, err := store.Table("events")
	require.NoError(t, err)
	return &fixture{dir: dir, p: p, store: store, tbl: tbl}
}

func (f *fixture) insert(t *testing.T, n int) {
	t.Helper()
	tx, err := f.p.BeginTx()
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		_, err := f.tbl.Insert(context.Background(), tx, map[string]table.Value{
			"msg": table.Text(fmt.Sprintf("event-%d", i)),
		})
		require.NoError(t, err)
	}
	require.NoError(t, f.p.CommitTx(tx))
}

func countRestored(t *testing.T, dir string) int {
	t.Helper()
	p, err := pager.Open(pager.Config{Dir: dir, Sync: pager.SyncCommit})
	require.NoError(t, err)
	defer p.Close()
	store, err := table.OpenStore(p, dir)
	require.NoError(t, err)
	tbl, err := store.Table("events")
	require.NoError(t, err)
	n := 0
	require.NoError(t, tbl.Scan(context.Background(), func(table.Row) bool {
		n++
		return true
	}))
	return n
}

func TestFullBackupAndRestore(t *testing.T) {
	f := newFixture(t)
	f.insert(t, 25)

	m, err := NewManager(f.p, Options{})
	require.NoError(t, err)
	meta, err := m.Full()
	require.NoError(t, err)
	assert.Equal(t, TypeFull, meta.Type)
	assert.NotZero(t, meta.EndLSN)
	assert.Greater(t, meta.PageCount, 0)

	dest := t.TempDir()
	require.NoError(t, m.Restore(meta.ID, dest, RestoreOptions{VerifyBefore: true, VerifyAfter: true}))
	assert.Equal(t, 25, countRestored(t, dest))
}

func TestIncrementalChain(t *testing.T) {
	f := newFixture(t)
	f.insert(t, 10)

	m, err := NewManager(f.p, Options{})
	require.NoError(t, err)
	full, err := m.Full()
	require.NoError(t, err)

	f.insert(t, 15)
	inc, err := m.Incremental(full.ID)
	require.NoError(t, err)
	assert.Equal(t, TypeIncremental, inc.Type)
	assert.Equal(t, full.ID, inc.Parent)
	assert.Equal(t, full.EndLSN, inc.BaseLSN)
	// The incremental only copies pages touched after the base.
	assert.Less(t, inc.PageCount, full.PageCount+10)

	dest := t.TempDir()
	require.NoError(t, m.Restore(inc.ID, dest, RestoreOptions{VerifyAfter: true}))
	assert.Equal(t, 25, countRestored(t, dest))
}

func TestCompressedBackup(t *testing.T) {
	f := newFixture(t)
	f.insert(t, 10)

	m, err := NewManager(f.p, Options{Codec: "gzip"})
	require.NoError(t, err)
	meta, err := m.Full()
	require.NoError(t, err)
	assert.Equal(t, "gzip", meta.Codec)

	dest := t.TempDir()
	require.NoError(t, m.Restore(meta.ID, dest, RestoreOptions{VerifyBefore: true}))
	assert.Equal(t, 10, countRestored(t, dest))
}

func TestListAndDelete(t *testing.T) {
	f := newFixture(t)
	f.insert(t, 3)
	m, err := NewManager(f.p, Options{})
	require.NoError(t, err)

	b1, err := m.Full()
	require.NoError(t, err)
	b2, err := m.Full()
	require.NoError(t, err)

	list, err := m.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, b1.ID, list[0].ID) // oldest first

	require.NoError(t, m.Delete(b1.ID))
	list, err = m.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, b2.ID, list[0].ID)

	assert.Error(t, m.Delete("no-such-backup"))
}

func TestRestoreRejectsBrokenChain(t *testing.T) {
	f := newFixture(t)
	f.insert(t, 3)
	m, err := NewManager(f.p, Options{})
	require.NoError(t, err)
	full, err := m.Full()
	require.NoError(t, err)
	inc, err := m.Incremental(full.ID)
	require.NoError(t, err)

	// Deleting the base breaks the incremental's chain.
	require.NoError(t, m.Delete(full.ID))
	err = m.Restore(inc.ID, t.TempDir(), RestoreOptions{})
	require.Error(t, err)
}
